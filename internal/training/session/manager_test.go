package session

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-train-infra/internal/training/coordinator"
	"github.com/kashguard/go-train-infra/internal/training/dataset"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/peer"
	"github.com/kashguard/go-train-infra/internal/training/registry"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/training/trainerr"
	"github.com/kashguard/go-train-infra/pkg/sealing"
)

const csv = "x1,x2,label\n0.1,0.2,1\n0.3,0.4,0\n0.5,0.6,1\n"

// MockDatasetStore is a mock implementation of dataset.Store
type MockDatasetStore struct {
	mock.Mock
}

func (m *MockDatasetStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockDatasetStore) Store(ctx context.Context, data []byte, sessionID string, meta dataset.Metadata) (string, error) {
	args := m.Called(ctx, data, sessionID, meta)
	return args.String(0), args.Error(1)
}

type env struct {
	t        *testing.T
	broker   *messaging.MemoryBroker
	store    *storage.MemoryStore
	registry *registry.Registry
	datasets dataset.Store
	manager  *Manager
}

func newEnv(t *testing.T, cfg Config, datasets dataset.Store) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := registry.NewRegistry(store, nil)
	broker := messaging.NewMemoryBroker()

	if datasets == nil {
		sealer, err := sealing.NewSealerWithCost("passphrase", "salt", "dataset-v1", 1024)
		require.NoError(t, err)
		fs, err := dataset.NewFileSystemStore(t.TempDir(), sealer, nil)
		require.NoError(t, err)
		datasets = fs
	}

	e := &env{
		t:        t,
		broker:   broker,
		store:    store,
		registry: reg,
		datasets: datasets,
		manager:  NewManager(cfg, reg, store, datasets, broker, nil, nil),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.manager.Shutdown(ctx))
		_ = broker.Close()
	})
	return e
}

// worker 加入网络并启动一个 peer 进程
func (e *env) worker(uid string, trainer peer.Trainer) {
	e.t.Helper()
	_, err := e.manager.JoinNetwork(context.Background(), uid)
	require.NoError(e.t, err)

	w := peer.NewWorker(peer.Config{UID: uid}, e.broker, e.datasets, trainer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = w.Run(ctx)
	}()
	e.t.Cleanup(func() {
		cancel()
		<-exited
	})
}

func (e *env) join(uids ...string) {
	e.t.Helper()
	for _, uid := range uids {
		_, err := e.manager.JoinNetwork(context.Background(), uid)
		require.NoError(e.t, err)
	}
}

func (e *env) peerStatus(uid string) storage.PeerStatus {
	e.t.Helper()
	p, err := e.registry.Get(context.Background(), uid)
	require.NoError(e.t, err)
	return p.Status
}

func (e *env) wait(sessionID string) *coordinator.Result {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := e.manager.Wait(ctx, sessionID)
	require.NoError(e.t, err)
	return result
}

func hp(lr float64, batch, epochs int) storage.Hyperparameters {
	return storage.Hyperparameters{LearningRate: lr, BatchSize: batch, Epochs: epochs}
}

func request(n int, hps ...storage.Hyperparameters) *CreateRequest {
	return &CreateRequest{
		OwnerID:          "owner",
		Name:             "demo",
		PeerCount:        n,
		Hyperparameters:  hps,
		Dataset:          []byte(csv),
		OriginalFilename: "iris.csv",
	}
}

func epochs(results []storage.EpochResult) []int {
	out := make([]int, 0, len(results))
	for _, r := range results {
		out = append(out, r.Epoch)
	}
	return out
}

// stallingTrainer 报告 n 个 epoch 后保持静默直到被停止
func stallingTrainer(n int) peer.Trainer {
	return peer.TrainerFunc(func(ctx context.Context, data []byte, hp storage.Hyperparameters, report func(peer.EpochReport) error) error {
		for epoch := 1; epoch <= n; epoch++ {
			if err := report(peer.EpochReport{Epoch: epoch, Loss: 1 / float64(epoch), Accuracy: 0.5}); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestCreateSession_Validation(t *testing.T) {
	e := newEnv(t, Config{MaxPeers: 4}, nil)
	e.join("peer-a", "peer-b")

	tests := []struct {
		name string
		req  *CreateRequest
	}{
		{"missing owner", &CreateRequest{PeerCount: 1, Hyperparameters: []storage.Hyperparameters{hp(0.1, 1, 1)}, Dataset: []byte(csv)}},
		{"zero peers", request(0)},
		{"too many peers", request(5, hp(0.1, 1, 1), hp(0.1, 1, 1), hp(0.1, 1, 1), hp(0.1, 1, 1), hp(0.1, 1, 1))},
		{"hyperparameter count mismatch", request(2, hp(0.1, 1, 1))},
		{"non-positive learning rate", request(1, hp(0, 1, 1))},
		{"non-positive batch size", request(1, hp(0.1, 0, 1))},
		{"non-positive epochs", request(1, hp(0.1, 1, 0))},
		{"empty dataset", &CreateRequest{OwnerID: "owner", PeerCount: 1, Hyperparameters: []storage.Hyperparameters{hp(0.1, 1, 1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.manager.CreateSession(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, trainerr.Is(err, trainerr.KindValidation), err.Error())
		})
	}

	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-a"))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-b"))
	list, err := e.manager.ListSessions(context.Background(), "owner")
	require.NoError(t, err)
	assert.Empty(t, list.Owned)
}

func TestCreateSession_InsufficientPeersExcludesOwner(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	e.join("owner", "peer-a")

	count, err := e.manager.OnlinePeers(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = e.manager.CreateSession(context.Background(), request(2, hp(0.1, 1, 1), hp(0.1, 1, 1)))
	require.Error(t, err)
	assert.True(t, trainerr.Is(err, trainerr.KindInsufficientPeers))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("owner"))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-a"))
}

func TestCreateSession_DatasetFailureReleasesPeers(t *testing.T) {
	datasets := new(MockDatasetStore)
	datasets.On("Store", mock.Anything, []byte(csv), mock.Anything, dataset.Metadata{OriginalFilename: "iris.csv", ContentType: dataset.DefaultContentType}).
		Return("", errors.New("bucket unavailable")).Once()
	e := newEnv(t, Config{}, datasets)
	e.join("peer-a", "peer-b")

	_, err := e.manager.CreateSession(context.Background(), request(2, hp(0.1, 1, 1), hp(0.1, 1, 1)))
	require.Error(t, err)
	assert.True(t, trainerr.Is(err, trainerr.KindStorage))
	datasets.AssertExpectations(t)

	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-a"))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-b"))

	list, err := e.manager.ListSessions(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, list.Owned, 1)
	assert.Equal(t, storage.SessionStatusFailed, list.Owned[0].Status)
	require.NotNil(t, list.Owned[0].Error)
	assert.Equal(t, "STORAGE", list.Owned[0].Error.Kind)
}

func TestSession_EndToEndCompleted(t *testing.T) {
	e := newEnv(t, Config{Coordinator: coordinator.Config{SessionTimeout: 5 * time.Second}}, nil)
	e.worker("peer-a", peer.CurveTrainer{})
	e.worker("peer-b", peer.CurveTrainer{})

	record, err := e.manager.CreateSession(context.Background(), request(2, hp(0.001, 32, 3), hp(0.01, 64, 2)))
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCreated, record.Status)
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, record.PeerUIDs)
	assert.Equal(t, "iris.csv", record.Dataset.OriginalFilename)
	assert.Equal(t, int64(len(csv)), record.Dataset.Size)

	result := e.wait(record.ID)
	assert.Equal(t, storage.SessionStatusCompleted, result.Status)

	s, err := e.manager.GetFullResults(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCompleted, s.Status)
	for i, uid := range s.PeerUIDs {
		p := s.Peers[uid]
		assert.Equal(t, s.Hyperparameters[i], p.Hyperparameters)
		assert.Len(t, p.Results, s.Hyperparameters[i].Epochs, uid)
		assert.Equal(t, storage.PeerOutcomeDone, p.Outcome)
		assert.Equal(t, storage.PeerStatusIdle, e.peerStatus(uid))
	}

	list, err := e.manager.ListSessions(context.Background(), "peer-a")
	require.NoError(t, err)
	assert.Empty(t, list.Owned)
	require.Len(t, list.Joined, 1)
	assert.Equal(t, record.ID, list.Joined[0].ID)

	status, err := e.manager.TrainingStatus(context.Background(), "peer-a")
	require.NoError(t, err)
	assert.False(t, status.Training)
	assert.Equal(t, record.ID, status.SessionID)
	assert.Equal(t, storage.SessionStatusCompleted, status.Status)
}

func TestSession_SilentPeerCompletesPartial(t *testing.T) {
	e := newEnv(t, Config{Coordinator: coordinator.Config{SessionTimeout: 5 * time.Second, LivenessWindow: 150 * time.Millisecond}}, nil)
	e.worker("peer-a", peer.CurveTrainer{})
	e.worker("peer-b", stallingTrainer(2))

	record, err := e.manager.CreateSession(context.Background(), request(2, hp(0.001, 32, 3), hp(0.01, 64, 3)))
	require.NoError(t, err)

	result := e.wait(record.ID)
	assert.Equal(t, storage.SessionStatusCompletedPartial, result.Status)
	assert.Equal(t, []string{"peer-b"}, result.MissingPeers)

	s, err := e.manager.GetFullResults(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCompletedPartial, s.Status)
	assert.Equal(t, []string{"peer-b"}, s.MissingPeers)
	assert.Equal(t, []int{1, 2, 3}, epochs(s.Peers["peer-a"].Results))
	assert.Equal(t, []int{1, 2}, epochs(s.Peers["peer-b"].Results))
	assert.Equal(t, storage.PeerOutcomeUnresponsive, s.Peers["peer-b"].Outcome)
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-a"))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-b"))
}

func TestSession_ReservedPeerCannotLeave(t *testing.T) {
	e := newEnv(t, Config{Coordinator: coordinator.Config{SessionTimeout: 5 * time.Second}}, nil)
	e.worker("peer-a", stallingTrainer(1))

	record, err := e.manager.CreateSession(context.Background(), request(1, hp(0.1, 1, 5)))
	require.NoError(t, err)

	err = e.manager.LeaveNetwork(context.Background(), "peer-a")
	assert.ErrorIs(t, err, storage.ErrPeerBusy)

	status, err := e.manager.TrainingStatus(context.Background(), "peer-a")
	require.NoError(t, err)
	assert.True(t, status.Training)

	require.NoError(t, e.manager.Cancel(record.ID))
	result := e.wait(record.ID)
	assert.Equal(t, storage.SessionStatusFailed, result.Status)
	assert.True(t, trainerr.Is(result.Err, trainerr.KindCancelled))

	require.NoError(t, e.manager.LeaveNetwork(context.Background(), "peer-a"))
	assert.Equal(t, storage.PeerStatusOffline, e.peerStatus("peer-a"))
}

func TestManager_ShutdownCancelsSessions(t *testing.T) {
	e := newEnv(t, Config{Coordinator: coordinator.Config{SessionTimeout: time.Minute}}, nil)
	e.worker("peer-a", stallingTrainer(1))
	e.worker("peer-b", stallingTrainer(1))

	record, err := e.manager.CreateSession(context.Background(), request(2, hp(0.1, 1, 5), hp(0.1, 1, 5)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := e.manager.GetFullResults(context.Background(), record.ID)
		return err == nil && s.Status == storage.SessionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.manager.Shutdown(ctx))
	assert.Empty(t, e.manager.Running())

	s, err := e.manager.GetFullResults(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, coordinator.CancelledReason, s.Error.Reason)
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-a"))
	assert.Equal(t, storage.PeerStatusIdle, e.peerStatus("peer-b"))

	result, err := e.manager.Wait(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusFailed, result.Status)

	_, err = e.manager.CreateSession(context.Background(), request(1, hp(0.1, 1, 1)))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_WaitUnknownSession(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	_, err := e.manager.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, e.manager.Cancel("missing"), ErrNotSupervised)
}

func TestManager_RecordsActivity(t *testing.T) {
	e := newEnv(t, Config{Coordinator: coordinator.Config{SessionTimeout: 5 * time.Second}}, nil)
	ctx := context.Background()
	e.worker("peer-a", stallingTrainer(1))
	e.join("peer-c")

	record, err := e.manager.CreateSession(ctx, request(1, hp(0.1, 8, 2)))
	require.NoError(t, err)

	assert.ErrorIs(t, e.manager.LeaveNetwork(ctx, "peer-a"), storage.ErrPeerBusy)
	require.NoError(t, e.manager.LeaveNetwork(ctx, "peer-c"))

	_, err = e.manager.CreateSession(ctx, request(1, hp(0.1, 8, 2)))
	require.Error(t, err)

	records, err := e.manager.Activity(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, storage.ActivityLeave, records[0].Action)
	assert.Equal(t, "peer-c", records[0].UserID)
	assert.Equal(t, storage.ActivityStartSession, records[1].Action)
	assert.Equal(t, "owner", records[1].UserID)
	assert.Equal(t, record.ID, records[1].SessionID)
	assert.Equal(t, storage.ActivityJoin, records[2].Action)
	assert.Equal(t, "peer-c", records[2].UserID)
	assert.Equal(t, storage.ActivityJoin, records[3].Action)
	assert.Equal(t, "peer-a", records[3].UserID)
	assert.False(t, records[0].At.IsZero())

	latest, err := e.manager.Activity(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, storage.ActivityLeave, latest[0].Action)
}
