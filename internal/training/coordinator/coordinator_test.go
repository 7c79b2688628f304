package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/registry"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/training/trainerr"
)

const sessionID = "s1"

type fixture struct {
	t        *testing.T
	broker   *messaging.MemoryBroker
	store    *storage.MemoryStore
	registry *registry.Registry
	plan     Plan
}

func newFixture(t *testing.T, hps ...storage.Hyperparameters) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := registry.NewRegistry(store, nil)

	uids := []string{"peer-a", "peer-b", "peer-c"}[:len(hps)]
	for _, uid := range uids {
		_, err := reg.Join(ctx, uid)
		require.NoError(t, err)
	}
	reserved, err := reg.Reserve(ctx, len(hps), sessionID)
	require.NoError(t, err)
	require.ElementsMatch(t, uids, reserved)

	require.NoError(t, store.CreateSession(ctx, &storage.SessionRecord{
		ID:              sessionID,
		OwnerID:         "owner",
		PeerUIDs:        uids,
		Hyperparameters: hps,
		Status:          storage.SessionStatusCreated,
		CreatedAt:       time.Now(),
	}))

	broker := messaging.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	return &fixture{
		t:        t,
		broker:   broker,
		store:    store,
		registry: reg,
		plan: Plan{
			SessionID:       sessionID,
			Peers:           uids,
			Hyperparameters: hps,
			DatasetRef:      "file://s1/data.csv",
		},
	}
}

func hp(lr float64, batch, epochs int) storage.Hyperparameters {
	return storage.Hyperparameters{LearningRate: lr, BatchSize: batch, Epochs: epochs}
}

func (f *fixture) coordinator(cfg Config) *Coordinator {
	return New(cfg, f.plan, f.broker, f.registry, f.store, nil)
}

func (f *fixture) event(ev *messaging.Event) {
	f.t.Helper()
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	require.NoError(f.t, messaging.PublishEvent(context.Background(), f.broker, messaging.EventChannel(sessionID), ev))
}

func (f *fixture) heartbeat(uid string, epoch int) {
	f.event(&messaging.Event{PeerUID: uid, Type: messaging.EventHeartbeat, Epoch: epoch, Loss: 1 / float64(epoch), Accuracy: 0.5})
}

func (f *fixture) done(uid string) {
	f.event(&messaging.Event{PeerUID: uid, Type: messaging.EventDone})
}

func (f *fixture) session() *storage.SessionRecord {
	f.t.Helper()
	s, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) assertAllIdle() {
	f.t.Helper()
	for _, uid := range f.plan.Peers {
		p, err := f.registry.Get(context.Background(), uid)
		require.NoError(f.t, err)
		assert.Equal(f.t, storage.PeerStatusIdle, p.Status, uid)
		assert.Empty(f.t, p.SessionID, uid)
	}
}

func (f *fixture) waitRunning() {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.session().Status == storage.SessionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func epochs(results []storage.EpochResult) []int {
	out := make([]int, 0, len(results))
	for _, r := range results {
		out = append(out, r.Epoch)
	}
	return out
}

func TestRun_AllPeersDone(t *testing.T) {
	f := newFixture(t, hp(0.01, 32, 2), hp(0.1, 16, 2))
	for _, uid := range f.plan.Peers {
		f.heartbeat(uid, 1)
		f.heartbeat(uid, 2)
		f.done(uid)
	}

	result := f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, storage.SessionStatusCompleted, result.Status)
	assert.Empty(t, result.MissingPeers)
	assert.NoError(t, result.Err)

	s := f.session()
	assert.Equal(t, storage.SessionStatusCompleted, s.Status)
	assert.NotNil(t, s.StartedAt)
	assert.NotNil(t, s.CompletedAt)
	assert.Nil(t, s.Error)
	for _, uid := range f.plan.Peers {
		assert.Equal(t, []int{1, 2}, epochs(s.Peers[uid].Results))
		assert.Equal(t, storage.PeerOutcomeDone, s.Peers[uid].Outcome)
		assert.NotNil(t, s.Peers[uid].LastHeartbeatAt)
	}
	f.assertAllIdle()
}

func TestRun_SilentPeerFinishesPartial(t *testing.T) {
	f := newFixture(t, hp(0.001, 32, 3), hp(0.01, 64, 3))
	a, b := f.plan.Peers[0], f.plan.Peers[1]

	for epoch := 1; epoch <= 3; epoch++ {
		f.heartbeat(a, epoch)
	}
	f.done(a)
	f.heartbeat(b, 1)
	f.heartbeat(b, 2)

	start := time.Now()
	result := f.coordinator(Config{SessionTimeout: 5 * time.Second, LivenessWindow: 80 * time.Millisecond}).Run(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, storage.SessionStatusCompletedPartial, result.Status)
	assert.Equal(t, []string{b}, result.MissingPeers)
	assert.True(t, trainerr.Is(result.Err, trainerr.KindPeerTimeout))

	s := f.session()
	assert.Equal(t, storage.SessionStatusCompletedPartial, s.Status)
	assert.Equal(t, []string{b}, s.MissingPeers)
	require.NotNil(t, s.Error)
	assert.Equal(t, "PEER_TIMEOUT", s.Error.Kind)
	assert.Equal(t, []int{1, 2, 3}, epochs(s.Peers[a].Results))
	assert.Equal(t, []int{1, 2}, epochs(s.Peers[b].Results))
	assert.Equal(t, storage.PeerOutcomeDone, s.Peers[a].Outcome)
	assert.Equal(t, storage.PeerOutcomeUnresponsive, s.Peers[b].Outcome)
	assert.Equal(t, hp(0.01, 64, 3), s.Peers[b].Hyperparameters)
	f.assertAllIdle()
}

func TestRun_SessionTimeoutFinishesPartial(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 5), hp(0.01, 8, 5))
	a, b := f.plan.Peers[0], f.plan.Peers[1]
	f.heartbeat(a, 1)
	f.done(a)

	result := f.coordinator(Config{SessionTimeout: 100 * time.Millisecond, LivenessWindow: time.Minute}).Run(context.Background())
	assert.Equal(t, storage.SessionStatusCompletedPartial, result.Status)
	assert.Equal(t, []string{b}, result.MissingPeers)

	s := f.session()
	assert.Equal(t, storage.PeerOutcomeUnresponsive, s.Peers[b].Outcome)
	assert.Empty(t, s.Peers[b].Results)
	f.assertAllIdle()
}

func TestRun_DuplicateAndStaleHeartbeatsIgnored(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 3))
	a := f.plan.Peers[0]
	f.heartbeat(a, 1)
	f.heartbeat(a, 1)
	f.heartbeat(a, 2)
	f.heartbeat(a, 1)
	f.event(&messaging.Event{PeerUID: a, Type: messaging.EventHeartbeat}) // keepalive
	f.heartbeat(a, 3)
	f.done(a)

	result := f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(context.Background())
	assert.Equal(t, storage.SessionStatusCompleted, result.Status)
	assert.Equal(t, []int{1, 2, 3}, epochs(f.session().Peers[a].Results))
}

func TestRun_InvalidEventsDropped(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 1))
	a := f.plan.Peers[0]
	ctx := context.Background()

	require.NoError(t, f.broker.Publish(ctx, messaging.EventChannel(sessionID), []byte("not json")))
	require.NoError(t, f.broker.Publish(ctx, messaging.EventChannel(sessionID), []byte(`{"peer_uid":"peer-a","type":"FINISHED"}`)))
	f.heartbeat("stranger", 1)
	f.event(&messaging.Event{PeerUID: a, SessionID: "other", Type: messaging.EventDone})
	f.heartbeat(a, 1)
	f.done(a)
	f.heartbeat(a, 2) // after DONE

	result := f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(ctx)
	assert.Equal(t, storage.SessionStatusCompleted, result.Status)

	s := f.session()
	assert.Equal(t, []int{1}, epochs(s.Peers[a].Results))
	assert.NotContains(t, s.Peers, "stranger")
}

func TestRun_PeerErrorCountsAsComplete(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2), hp(0.01, 8, 2))
	a, b := f.plan.Peers[0], f.plan.Peers[1]
	f.heartbeat(a, 1)
	f.event(&messaging.Event{PeerUID: a, Type: messaging.EventError, Reason: "dataset has no samples"})
	f.done(a)
	f.heartbeat(b, 1)
	f.heartbeat(b, 2)
	f.done(b)

	result := f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(context.Background())
	assert.Equal(t, storage.SessionStatusCompleted, result.Status)

	s := f.session()
	assert.Equal(t, storage.PeerOutcomeError, s.Peers[a].Outcome)
	assert.Equal(t, "dataset has no samples", s.Peers[a].Reason)
	assert.Equal(t, []int{1}, epochs(s.Peers[a].Results))
	assert.Equal(t, storage.PeerOutcomeDone, s.Peers[b].Outcome)
	f.assertAllIdle()
}

func TestRun_PeerRevivesAfterSilence(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2), hp(0.01, 8, 2))
	a, b := f.plan.Peers[0], f.plan.Peers[1]

	// b 保持发声，a 静默一段时间后恢复；会话不会在 b 结束前判定
	resultCh := make(chan *Result, 1)
	go func() {
		resultCh <- f.coordinator(Config{SessionTimeout: 5 * time.Second, LivenessWindow: 150 * time.Millisecond}).Run(context.Background())
	}()
	f.waitRunning()

	for i := 0; i < 12; i++ {
		f.event(&messaging.Event{PeerUID: b, Type: messaging.EventHeartbeat})
		time.Sleep(30 * time.Millisecond)
	}
	f.heartbeat(a, 1)
	f.done(a)
	f.done(b)

	select {
	case result := <-resultCh:
		assert.Equal(t, storage.SessionStatusCompleted, result.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not finish")
	}
	assert.Equal(t, []int{1}, epochs(f.session().Peers[a].Results))
}

func TestRun_CancelMarksFailed(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2), hp(0.01, 8, 2))
	ctx, cancel := context.WithCancel(context.Background())

	observer, err := f.broker.Subscribe(context.Background(), messaging.CommandChannel(f.plan.Peers[0]), "observer")
	require.NoError(t, err)
	defer observer.Close()

	resultCh := make(chan *Result, 1)
	go func() { resultCh <- f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(ctx) }()
	f.waitRunning()
	f.heartbeat(f.plan.Peers[0], 1)
	require.Eventually(t, func() bool {
		return len(f.session().Peers[f.plan.Peers[0]].Results) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	var result *Result
	select {
	case result = <-resultCh:
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not finish")
	}
	assert.Equal(t, storage.SessionStatusFailed, result.Status)
	assert.True(t, trainerr.Is(result.Err, trainerr.KindCancelled))

	s := f.session()
	assert.Equal(t, storage.SessionStatusFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, CancelledReason, s.Error.Reason)
	assert.Equal(t, []int{1}, epochs(s.Peers[f.plan.Peers[0]].Results))
	f.assertAllIdle()

	var commands []messaging.CommandType
	for len(commands) < 3 {
		select {
		case d := <-observer.Messages():
			cmd, err := messaging.DecodeCommand(d.Body)
			require.NoError(t, err)
			commands = append(commands, cmd.Type)
			require.NoError(t, d.Ack(context.Background()))
		case <-time.After(time.Second):
			t.Fatalf("received only %v", commands)
		}
	}
	assert.Equal(t, []messaging.CommandType{messaging.CommandEnable, messaging.CommandTrain, messaging.CommandStop}, commands)
}

func TestRun_BrokerFailureMarksFailed(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2))

	resultCh := make(chan *Result, 1)
	go func() { resultCh <- f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(context.Background()) }()
	f.waitRunning()
	require.NoError(t, f.broker.Delete(context.Background(), messaging.EventChannel(sessionID)))

	var result *Result
	select {
	case result = <-resultCh:
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not finish")
	}
	assert.Equal(t, storage.SessionStatusFailed, result.Status)
	assert.True(t, trainerr.Is(result.Err, trainerr.KindBroker))

	s := f.session()
	require.NotNil(t, s.Error)
	assert.Equal(t, "BROKER", s.Error.Kind)
	f.assertAllIdle()
}

// failingStore 在追加 epoch 结果时失败
type failingStore struct {
	storage.SessionStore
}

func (failingStore) AppendEpochResult(context.Context, string, string, storage.EpochResult) (bool, error) {
	return false, errors.New("disk full")
}

func TestRun_StoreFailureMarksFailed(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2))
	f.heartbeat(f.plan.Peers[0], 1)

	c := New(Config{SessionTimeout: 5 * time.Second}, f.plan, f.broker, f.registry, failingStore{f.store}, nil)
	result := c.Run(context.Background())
	assert.Equal(t, storage.SessionStatusFailed, result.Status)
	assert.True(t, trainerr.Is(result.Err, trainerr.KindStorage))
	assert.Contains(t, result.Err.Error(), "disk full")

	s := f.session()
	assert.Equal(t, storage.SessionStatusFailed, s.Status)
	assert.Equal(t, "STORAGE", s.Error.Kind)
	f.assertAllIdle()
}

func TestRun_CleanupRunsOnce(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 1))
	f.done(f.plan.Peers[0])

	c := f.coordinator(Config{SessionTimeout: 5 * time.Second})
	result := c.Run(context.Background())
	require.Equal(t, storage.SessionStatusCompleted, result.Status)

	// 再次清理不会重复发送 STOP
	c.cleanup(context.Background())
	assert.Equal(t, 3, f.broker.Pending(messaging.CommandChannel(f.plan.Peers[0]), f.plan.Peers[0]))
}

// droppedEvents 读取 events_dropped_total{reason}
func droppedEvents(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "training_coordinator_events_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRun_KeepalivesAreNotCountedAsDropped(t *testing.T) {
	f := newFixture(t, hp(0.01, 8, 2))
	uid := f.plan.Peers[0]
	staleBefore := droppedEvents(t, "stale")

	f.heartbeat(uid, 1)
	for i := 0; i < 3; i++ {
		f.event(&messaging.Event{PeerUID: uid, Type: messaging.EventHeartbeat})
	}
	f.heartbeat(uid, 2)
	f.heartbeat(uid, 2)
	f.done(uid)

	result := f.coordinator(Config{SessionTimeout: 5 * time.Second}).Run(context.Background())
	require.Equal(t, storage.SessionStatusCompleted, result.Status)
	assert.Equal(t, []int{1, 2}, epochs(f.session().Peers[uid].Results))
	// 只有重复的 epoch 2 被计为 stale
	assert.Equal(t, staleBefore+1, droppedEvents(t, "stale"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultSessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, DefaultLivenessWindow, cfg.LivenessWindow)
	assert.Equal(t, DefaultLivenessWindow/4, cfg.CheckInterval)
	assert.Equal(t, DefaultCleanupTimeout, cfg.CleanupTimeout)

	cfg = Config{LivenessWindow: time.Microsecond}.withDefaults()
	assert.Equal(t, time.Millisecond, cfg.CheckInterval)
}
