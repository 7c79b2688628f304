package session

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/training/coordinator"
	"github.com/kashguard/go-train-infra/internal/training/dataset"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/registry"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/training/trainerr"
)

const DefaultMaxPeers = 32

var (
	ErrManagerClosed = errors.New("session manager is shut down")
	ErrNotSupervised = errors.New("session is not supervised by this manager")
)

// OwnerDirectory 用户目录（用户管理不在本模块范围内）
type OwnerDirectory interface {
	Exists(ctx context.Context, ownerID string) (bool, error)
}

// AnyOwner 接受任意非空用户
type AnyOwner struct{}

func (AnyOwner) Exists(_ context.Context, ownerID string) (bool, error) {
	return ownerID != "", nil
}

// Config 管理器配置
type Config struct {
	MaxPeers    int
	Coordinator coordinator.Config
}

// CreateRequest 创建训练会话的请求
type CreateRequest struct {
	OwnerID          string
	Name             string
	PeerCount        int
	Hyperparameters  []storage.Hyperparameters
	Dataset          []byte
	OriginalFilename string
	ContentType      string
}

// SessionList 用户创建的与作为 peer 参与的会话
type SessionList struct {
	Owned  []*storage.SessionRecord `json:"owned"`
	Joined []*storage.SessionRecord `json:"joined"`
}

// TrainingStatus 用户作为 peer 最近参与的会话
type TrainingStatus struct {
	Training  bool                  `json:"training"`
	SessionID string                `json:"session_id,omitempty"`
	Status    storage.SessionStatus `json:"status,omitempty"`
}

// Store 管理器使用的存储：会话记录与审计日志
type Store interface {
	storage.SessionStore
	storage.ActivityStore
}

// Manager 会话入口：校验、预留、存储数据集并托管协调器
type Manager struct {
	cfg      Config
	registry *registry.Registry
	store    Store
	datasets dataset.Store
	broker   messaging.Broker
	owners   OwnerDirectory
	clock    time2.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]*supervised
}

// supervised 一个托管中的协调器
type supervised struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *coordinator.Result
}

// NewManager 创建会话管理器
func NewManager(cfg Config, reg *registry.Registry, store Store, datasets dataset.Store, broker messaging.Broker, owners OwnerDirectory, clock time2.Clock) *Manager {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if owners == nil {
		owners = AnyOwner{}
	}
	if clock == nil {
		clock = time2.DefaultClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		registry: reg,
		store:    store,
		datasets: datasets,
		broker:   broker,
		owners:   owners,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*supervised),
	}
}

func (m *Manager) validate(ctx context.Context, req *CreateRequest) error {
	if req.OwnerID == "" {
		return trainerr.Validation("owner is required")
	}
	if req.PeerCount < 1 || req.PeerCount > m.cfg.MaxPeers {
		return trainerr.Validation("peer count must be between 1 and %d, got %d", m.cfg.MaxPeers, req.PeerCount)
	}
	if len(req.Hyperparameters) != req.PeerCount {
		return trainerr.Validation("expected %d hyperparameter sets, got %d", req.PeerCount, len(req.Hyperparameters))
	}
	for i, hp := range req.Hyperparameters {
		if hp.LearningRate <= 0 || hp.BatchSize <= 0 || hp.Epochs <= 0 {
			return trainerr.Validation("hyperparameters[%d] must be positive", i)
		}
	}
	if len(req.Dataset) == 0 {
		return trainerr.Validation("dataset is empty")
	}

	ok, err := m.owners.Exists(ctx, req.OwnerID)
	if err != nil {
		return trainerr.Storage("", errors.Wrap(err, "failed to look up owner"))
	}
	if !ok {
		return trainerr.Validation("unknown owner %q", req.OwnerID)
	}
	return nil
}

// CreateSession 校验请求、原子预留 peer、存储数据集并启动协调器
//
// 返回时会话处于 CREATED，协调器已在后台运行；任何失败都不会遗留被占用的 peer。
func (m *Manager) CreateSession(ctx context.Context, req *CreateRequest) (*storage.SessionRecord, error) {
	if err := m.validate(ctx, req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	sessionID := uuid.New().String()
	logger := log.With().Str("component", "session_manager").Str("session_id", sessionID).Str("owner_id", req.OwnerID).Logger()

	peers, err := m.registry.Reserve(ctx, req.PeerCount, sessionID, req.OwnerID)
	if err != nil {
		logger.Warn().Err(err).Int("requested", req.PeerCount).Msg("Failed to reserve peers")
		return nil, err
	}

	record := &storage.SessionRecord{
		ID:              sessionID,
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		PeerUIDs:        peers,
		Hyperparameters: append([]storage.Hyperparameters(nil), req.Hyperparameters...),
		Status:          storage.SessionStatusCreated,
		CreatedAt:       m.clock.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		m.release(peers, logger)
		return nil, trainerr.Storage(sessionID, errors.Wrap(err, "failed to create session record"))
	}

	info, err := m.storeDataset(ctx, sessionID, req)
	if err != nil {
		m.release(peers, logger)
		m.fail(sessionID, err, logger)
		return nil, err
	}
	record.Dataset = *info

	plan := coordinator.Plan{
		SessionID:       sessionID,
		Peers:           peers,
		Hyperparameters: record.Hyperparameters,
		DatasetRef:      info.Ref,
	}
	if err := m.spawn(plan); err != nil {
		m.release(peers, logger)
		m.fail(sessionID, trainerr.Cancelled(sessionID, err), logger)
		return nil, err
	}

	m.audit(ctx, storage.ActivityStartSession, req.OwnerID, sessionID)
	logger.Info().Strs("peers", peers).Str("dataset_ref", info.Ref).Msg("Session created")
	return record, nil
}

func (m *Manager) storeDataset(ctx context.Context, sessionID string, req *CreateRequest) (*storage.DatasetInfo, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = dataset.DefaultContentType
	}
	ref, err := m.datasets.Store(ctx, req.Dataset, sessionID, dataset.Metadata{
		OriginalFilename: req.OriginalFilename,
		ContentType:      contentType,
	})
	if err != nil {
		return nil, trainerr.Storage(sessionID, errors.Wrap(err, "failed to store dataset"))
	}

	info := &storage.DatasetInfo{
		Ref:              ref,
		OriginalFilename: req.OriginalFilename,
		ContentType:      contentType,
		Size:             int64(len(req.Dataset)),
	}
	if err := m.store.SetDataset(ctx, sessionID, *info); err != nil {
		return nil, trainerr.Storage(sessionID, errors.Wrap(err, "failed to record dataset"))
	}
	return info, nil
}

// spawn 在管理器的生命周期内运行协调器，与请求的 ctx 无关
func (m *Manager) spawn(plan coordinator.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	ctx, cancel := context.WithCancel(m.ctx)
	sup := &supervised{cancel: cancel, done: make(chan struct{})}
	m.running[plan.SessionID] = sup
	m.wg.Add(1)

	c := coordinator.New(m.cfg.Coordinator, plan, m.broker, m.registry, m.store, m.clock)
	go func() {
		defer m.wg.Done()
		defer cancel()
		sup.result = c.Run(ctx)
		close(sup.done)

		m.mu.Lock()
		delete(m.running, plan.SessionID)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Manager) release(peers []string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout())
	defer cancel()
	if err := m.registry.Release(ctx, peers); err != nil {
		logger.Error().Err(err).Strs("peers", peers).Msg("Failed to release peers")
	}
}

func (m *Manager) fail(sessionID string, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout())
	defer cancel()

	update := storage.StatusUpdate{
		Status: storage.SessionStatusFailed,
		Error:  &storage.SessionError{Kind: trainerr.KindOf(cause).String(), Reason: cause.Error()},
		At:     m.clock.Now(),
	}
	if trainerr.Is(cause, trainerr.KindCancelled) {
		update.Error.Reason = coordinator.CancelledReason
	}
	if err := m.store.UpdateStatus(ctx, sessionID, update); err != nil {
		logger.Error().Err(err).Msg("Failed to mark session failed")
	}
}

func (m *Manager) cleanupTimeout() time.Duration {
	if m.cfg.Coordinator.CleanupTimeout > 0 {
		return m.cfg.Coordinator.CleanupTimeout
	}
	return coordinator.DefaultCleanupTimeout
}

// GetFullResults 会话完整快照：状态、每个 peer 的超参数与 epoch 结果
func (m *Manager) GetFullResults(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get session %s", sessionID)
	}
	return s, nil
}

// ListSessions 用户创建的会话与参与的会话
func (m *Manager) ListSessions(ctx context.Context, userID string) (*SessionList, error) {
	owned, err := m.store.ListByOwner(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list owned sessions")
	}
	joined, err := m.store.ListByPeer(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list joined sessions")
	}
	return &SessionList{Owned: owned, Joined: joined}, nil
}

// TrainingStatus 用户作为 peer 最近参与的会话是否仍在进行
func (m *Manager) TrainingStatus(ctx context.Context, userID string) (*TrainingStatus, error) {
	joined, err := m.store.ListByPeer(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list joined sessions")
	}
	if len(joined) == 0 {
		return &TrainingStatus{}, nil
	}
	latest := joined[len(joined)-1]
	return &TrainingStatus{
		Training:  !latest.Status.Terminal(),
		SessionID: latest.ID,
		Status:    latest.Status,
	}, nil
}

// JoinNetwork 用户作为 peer 加入网络
func (m *Manager) JoinNetwork(ctx context.Context, uid string) (*storage.PeerRecord, error) {
	p, err := m.registry.Join(ctx, uid)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, storage.ActivityJoin, uid, "")
	return p, nil
}

// LeaveNetwork 用户离开网络；正在参与会话时返回 storage.ErrPeerBusy
func (m *Manager) LeaveNetwork(ctx context.Context, uid string) error {
	if err := m.registry.Leave(ctx, uid); err != nil {
		return err
	}
	m.audit(ctx, storage.ActivityLeave, uid, "")
	return nil
}

// Activity 最近的审计记录，最新的在前
func (m *Manager) Activity(ctx context.Context, limit int) ([]storage.ActivityRecord, error) {
	records, err := m.store.ListActivity(ctx, limit)
	if err != nil {
		return nil, trainerr.Storage("", errors.Wrap(err, "failed to list activity"))
	}
	return records, nil
}

// audit 审计日志写入失败只记录警告，不影响已经成功的操作
func (m *Manager) audit(ctx context.Context, action storage.ActivityAction, uid string, sessionID string) {
	record := storage.ActivityRecord{
		Action:    action,
		UserID:    uid,
		SessionID: sessionID,
		At:        m.clock.Now().UTC(),
	}
	if err := m.store.AppendActivity(ctx, record); err != nil {
		log.Warn().Err(err).
			Str("component", "session_manager").
			Str("action", string(action)).
			Str("user_id", uid).
			Msg("Failed to append activity record")
	}
}

// OnlinePeers 可被预留的 peer 数量（排除请求者自己）
func (m *Manager) OnlinePeers(ctx context.Context, exclude ...string) (int, error) {
	return m.registry.CountOnline(ctx, exclude...)
}

// Running 当前托管中的会话 id
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait 等待会话结束；已结束的会话直接从存储中读取终态
func (m *Manager) Wait(ctx context.Context, sessionID string) (*coordinator.Result, error) {
	m.mu.Lock()
	sup, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return m.storedResult(ctx, sessionID)
	}
	select {
	case <-sup.done:
		return sup.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) storedResult(ctx context.Context, sessionID string) (*coordinator.Result, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get session %s", sessionID)
	}
	if !s.Status.Terminal() {
		return nil, ErrNotSupervised
	}
	result := &coordinator.Result{Status: s.Status, MissingPeers: s.MissingPeers}
	if s.Error != nil {
		result.Err = &trainerr.Error{
			Kind:      trainerr.ParseKind(s.Error.Kind),
			Message:   s.Error.Reason,
			SessionID: s.ID,
			Peers:     s.MissingPeers,
		}
	}
	return result, nil
}

// Cancel 取消托管中的会话，会话以 FAILED(cancelled) 结束
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	sup, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotSupervised
	}
	sup.cancel()
	return nil
}

// Shutdown 拒绝新会话，取消所有协调器并等待它们完成清理
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Session manager stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for coordinators")
	}
}
