package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore 进程内存储，实现 PeerStore 与 SessionStore
//
// 所有读取都返回深拷贝，单个互斥锁保证每次变更对读者原子可见。
type MemoryStore struct {
	mu       sync.RWMutex
	peers    map[string]*PeerRecord
	sessions map[string]*SessionRecord
	progress map[string]map[string]*PeerProgress
	activity []ActivityRecord
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:    make(map[string]*PeerRecord),
		sessions: make(map[string]*SessionRecord),
		progress: make(map[string]map[string]*PeerProgress),
	}
}

// UpsertIdle 加入网络
func (s *MemoryStore) UpsertIdle(_ context.Context, uid string, at time.Time) (*PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[uid]
	if !ok {
		p = &PeerRecord{UID: uid, Status: PeerStatusIdle, JoinedAt: at, UpdatedAt: at}
		s.peers[uid] = p
		return clonePeer(p), nil
	}
	if p.Status == PeerStatusOffline {
		p.Status = PeerStatusIdle
		p.JoinedAt = at
		p.UpdatedAt = at
	}
	return clonePeer(p), nil
}

// SetOffline 离开网络
func (s *MemoryStore) SetOffline(_ context.Context, uid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[uid]
	if !ok {
		return ErrNotFound
	}
	switch p.Status {
	case PeerStatusOffline:
		return nil
	case PeerStatusIdle:
		p.Status = PeerStatusOffline
		p.UpdatedAt = at
		return nil
	default:
		return ErrPeerBusy
	}
}

// Reserve 原子预留
func (s *MemoryStore) Reserve(_ context.Context, n int, sessionID string, exclude []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, uid := range exclude {
		skip[uid] = struct{}{}
	}

	idle := make([]*PeerRecord, 0, len(s.peers))
	for uid, p := range s.peers {
		if _, ok := skip[uid]; ok {
			continue
		}
		if p.Status == PeerStatusIdle {
			idle = append(idle, p)
		}
	}
	if len(idle) < n {
		return nil, errors.Wrapf(ErrInsufficientPeers, "requested %d, available %d", n, len(idle))
	}

	sort.Slice(idle, func(i, j int) bool {
		if idle[i].JoinedAt.Equal(idle[j].JoinedAt) {
			return idle[i].UID < idle[j].UID
		}
		return idle[i].JoinedAt.Before(idle[j].JoinedAt)
	})

	uids := make([]string, 0, n)
	for _, p := range idle[:n] {
		p.Status = PeerStatusLocked
		p.SessionID = sessionID
		p.UpdatedAt = at
		uids = append(uids, p.UID)
	}
	return uids, nil
}

// Transition 单节点 CAS
func (s *MemoryStore) Transition(_ context.Context, uid string, from PeerStatus, to PeerStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[uid]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return errors.Wrapf(ErrInvalidTransition, "peer %s is %s, expected %s", uid, p.Status, from)
	}
	p.Status = to
	if to == PeerStatusIdle || to == PeerStatusOffline {
		p.SessionID = ""
	}
	p.UpdatedAt = at
	return nil
}

// Release 幂等释放
func (s *MemoryStore) Release(_ context.Context, uids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uid := range uids {
		p, ok := s.peers[uid]
		if !ok || !Releasable(p.Status) {
			continue
		}
		p.Status = PeerStatusIdle
		p.SessionID = ""
		p.UpdatedAt = at
	}
	return nil
}

// GetPeer 获取节点
func (s *MemoryStore) GetPeer(_ context.Context, uid string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePeer(p), nil
}

// ListPeers 列出所有节点
func (s *MemoryStore) ListPeers(_ context.Context) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, clonePeer(p))
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UID < peers[j].UID })
	return peers, nil
}

// CreateSession 创建会话
func (s *MemoryStore) CreateSession(_ context.Context, session *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return ErrAlreadyExists
	}
	s.sessions[session.ID] = cloneSession(session)
	s.progress[session.ID] = newProgress(session)
	return nil
}

// GetSession 获取会话快照
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := cloneSession(stored)
	snapshot.Peers = make(map[string]*PeerProgress, len(s.progress[sessionID]))
	for uid, p := range s.progress[sessionID] {
		snapshot.Peers[uid] = cloneProgress(p)
	}
	return snapshot, nil
}

// SetDataset 记录数据集引用
func (s *MemoryStore) SetDataset(_ context.Context, sessionID string, dataset DatasetInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	stored.Dataset = dataset
	return nil
}

// UpdateStatus 单调状态变更
func (s *MemoryStore) UpdateStatus(_ context.Context, sessionID string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransitionSession(stored.Status, update.Status) {
		return errors.Wrapf(ErrInvalidTransition, "session %s: %s -> %s", sessionID, stored.Status, update.Status)
	}

	applyStatus(stored, update)
	return nil
}

// AppendEpochResult 原子追加
func (s *MemoryStore) AppendEpochResult(_ context.Context, sessionID string, peerUID string, result EpochResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.peerProgressLocked(sessionID, peerUID)
	if err != nil {
		return false, err
	}
	if n := len(p.Results); n > 0 && result.Epoch <= p.Results[n-1].Epoch {
		return false, nil
	}
	if result.Epoch <= 0 {
		return false, nil
	}
	p.Results = append(p.Results, result)
	return true, nil
}

// SetPeerOutcome 记录 peer 完成情况
func (s *MemoryStore) SetPeerOutcome(_ context.Context, sessionID string, peerUID string, outcome PeerOutcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.peerProgressLocked(sessionID, peerUID)
	if err != nil {
		return err
	}
	p.Outcome = outcome
	p.Reason = reason
	return nil
}

// TouchPeer 更新心跳时间
func (s *MemoryStore) TouchPeer(_ context.Context, sessionID string, peerUID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.peerProgressLocked(sessionID, peerUID)
	if err != nil {
		return err
	}
	p.LastHeartbeatAt = &at
	return nil
}

// ListByOwner 列出用户创建的会话
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*SessionRecord, error) {
	return s.list(func(r *SessionRecord) bool { return r.OwnerID == ownerID }), nil
}

// ListByPeer 列出用户作为 peer 参与的会话
func (s *MemoryStore) ListByPeer(_ context.Context, peerUID string) ([]*SessionRecord, error) {
	return s.list(func(r *SessionRecord) bool {
		for _, uid := range r.PeerUIDs {
			if uid == peerUID {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) list(match func(r *SessionRecord) bool) []*SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SessionRecord
	for _, r := range s.sessions {
		if match(r) {
			out = append(out, cloneSession(r))
		}
	}
	sortByCreated(out)
	return out
}

func (s *MemoryStore) peerProgressLocked(sessionID, peerUID string) (*PeerProgress, error) {
	peers, ok := s.progress[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := peers[peerUID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "peer %s is not part of session %s", peerUID, sessionID)
	}
	return p, nil
}

// AppendActivity 追加审计记录，超过 MaxActivity 时丢弃最旧的
func (s *MemoryStore) AppendActivity(_ context.Context, record ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activity = append(s.activity, record)
	if over := len(s.activity) - MaxActivity; over > 0 {
		s.activity = append([]ActivityRecord(nil), s.activity[over:]...)
	}
	return nil
}

// ListActivity 最新的在前
func (s *MemoryStore) ListActivity(_ context.Context, limit int) ([]ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.activity)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ActivityRecord, 0, n)
	for i := len(s.activity) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}

func applyStatus(stored *SessionRecord, update StatusUpdate) {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	stored.Status = update.Status
	if update.Error != nil {
		e := *update.Error
		stored.Error = &e
	}
	if len(update.MissingPeers) > 0 {
		stored.MissingPeers = append([]string(nil), update.MissingPeers...)
	}
	switch {
	case update.Status == SessionStatusRunning:
		stored.StartedAt = &at
	case update.Status.Terminal():
		stored.CompletedAt = &at
	}
}

func sortByCreated(records []*SessionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
