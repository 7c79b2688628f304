package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInsufficientPeers = errors.New("insufficient idle peers")
	ErrPeerBusy          = errors.New("peer is claimed by a session")
)

// PeerStatus 注册表中的 peer 状态
type PeerStatus string

const (
	PeerStatusOffline  PeerStatus = "OFFLINE"
	PeerStatusIdle     PeerStatus = "IDLE"
	PeerStatusLocked   PeerStatus = "LOCKED"
	PeerStatusTraining PeerStatus = "TRAINING"
	PeerStatusDone     PeerStatus = "DONE"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionStatusCreated          SessionStatus = "CREATED"
	SessionStatusRunning          SessionStatus = "RUNNING"
	SessionStatusCompleted        SessionStatus = "COMPLETED"
	SessionStatusCompletedPartial SessionStatus = "COMPLETED_PARTIAL"
	SessionStatusFailed           SessionStatus = "FAILED"
)

// Terminal 是否为终态
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCompletedPartial || s == SessionStatusFailed
}

// PeerOutcome peer 在会话中的完成情况
type PeerOutcome string

const (
	PeerOutcomePending      PeerOutcome = "PENDING"
	PeerOutcomeDone         PeerOutcome = "DONE"
	PeerOutcomeError        PeerOutcome = "ERROR"
	PeerOutcomeUnresponsive PeerOutcome = "UNRESPONSIVE"
)

// PeerRecord 注册表记录
type PeerRecord struct {
	UID       string     `json:"uid"`
	Status    PeerStatus `json:"status"`
	SessionID string     `json:"session_id,omitempty"`
	JoinedAt  time.Time  `json:"joined_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Hyperparameters 训练超参数（对核心透明，原样转发）
type Hyperparameters struct {
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
}

// EpochResult 单个 epoch 的结果，只追加不修改
type EpochResult struct {
	Epoch     int       `json:"epoch"`
	Loss      float64   `json:"loss"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// DatasetInfo 数据集元数据
type DatasetInfo struct {
	Ref              string `json:"ref"`
	OriginalFilename string `json:"original_filename,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	Size             int64  `json:"size"`
}

// SessionError 会话终态的错误信息
type SessionError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// PeerProgress 某个 peer 在会话中的进度
type PeerProgress struct {
	UID             string          `json:"uid"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	Outcome         PeerOutcome     `json:"outcome"`
	Reason          string          `json:"reason,omitempty"`
	Results         []EpochResult   `json:"results"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
}

// SessionRecord 会话记录
type SessionRecord struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Name            string            `json:"name,omitempty"`
	PeerUIDs        []string          `json:"peer_uids"`
	Hyperparameters []Hyperparameters `json:"hyperparameters"`
	Dataset         DatasetInfo       `json:"dataset"`
	Status          SessionStatus     `json:"status"`
	Error           *SessionError     `json:"error,omitempty"`
	MissingPeers    []string          `json:"missing_peers,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`

	// Peers 只在 GetSession 返回的快照中填充
	Peers map[string]*PeerProgress `json:"peers,omitempty"`
}

// ActivityAction 审计日志中的动作
type ActivityAction string

const (
	ActivityJoin         ActivityAction = "JOIN"
	ActivityLeave        ActivityAction = "LEAVE"
	ActivityStartSession ActivityAction = "START_SESSION"
)

// MaxActivity 每个后端保留的审计记录上限
const MaxActivity = 1000

// ActivityRecord 一条审计记录
type ActivityRecord struct {
	Action    ActivityAction `json:"action"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
}

// StatusUpdate 会话状态变更
type StatusUpdate struct {
	Status       SessionStatus
	Error        *SessionError
	MissingPeers []string
	At           time.Time
}

// PeerStore 节点注册表存储接口
//
// 所有状态变更必须是原子的 compare-and-set。
type PeerStore interface {
	// 加入网络：不存在则创建为 IDLE，OFFLINE -> IDLE
	UpsertIdle(ctx context.Context, uid string, at time.Time) (*PeerRecord, error)

	// 离开网络：IDLE -> OFFLINE，被占用时返回 ErrPeerBusy
	SetOffline(ctx context.Context, uid string, at time.Time) error

	// 原子预留 n 个 IDLE 节点（全部或全不），不足时返回 ErrInsufficientPeers
	Reserve(ctx context.Context, n int, sessionID string, exclude []string, at time.Time) ([]string, error)

	// 单个节点的状态 CAS
	Transition(ctx context.Context, uid string, from PeerStatus, to PeerStatus, at time.Time) error

	// 释放回 IDLE（幂等）
	Release(ctx context.Context, uids []string, at time.Time) error

	GetPeer(ctx context.Context, uid string) (*PeerRecord, error)
	ListPeers(ctx context.Context) ([]*PeerRecord, error)
}

// SessionStore 会话与结果存储接口
type SessionStore interface {
	CreateSession(ctx context.Context, session *SessionRecord) error

	// 返回完整快照（包含每个 peer 的结果），读者不会看到部分写入
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	SetDataset(ctx context.Context, sessionID string, dataset DatasetInfo) error

	// 单调状态变更，非法跳转返回 ErrInvalidTransition
	UpdateStatus(ctx context.Context, sessionID string, update StatusUpdate) error

	// 仅当 epoch 大于该 peer 已记录的最大 epoch 时追加，返回是否追加
	AppendEpochResult(ctx context.Context, sessionID string, peerUID string, result EpochResult) (bool, error)

	SetPeerOutcome(ctx context.Context, sessionID string, peerUID string, outcome PeerOutcome, reason string) error

	// 记录 peer 最近一次心跳时间
	TouchPeer(ctx context.Context, sessionID string, peerUID string, at time.Time) error

	ListByOwner(ctx context.Context, ownerID string) ([]*SessionRecord, error)
	ListByPeer(ctx context.Context, peerUID string) ([]*SessionRecord, error)
}

// ActivityStore 只追加的审计日志
type ActivityStore interface {
	AppendActivity(ctx context.Context, record ActivityRecord) error

	// 最新的在前，limit <= 0 时返回全部保留的记录
	ListActivity(ctx context.Context, limit int) ([]ActivityRecord, error)
}

// Store 同一后端同时提供注册表、会话存储与审计日志
type Store interface {
	PeerStore
	SessionStore
	ActivityStore
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
