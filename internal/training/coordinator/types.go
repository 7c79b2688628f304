package coordinator

import (
	"context"
	"time"

	"github.com/kashguard/go-train-infra/internal/training/storage"
)

const (
	DefaultSessionTimeout = 30 * time.Minute
	DefaultLivenessWindow = 2 * time.Minute
	DefaultCleanupTimeout = 10 * time.Second

	// CancelledReason 会话因管理器关闭或显式取消而终止
	CancelledReason = "cancelled"
)

// Config 协调器配置
type Config struct {
	// SessionTimeout 会话最长运行时间，超时后以 COMPLETED_PARTIAL 结束
	SessionTimeout time.Duration
	// LivenessWindow peer 最长静默时间，超过后视为无响应
	LivenessWindow time.Duration
	// CheckInterval 存活检查间隔，默认 LivenessWindow/4
	CheckInterval time.Duration
	// CleanupTimeout 清理阶段（STOP、释放、删除通道）的时间上限
	CleanupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = c.LivenessWindow / 4
		if c.CheckInterval < time.Millisecond {
			c.CheckInterval = time.Millisecond
		}
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	return c
}

// Plan 一个会话的执行计划（预留与数据集存储完成之后）
type Plan struct {
	SessionID       string
	Peers           []string
	Hyperparameters []storage.Hyperparameters
	DatasetRef      string
}

// PeerRegistry 协调器使用的注册表操作
type PeerRegistry interface {
	MarkTraining(ctx context.Context, uid string) error
	MarkDone(ctx context.Context, uid string) error
	Release(ctx context.Context, uids []string) error
}

// Result 会话终态
type Result struct {
	Status       storage.SessionStatus
	MissingPeers []string
	Err          error
}

// peerState 协调器内存中的 peer 进度
type peerState struct {
	uid          string
	lastSeen     time.Time
	complete     bool
	unresponsive bool
	outcome      storage.PeerOutcome
	reason       string
	lastEpoch    int
}
