package registry

import (
	"context"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/metrics"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/training/trainerr"
)

// Registry peer 注册表
//
// 所有状态变更都委托给存储层的原子 CAS，Registry 本身不持有锁。
type Registry struct {
	store storage.PeerStore
	clock time2.Clock
}

// NewRegistry 创建注册表
func NewRegistry(store storage.PeerStore, clock time2.Clock) *Registry {
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &Registry{store: store, clock: clock}
}

// Reserve 原子预留 n 个 IDLE peer 给 sessionID（全部或全不）
func (r *Registry) Reserve(ctx context.Context, n int, sessionID string, exclude ...string) ([]string, error) {
	if n < 1 {
		return nil, trainerr.Validation("peer count must be positive, got %d", n)
	}

	uids, err := r.store.Reserve(ctx, n, sessionID, exclude, r.clock.Now())
	if errors.Is(err, storage.ErrInsufficientPeers) {
		metrics.ReservationRejected()
		available, countErr := r.CountOnline(ctx, exclude...)
		if countErr != nil {
			available = 0
		}
		log.Warn().
			Str("session_id", sessionID).
			Int("requested", n).
			Int("available", available).
			Msg("Reservation rejected")
		return nil, trainerr.InsufficientPeers(n, available)
	}
	if err != nil {
		return nil, trainerr.Storage(sessionID, errors.Wrap(err, "failed to reserve peers"))
	}

	log.Info().
		Str("session_id", sessionID).
		Strs("peers", uids).
		Msg("Peers reserved")
	return uids, nil
}

// Release 将 peer 放回池中（幂等，未占用或未知的 peer 直接跳过）
func (r *Registry) Release(ctx context.Context, uids []string) error {
	if err := r.store.Release(ctx, uids, r.clock.Now()); err != nil {
		return errors.Wrap(err, "failed to release peers")
	}
	log.Debug().Strs("peers", uids).Msg("Peers released")
	return nil
}

// MarkTraining LOCKED -> TRAINING
func (r *Registry) MarkTraining(ctx context.Context, uid string) error {
	return r.transition(ctx, uid, storage.PeerStatusLocked, storage.PeerStatusTraining)
}

// MarkDone TRAINING -> DONE
func (r *Registry) MarkDone(ctx context.Context, uid string) error {
	return r.transition(ctx, uid, storage.PeerStatusTraining, storage.PeerStatusDone)
}

func (r *Registry) transition(ctx context.Context, uid string, from, to storage.PeerStatus) error {
	if !storage.CanTransitionPeer(from, to) {
		return errors.Wrapf(storage.ErrInvalidTransition, "%s -> %s", from, to)
	}
	if err := r.store.Transition(ctx, uid, from, to, r.clock.Now()); err != nil {
		return errors.Wrapf(err, "failed to move peer %s to %s", uid, to)
	}
	return nil
}

// Join 加入网络：新 peer 或 OFFLINE peer 变为 IDLE
func (r *Registry) Join(ctx context.Context, uid string) (*storage.PeerRecord, error) {
	if uid == "" {
		return nil, trainerr.Validation("peer uid is required")
	}
	p, err := r.store.UpsertIdle(ctx, uid, r.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to join network")
	}
	log.Info().Str("peer_uid", uid).Str("status", string(p.Status)).Msg("Peer joined network")
	return p, nil
}

// Leave 离开网络：IDLE -> OFFLINE，被会话占用时返回 storage.ErrPeerBusy
func (r *Registry) Leave(ctx context.Context, uid string) error {
	if err := r.store.SetOffline(ctx, uid, r.clock.Now()); err != nil {
		return errors.Wrap(err, "failed to leave network")
	}
	log.Info().Str("peer_uid", uid).Msg("Peer left network")
	return nil
}

// CountOnline 当前可被预留的 IDLE peer 数
func (r *Registry) CountOnline(ctx context.Context, exclude ...string) (int, error) {
	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list peers")
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, uid := range exclude {
		skip[uid] = struct{}{}
	}
	count := 0
	for _, p := range peers {
		if _, ok := skip[p.UID]; ok {
			continue
		}
		if p.Status == storage.PeerStatusIdle {
			count++
		}
	}
	return count, nil
}

// Get 获取 peer 记录
func (r *Registry) Get(ctx context.Context, uid string) (*storage.PeerRecord, error) {
	return r.store.GetPeer(ctx, uid)
}

// List 列出所有 peer
func (r *Registry) List(ctx context.Context) ([]*storage.PeerRecord, error) {
	return r.store.ListPeers(ctx)
}

// Summary 按状态统计 peer 数量
func (r *Registry) Summary(ctx context.Context) (map[storage.PeerStatus]int, error) {
	peers, err := r.store.ListPeers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list peers")
	}
	counts := make(map[storage.PeerStatus]int)
	for _, p := range peers {
		counts[p.Status]++
	}
	return counts, nil
}
