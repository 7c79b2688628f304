package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/metrics"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/training/trainerr"
)

// Coordinator 驱动单个会话：ENABLE/TRAIN 各 peer，收集事件，判定终态并清理
type Coordinator struct {
	cfg      Config
	plan     Plan
	broker   messaging.Broker
	registry PeerRegistry
	store    storage.SessionStore
	clock    time2.Clock
	logger   zerolog.Logger

	peers        map[string]*peerState
	eventChannel string
	sub          messaging.Subscription
	cleanupOnce  sync.Once
}

// New 创建协调器，plan 中的 peer 必须已由注册表预留
func New(cfg Config, plan Plan, broker messaging.Broker, registry PeerRegistry, store storage.SessionStore, clock time2.Clock) *Coordinator {
	if clock == nil {
		clock = time2.DefaultClock
	}
	peers := make(map[string]*peerState, len(plan.Peers))
	for _, uid := range plan.Peers {
		peers[uid] = &peerState{uid: uid, outcome: storage.PeerOutcomePending}
	}
	return &Coordinator{
		cfg:          cfg.withDefaults(),
		plan:         plan,
		broker:       broker,
		registry:     registry,
		store:        store,
		clock:        clock,
		logger:       log.With().Str("component", "coordinator").Str("session_id", plan.SessionID).Logger(),
		peers:        peers,
		eventChannel: messaging.EventChannel(plan.SessionID),
	}
}

// Run 执行会话直到终态
//
// 无论以何种方式结束，peer 都会被释放回 IDLE，随后才写入终态。
func (c *Coordinator) Run(ctx context.Context) (result *Result) {
	metrics.CoordinatorStarted()
	defer metrics.CoordinatorStopped()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Coordinator panicked")
			result = &Result{
				Status: storage.SessionStatusFailed,
				Err:    &trainerr.Error{Kind: trainerr.KindUnknown, Message: fmt.Sprintf("coordinator panic: %v", r), SessionID: c.plan.SessionID},
			}
		}
		c.cleanup(ctx)
		c.finalize(ctx, result)
		metrics.SessionFinished(string(result.Status), time.Since(started))
	}()

	result = c.execute(ctx)
	return result
}

func (c *Coordinator) execute(ctx context.Context) *Result {
	if err := c.broker.Declare(ctx, c.eventChannel); err != nil {
		return c.failure(ctx, trainerr.Broker(c.plan.SessionID, errors.Wrap(err, "failed to declare event channel")))
	}
	sub, err := c.broker.Subscribe(ctx, c.eventChannel, "coordinator-"+c.plan.SessionID)
	if err != nil {
		return c.failure(ctx, trainerr.Broker(c.plan.SessionID, errors.Wrap(err, "failed to subscribe to event channel")))
	}
	c.sub = sub

	for _, uid := range c.plan.Peers {
		cmd := &messaging.Command{
			Type:         messaging.CommandEnable,
			SessionID:    c.plan.SessionID,
			EventChannel: c.eventChannel,
		}
		if err := messaging.PublishCommand(ctx, c.broker, uid, cmd); err != nil {
			return c.failure(ctx, trainerr.Broker(c.plan.SessionID, err))
		}
	}

	for i, uid := range c.plan.Peers {
		hp := c.plan.Hyperparameters[i]
		cmd := &messaging.Command{
			Type:         messaging.CommandTrain,
			SessionID:    c.plan.SessionID,
			DatasetRef:   c.plan.DatasetRef,
			BatchSize:    hp.BatchSize,
			Epochs:       hp.Epochs,
			LearningRate: hp.LearningRate,
		}
		if err := messaging.PublishCommand(ctx, c.broker, uid, cmd); err != nil {
			return c.failure(ctx, trainerr.Broker(c.plan.SessionID, err))
		}
		if err := c.registry.MarkTraining(ctx, uid); err != nil {
			return c.failure(ctx, trainerr.Storage(c.plan.SessionID, err))
		}
		// 存活计时从 TRAIN 发出时开始
		c.peers[uid].lastSeen = time.Now()
	}

	if err := c.store.UpdateStatus(ctx, c.plan.SessionID, storage.StatusUpdate{
		Status: storage.SessionStatusRunning,
		At:     c.clock.Now(),
	}); err != nil {
		return c.failure(ctx, trainerr.Storage(c.plan.SessionID, errors.Wrap(err, "failed to mark session running")))
	}

	c.logger.Info().Strs("peers", c.plan.Peers).Msg("Session running")
	return c.loop(ctx)
}

func (c *Coordinator) loop(ctx context.Context) *Result {
	timeout := time.NewTimer(c.cfg.SessionTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.failure(ctx, nil)

		case <-timeout.C:
			missing := c.incomplete()
			c.logger.Warn().Strs("missing_peers", missing).Msg("Session timeout elapsed")
			return c.partial(missing, "session timeout elapsed")

		case <-ticker.C:
			c.checkLiveness()
			if result := c.evaluate(); result != nil {
				return result
			}

		case d, ok := <-c.sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return c.failure(ctx, nil)
				}
				err := c.sub.Err()
				if err == nil {
					err = errors.New("event subscription closed")
				}
				return c.failure(ctx, trainerr.Broker(c.plan.SessionID, err))
			}
			if err := c.apply(ctx, d.Body); err != nil {
				return c.failure(ctx, trainerr.Storage(c.plan.SessionID, err))
			}
			if err := d.Ack(ctx); err != nil {
				c.logger.Warn().Err(err).Str("delivery_id", d.ID).Msg("Failed to ack event")
			}
			if result := c.evaluate(); result != nil {
				return result
			}
		}
	}
}

// apply 处理一条事件；只有存储失败会返回错误
func (c *Coordinator) apply(ctx context.Context, body []byte) error {
	ev, err := messaging.DecodeEvent(body)
	if err != nil {
		c.drop("malformed", c.logger.Warn().Err(err))
		return nil
	}
	logger := c.logger.With().Str("peer_uid", ev.PeerUID).Str("event", string(ev.Type)).Logger()

	p, ok := c.peers[ev.PeerUID]
	if !ok {
		c.drop("unknown_peer", logger.Warn())
		return nil
	}
	if ev.SessionID != "" && ev.SessionID != c.plan.SessionID {
		c.drop("foreign_session", logger.Warn().Str("event_session", ev.SessionID))
		return nil
	}
	if p.complete {
		c.drop("late", logger.Debug())
		return nil
	}

	p.lastSeen = time.Now()
	if p.unresponsive {
		p.unresponsive = false
		logger.Info().Msg("Peer responsive again")
	}

	at := c.clock.Now()
	if err := c.store.TouchPeer(ctx, c.plan.SessionID, p.uid, at); err != nil {
		return errors.Wrapf(err, "failed to record heartbeat of %s", p.uid)
	}

	switch ev.Type {
	case messaging.EventHeartbeat:
		// epoch 0 只用于保活
		if ev.Epoch == 0 {
			return nil
		}
		if ev.Epoch <= p.lastEpoch {
			c.drop("stale", logger.Debug().Int("epoch", ev.Epoch))
			return nil
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = at
		}
		appended, err := c.store.AppendEpochResult(ctx, c.plan.SessionID, p.uid, storage.EpochResult{
			Epoch:     ev.Epoch,
			Loss:      ev.Loss,
			Accuracy:  ev.Accuracy,
			Timestamp: ts,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to append epoch %d of %s", ev.Epoch, p.uid)
		}
		if !appended {
			c.drop("stale", logger.Debug().Int("epoch", ev.Epoch))
			return nil
		}
		p.lastEpoch = ev.Epoch
		metrics.EpochRecorded()
		logger.Debug().Int("epoch", ev.Epoch).Float64("loss", ev.Loss).Float64("accuracy", ev.Accuracy).Msg("Epoch recorded")

	case messaging.EventDone:
		return c.complete(ctx, p, storage.PeerOutcomeDone, "", logger)

	case messaging.EventError:
		logger.Warn().Str("reason", ev.Reason).Msg("Peer reported error")
		return c.complete(ctx, p, storage.PeerOutcomeError, ev.Reason, logger)
	}
	return nil
}

func (c *Coordinator) complete(ctx context.Context, p *peerState, outcome storage.PeerOutcome, reason string, logger zerolog.Logger) error {
	p.complete = true
	p.outcome = outcome
	p.reason = reason

	if err := c.store.SetPeerOutcome(ctx, c.plan.SessionID, p.uid, outcome, reason); err != nil {
		return errors.Wrapf(err, "failed to record outcome of %s", p.uid)
	}
	if err := c.registry.MarkDone(ctx, p.uid); err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			return err
		}
		logger.Warn().Err(err).Msg("Peer was not in TRAINING when it finished")
	}
	logger.Info().Str("outcome", string(outcome)).Int("epochs", p.lastEpoch).Msg("Peer finished")
	return nil
}

func (c *Coordinator) drop(reason string, e *zerolog.Event) {
	metrics.EventDropped(reason)
	e.Str("reason", reason).Msg("Dropping event")
}

// checkLiveness 标记超过存活窗口未发声的 peer
func (c *Coordinator) checkLiveness() {
	now := time.Now()
	for _, uid := range c.plan.Peers {
		p := c.peers[uid]
		if p.complete || p.unresponsive {
			continue
		}
		if now.Sub(p.lastSeen) > c.cfg.LivenessWindow {
			p.unresponsive = true
			c.logger.Warn().Str("peer_uid", uid).Dur("silent_for", now.Sub(p.lastSeen)).Msg("Peer unresponsive")
		}
	}
}

// evaluate 所有 peer 都已完成或无响应时返回终态，否则返回 nil
func (c *Coordinator) evaluate() *Result {
	var missing []string
	for _, uid := range c.plan.Peers {
		p := c.peers[uid]
		switch {
		case p.complete:
		case p.unresponsive:
			missing = append(missing, uid)
		default:
			return nil
		}
	}
	if len(missing) == 0 {
		return &Result{Status: storage.SessionStatusCompleted}
	}
	return c.partial(missing, "peers exceeded liveness window")
}

func (c *Coordinator) partial(missing []string, msg string) *Result {
	sort.Strings(missing)
	return &Result{
		Status:       storage.SessionStatusCompletedPartial,
		MissingPeers: missing,
		Err:          trainerr.PeerTimeout(c.plan.SessionID, missing, msg),
	}
}

func (c *Coordinator) incomplete() []string {
	var out []string
	for _, uid := range c.plan.Peers {
		if !c.peers[uid].complete {
			out = append(out, uid)
		}
	}
	return out
}

// failure 构造 FAILED 结果；ctx 已结束时视为取消
func (c *Coordinator) failure(ctx context.Context, err error) *Result {
	if ctx.Err() != nil {
		err = trainerr.Cancelled(c.plan.SessionID, ctx.Err())
	}
	c.logger.Error().Err(err).Msg("Session failed")
	return &Result{Status: storage.SessionStatusFailed, Err: err}
}

// cleanup 停止 peer、释放预留并删除事件通道，只执行一次
func (c *Coordinator) cleanup(ctx context.Context) {
	c.cleanupOnce.Do(func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
		defer cancel()

		for _, uid := range c.plan.Peers {
			cmd := &messaging.Command{Type: messaging.CommandStop, SessionID: c.plan.SessionID}
			if err := messaging.PublishCommand(cctx, c.broker, uid, cmd); err != nil {
				c.logger.Warn().Err(err).Str("peer_uid", uid).Msg("Failed to send STOP")
			}
		}

		if err := c.registry.Release(cctx, c.plan.Peers); err != nil {
			c.logger.Error().Err(err).Strs("peers", c.plan.Peers).Msg("Failed to release peers")
		}

		if c.sub != nil {
			if err := c.sub.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to close event subscription")
			}
		}
		if err := c.broker.Delete(cctx, c.eventChannel); err != nil {
			c.logger.Warn().Err(err).Str("channel", c.eventChannel).Msg("Failed to delete event channel")
		}
	})
}

// finalize 写入缺失 peer 的结果与会话终态
func (c *Coordinator) finalize(ctx context.Context, result *Result) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()

	for _, uid := range result.MissingPeers {
		if err := c.store.SetPeerOutcome(fctx, c.plan.SessionID, uid, storage.PeerOutcomeUnresponsive, ""); err != nil {
			c.logger.Warn().Err(err).Str("peer_uid", uid).Msg("Failed to record unresponsive peer")
		}
	}

	update := storage.StatusUpdate{
		Status:       result.Status,
		MissingPeers: result.MissingPeers,
		At:           c.clock.Now(),
	}
	if result.Err != nil {
		update.Error = &storage.SessionError{
			Kind:   trainerr.KindOf(result.Err).String(),
			Reason: reason(result.Err),
		}
	}
	if err := c.store.UpdateStatus(fctx, c.plan.SessionID, update); err != nil {
		c.logger.Error().Err(err).Str("status", string(result.Status)).Msg("Failed to record terminal status")
		return
	}

	c.logger.Info().
		Str("status", string(result.Status)).
		Strs("missing_peers", result.MissingPeers).
		Msg("Session finished")
}

func reason(err error) string {
	var te *trainerr.Error
	if errors.As(err, &te) {
		if te.Kind == trainerr.KindCancelled {
			return CancelledReason
		}
		if te.Original != nil {
			return fmt.Sprintf("%s: %v", te.Message, te.Original)
		}
		return te.Message
	}
	return err.Error()
}
