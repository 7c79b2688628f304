package peer

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/training/dataset"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/storage"
)

// State peer 进程的协议状态
type State string

const (
	StateIdle     State = "IDLE"
	StateEnabled  State = "ENABLED"
	StateTraining State = "TRAINING"
	StateDone     State = "DONE"
	StateStopped  State = "STOPPED"
)

// Config Worker 配置
type Config struct {
	UID string

	// KeepaliveInterval 训练期间两次保活心跳的间隔，0 表示不发送
	KeepaliveInterval time.Duration
}

// Worker peer 侧命令协议
type Worker struct {
	cfg     Config
	broker  messaging.Broker
	fetcher dataset.Fetcher
	trainer Trainer
	clock   time2.Clock
	logger  zerolog.Logger

	mu           sync.Mutex
	state        State
	sessionID    string
	eventChannel string
	run          *trainingRun
}

// trainingRun 一次 TRAIN 触发的训练
type trainingRun struct {
	sessionID    string
	eventChannel string
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}

	// publishMu 保证 STOP 处理完成后不再有事件发出
	publishMu sync.Mutex
	lastEpoch EpochReport
}

// NewWorker 创建 Worker
func NewWorker(cfg Config, broker messaging.Broker, fetcher dataset.Fetcher, trainer Trainer, clock time2.Clock) *Worker {
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &Worker{
		cfg:     cfg,
		broker:  broker,
		fetcher: fetcher,
		trainer: trainer,
		clock:   clock,
		logger:  log.With().Str("component", "peer").Str("peer_uid", cfg.UID).Logger(),
		state:   StateIdle,
	}
}

// State 当前状态
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SessionID 当前绑定的会话
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Run 订阅命令通道并处理命令，直到 ctx 结束
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.broker.Subscribe(ctx, messaging.CommandChannel(w.cfg.UID), w.cfg.UID)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to command channel")
	}
	defer sub.Close()
	defer w.halt()

	w.logger.Info().Msg("Peer worker started")
	for d := range sub.Messages() {
		cmd, err := messaging.DecodeCommand(d.Body)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Dropping malformed command")
		} else {
			w.handle(cmd)
		}
		if err := d.Ack(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to ack command")
		}
	}

	if err := sub.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "command subscription failed")
	}
	w.logger.Info().Msg("Peer worker stopped")
	return nil
}

func (w *Worker) handle(cmd *messaging.Command) {
	logger := w.logger.With().Str("session_id", cmd.SessionID).Str("command", string(cmd.Type)).Logger()

	switch cmd.Type {
	case messaging.CommandEnable:
		w.enable(cmd, logger)
	case messaging.CommandTrain:
		w.train(cmd, logger)
	case messaging.CommandStop:
		w.stop(cmd, logger)
	}
}

func (w *Worker) enable(cmd *messaging.Command, logger zerolog.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateIdle:
	case StateDone:
		if w.sessionID == cmd.SessionID {
			logger.Debug().Msg("Ignoring ENABLE for finished session")
			return
		}
		w.finishRunLocked()
	case StateEnabled, StateTraining:
		if w.sessionID != cmd.SessionID {
			logger.Warn().Str("current_session", w.sessionID).Msg("Dropping ENABLE for another session")
		}
		return
	}

	w.state = StateEnabled
	w.sessionID = cmd.SessionID
	w.eventChannel = cmd.EventChannel
	logger.Info().Str("event_channel", cmd.EventChannel).Msg("Peer enabled")
}

func (w *Worker) train(cmd *messaging.Command, logger zerolog.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sessionID != cmd.SessionID {
		logger.Warn().Str("current_session", w.sessionID).Msg("Dropping TRAIN for another session")
		return
	}
	if w.state != StateEnabled {
		logger.Debug().Str("state", string(w.state)).Msg("Ignoring duplicate TRAIN")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &trainingRun{
		sessionID:    cmd.SessionID,
		eventChannel: w.eventChannel,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	w.run = run
	w.state = StateTraining

	hp := storage.Hyperparameters{
		LearningRate: cmd.LearningRate,
		BatchSize:    cmd.BatchSize,
		Epochs:       cmd.Epochs,
	}
	logger.Info().
		Str("dataset_ref", cmd.DatasetRef).
		Int("epochs", hp.Epochs).
		Int("batch_size", hp.BatchSize).
		Float64("learning_rate", hp.LearningRate).
		Msg("Training started")
	go w.execute(run, cmd.DatasetRef, hp, logger)
}

func (w *Worker) stop(cmd *messaging.Command, logger zerolog.Logger) {
	w.mu.Lock()
	if w.sessionID != cmd.SessionID {
		w.mu.Unlock()
		logger.Debug().Str("current_session", w.sessionID).Msg("Dropping STOP for another session")
		return
	}
	run := w.run
	w.state = StateStopped
	w.mu.Unlock()

	if run != nil {
		run.publishMu.Lock()
		run.cancel()
		run.publishMu.Unlock()
		<-run.done
	}

	w.mu.Lock()
	w.finishRunLocked()
	w.state = StateIdle
	w.sessionID = ""
	w.eventChannel = ""
	w.mu.Unlock()
	logger.Info().Msg("Peer stopped")
}

// halt 进程退出时取消仍在进行的训练
func (w *Worker) halt() {
	w.mu.Lock()
	run := w.run
	w.mu.Unlock()
	if run == nil {
		return
	}
	run.publishMu.Lock()
	run.cancel()
	run.publishMu.Unlock()
	<-run.done
}

func (w *Worker) finishRunLocked() {
	if w.run != nil {
		w.run.cancel()
		w.run = nil
	}
}

func (w *Worker) execute(run *trainingRun, ref string, hp storage.Hyperparameters, logger zerolog.Logger) {
	defer close(run.done)

	stopKeepalive := w.keepalive(run)
	err := w.trainOnce(run, ref, hp)
	stopKeepalive()

	switch {
	case run.ctx.Err() != nil:
		logger.Info().Msg("Training halted")
		return
	case err != nil:
		logger.Error().Err(err).Msg("Training failed")
		w.publish(run, &messaging.Event{Type: messaging.EventError, Reason: err.Error()})
	default:
		logger.Info().Int("epochs", run.lastEpoch.Epoch).Msg("Training finished")
	}
	w.publish(run, &messaging.Event{Type: messaging.EventDone})

	w.mu.Lock()
	if w.run == run && w.state == StateTraining {
		w.state = StateDone
	}
	w.mu.Unlock()
}

func (w *Worker) trainOnce(run *trainingRun, ref string, hp storage.Hyperparameters) error {
	data, err := w.fetcher.Fetch(run.ctx, ref)
	if err != nil {
		return errors.Wrap(err, "failed to fetch dataset")
	}

	return w.trainer.Train(run.ctx, data, hp, func(r EpochReport) error {
		run.publishMu.Lock()
		run.lastEpoch = r
		run.publishMu.Unlock()
		w.publish(run, &messaging.Event{
			Type:     messaging.EventHeartbeat,
			Epoch:    r.Epoch,
			Loss:     r.Loss,
			Accuracy: r.Accuracy,
		})
		return nil
	})
}

// keepalive 训练期间周期性发送 epoch 0 心跳，只刷新存活时间
func (w *Worker) keepalive(run *trainingRun) func() {
	if w.cfg.KeepaliveInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(w.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.publish(run, &messaging.Event{Type: messaging.EventHeartbeat})
			case <-stop:
				return
			case <-run.ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-exited
	}
}

// publish 发送事件；STOP 之后不再发送
func (w *Worker) publish(run *trainingRun, ev *messaging.Event) {
	run.publishMu.Lock()
	defer run.publishMu.Unlock()
	if run.ctx.Err() != nil {
		return
	}

	ev.PeerUID = w.cfg.UID
	ev.SessionID = run.sessionID
	ev.Timestamp = w.clock.Now().UTC()
	if err := messaging.PublishEvent(run.ctx, w.broker, run.eventChannel, ev); err != nil {
		w.logger.Warn().Err(err).Str("session_id", run.sessionID).Str("event", string(ev.Type)).Msg("Failed to publish event")
	}
}
