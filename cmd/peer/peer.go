package peer

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/internal/app"
	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	trainpeer "github.com/kashguard/go-train-infra/internal/training/peer"
	"github.com/kashguard/go-train-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("peer",
		newRun(),
		newLeave(),
	)
}

func newRun() *cobra.Command {
	var (
		uid           string
		epochDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the network and execute training commands until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServiceConfigFromEnv()
			if uid != "" {
				cfg.Peer.UID = uid
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.New(ctx, cfg, nil)
			if err != nil {
				return errors.Wrap(err, "failed to initialize service")
			}
			defer svc.Close()

			if _, err := svc.Registry.Join(ctx, cfg.Peer.UID); err != nil {
				return err
			}
			w, err := svc.NewWorker(cfg.Peer.UID, trainpeer.CurveTrainer{EpochDuration: epochDuration})
			if err != nil {
				return err
			}

			runErr := runWorker(ctx, svc.Broker, w.Run, defaultRedial)

			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := svc.Registry.Leave(leaveCtx, cfg.Peer.UID); err != nil {
				log.Warn().Err(err).Str("peer_uid", cfg.Peer.UID).Msg("Failed to leave network")
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "Peer uid (default PEER_UID or hostname)")
	cmd.Flags().DurationVar(&epochDuration, "epoch-duration", time.Second, "Simulated duration of one epoch")
	return cmd
}

// reconnector 连接可能断开并可重建的 broker（AMQP）
type reconnector interface {
	NotifyClose() <-chan *amqp.Error
	Reconnect(ctx context.Context) error
}

// redialPolicy 重连退避：从 Initial 开始翻倍，不超过 Max
type redialPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

var defaultRedial = redialPolicy{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

// runWorker 运行 worker 直到 ctx 结束
//
// broker 连接断开时取消本轮运行，按退避重连后重新订阅命令通道；
// 不支持重连的 broker 只运行一次。
func runWorker(ctx context.Context, broker messaging.Broker, run func(context.Context) error, policy redialPolicy) error {
	r, ok := broker.(reconnector)
	if !ok {
		return run(ctx)
	}

	delay := policy.Initial
	for {
		started := time.Now()
		err := runUntilLost(ctx, r, run)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > policy.Max {
			delay = policy.Initial
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Broker connection lost, redialing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err := r.Reconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to redial broker")
		}
		delay *= 2
		if delay > policy.Max {
			delay = policy.Max
		}
	}
}

// runUntilLost 运行一轮，连接断开时取消
func runUntilLost(ctx context.Context, r reconnector, run func(context.Context) error) error {
	lost := r.NotifyClose()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-lost:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return run(runCtx)
}

func newLeave() *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Mark a peer offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServiceConfigFromEnv()
			if uid != "" {
				cfg.Peer.UID = uid
			}
			svc, err := app.New(cmd.Context(), cfg, nil)
			if err != nil {
				return errors.Wrap(err, "failed to initialize service")
			}
			defer svc.Close()
			return svc.Registry.Leave(cmd.Context(), cfg.Peer.UID)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "Peer uid (default PEER_UID or hostname)")
	return cmd
}
