package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/internal/app"
	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/peer"
	"github.com/kashguard/go-train-infra/internal/training/session"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("session",
		newCreate(),
		newGet(),
		newList(),
	)
}

type createOptions struct {
	owner      string
	name       string
	peers      int
	datasetIn  string
	hyperIn    string
	localPeers int
	wait       bool
}

func newCreate() *cobra.Command {
	opts := createOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a training session and supervise it until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), cmd.OutOrStdout(), config.DefaultServiceConfigFromEnv(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner user id")
	cmd.Flags().StringVar(&opts.name, "name", "", "Session name")
	cmd.Flags().IntVar(&opts.peers, "peers", 1, "Number of peers to reserve")
	cmd.Flags().StringVar(&opts.datasetIn, "dataset", "", "Path to the dataset file")
	cmd.Flags().StringVar(&opts.hyperIn, "hyperparameters", "", "Path to a JSON array of hyperparameter sets, one per peer")
	cmd.Flags().IntVar(&opts.localPeers, "local-peers", 0, "Run this many in-process peers for the session")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Wait for the session to finish")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("hyperparameters")
	return cmd
}

func runCreate(ctx context.Context, out io.Writer, cfg config.Server, opts createOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(opts.datasetIn)
	if err != nil {
		return errors.Wrap(err, "failed to read dataset")
	}
	hps, err := readHyperparameters(opts.hyperIn)
	if err != nil {
		return err
	}

	svc, err := app.New(ctx, cfg, nil)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	defer svc.Close()

	manager := svc.NewManager(nil)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop session manager")
		}
	}()

	peersCtx, stopPeers := context.WithCancel(ctx)
	defer stopPeers()
	for i := 0; i < opts.localPeers; i++ {
		uid := fmt.Sprintf("local-peer-%d", i)
		if _, err := manager.JoinNetwork(ctx, uid); err != nil {
			return err
		}
		w, err := svc.NewWorker(uid, peer.CurveTrainer{EpochDuration: 100 * time.Millisecond})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(peersCtx); err != nil {
				log.Error().Err(err).Str("peer_uid", uid).Msg("Local peer stopped")
			}
		}()
	}

	rec, err := manager.CreateSession(ctx, &session.CreateRequest{
		OwnerID:          opts.owner,
		Name:             opts.name,
		PeerCount:        opts.peers,
		Hyperparameters:  hps,
		Dataset:          data,
		OriginalFilename: filepath.Base(opts.datasetIn),
		ContentType:      mime.TypeByExtension(filepath.Ext(opts.datasetIn)),
	})
	if err != nil {
		return err
	}
	if !opts.wait {
		return printJSON(out, rec)
	}

	if _, err := manager.Wait(ctx, rec.ID); err != nil {
		return err
	}
	full, err := manager.GetFullResults(ctx, rec.ID)
	if err != nil {
		return err
	}
	return printJSON(out, full)
}

func readHyperparameters(path string) ([]storage.Hyperparameters, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hyperparameters")
	}
	var hps []storage.Hyperparameters
	if err := json.Unmarshal(raw, &hps); err != nil {
		return nil, errors.Wrap(err, "failed to parse hyperparameters")
	}
	return hps, nil
}

func newGet() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print a session with its per-peer results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *session.Manager) error {
				rec, err := m.GetFullResults(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newList() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List sessions a user owns or joined as a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *session.Manager) error {
				list, err := m.ListSessions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
}

func withManager(ctx context.Context, fn func(m *session.Manager) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := app.New(ctx, config.DefaultServiceConfigFromEnv(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	defer svc.Close()
	m := svc.NewManager(nil)
	defer func() { _ = m.Shutdown(context.Background()) }()
	return fn(m)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
