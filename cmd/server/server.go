package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/internal/app"
	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/peer"
	"github.com/kashguard/go-train-infra/internal/training/session"
)

const shutdownTimeout = 30 * time.Second

func New() *cobra.Command {
	var localPeers []string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the session manager with the management HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(config.DefaultServiceConfigFromEnv(), localPeers)
		},
	}
	cmd.Flags().StringSliceVar(&localPeers, "local-peer", nil, "Run an in-process peer worker with this uid (repeatable)")
	return cmd
}

func run(cfg config.Server, localPeers []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, nil)
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}
	defer svc.Close()

	manager := svc.NewManager(nil)
	for _, uid := range localPeers {
		if err := startLocalPeer(ctx, svc, manager, uid); err != nil {
			return err
		}
	}

	e := newManagementServer(svc, manager)
	go func() {
		log.Info().Str("address", cfg.Management.Address).Msg("Starting management server")
		if err := e.Start(cfg.Management.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Management server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop session manager")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop management server")
	}
	return nil
}

func startLocalPeer(ctx context.Context, svc *app.Service, manager *session.Manager, uid string) error {
	if _, err := manager.JoinNetwork(ctx, uid); err != nil {
		return errors.Wrapf(err, "failed to join local peer %s", uid)
	}
	w, err := svc.NewWorker(uid, peer.CurveTrainer{EpochDuration: time.Second})
	if err != nil {
		return err
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error().Err(err).Str("peer_uid", uid).Msg("Local peer stopped")
		}
	}()
	return nil
}

func newManagementServer(svc *app.Service, manager *session.Manager) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	mgmt := e.Group("/-")
	mgmt.GET("/healthy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	mgmt.GET("/ready", func(c echo.Context) error {
		if err := svc.Ready(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.String(http.StatusOK, "ready")
	})
	mgmt.GET("/peers", func(c echo.Context) error {
		summary, err := svc.Registry.Summary(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, summary)
	})
	mgmt.GET("/sessions", func(c echo.Context) error {
		return c.JSON(http.StatusOK, manager.Running())
	})
	mgmt.GET("/activity", func(c echo.Context) error {
		limit := 0
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
			}
			limit = n
		}
		records, err := manager.Activity(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, records)
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
