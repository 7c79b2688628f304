package app

import (
	"context"
	"database/sql"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/coordinator"
	"github.com/kashguard/go-train-infra/internal/training/dataset"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/peer"
	"github.com/kashguard/go-train-infra/internal/training/registry"
	"github.com/kashguard/go-train-infra/internal/training/session"
	"github.com/kashguard/go-train-infra/internal/training/storage"
)

// Service 进程内共享的依赖
type Service struct {
	Config   config.Server
	Clock    time2.Clock
	Redis    *redis.Client
	DB       *sql.DB
	Store    storage.Store
	Broker   messaging.Broker
	Datasets dataset.Store
	Fetcher  dataset.Fetcher
	Registry *registry.Registry
}

// New 按配置初始化存储、消息通道与数据集后端
func New(ctx context.Context, cfg config.Server, clock time2.Clock) (*Service, error) {
	if clock == nil {
		clock = NewClock()
	}
	s := &Service{Config: cfg, Clock: clock}

	var err error
	if needsRedis(cfg) {
		if s.Redis, err = NewRedisClient(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.Driver == config.DriverPostgres {
		if s.DB, err = NewDB(cfg); err != nil {
			s.Close()
			return nil, err
		}
	}

	var redisClient redis.UniversalClient
	if s.Redis != nil {
		redisClient = s.Redis
	}
	if s.Store, err = NewStore(cfg, redisClient, s.DB); err != nil {
		s.Close()
		return nil, err
	}
	if s.Broker, err = NewBroker(cfg, redisClient); err != nil {
		s.Close()
		return nil, err
	}

	datasets, scheme, err := NewDatasetStore(ctx, cfg, clock)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Datasets = datasets
	s.Fetcher = dataset.NewMux().Handle(scheme, datasets)
	s.Registry = registry.NewRegistry(s.Store, clock)

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("broker", cfg.Broker.Driver).
		Str("dataset", cfg.Dataset.Driver).
		Msg("Service initialized")
	return s, nil
}

// NewManager 创建会话管理器
func (s *Service) NewManager(owners session.OwnerDirectory) *session.Manager {
	t := s.Config.Training
	return session.NewManager(session.Config{
		MaxPeers: t.MaxPeers,
		Coordinator: coordinator.Config{
			SessionTimeout: t.SessionTimeout,
			LivenessWindow: t.LivenessWindow,
			CleanupTimeout: t.CleanupTimeout,
		},
	}, s.Registry, s.Store, s.Datasets, s.Broker, owners, s.Clock)
}

// NewWorker 创建以 uid 身份运行的 peer
func (s *Service) NewWorker(uid string, trainer peer.Trainer) (*peer.Worker, error) {
	if uid == "" {
		return nil, errors.New("peer uid is required")
	}
	return peer.NewWorker(peer.Config{
		UID:               uid,
		KeepaliveInterval: s.Config.Training.KeepaliveInterval,
	}, s.Broker, s.Fetcher, trainer, s.Clock), nil
}

// Ready 检查外部依赖是否可用
func (s *Service) Ready(ctx context.Context) error {
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "redis is not reachable")
		}
	}
	if s.DB != nil {
		if err := s.DB.PingContext(ctx); err != nil {
			return errors.Wrap(err, "database is not reachable")
		}
	}
	return nil
}

// Close 释放连接
func (s *Service) Close() {
	if s.Broker != nil {
		if err := s.Broker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
