package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/dataset"
	"github.com/kashguard/go-train-infra/internal/training/messaging"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/util/cert"
	"github.com/kashguard/go-train-infra/pkg/sealing"

	// Import postgres driver for database/sql package
	_ "github.com/lib/pq"
)

const (
	pingTimeout = 5 * time.Second

	datasetSealingInfo = "dataset-v1"
)

// NewClock 测试时传入 t 得到 MockClock
func NewClock(t ...*testing.T) time2.Clock {
	if len(t) > 0 && t[0] != nil {
		return time2.NewMockClock(time.Now())
	}
	return time2.DefaultClock
}

func tlsConfig(c config.TLS) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	return cert.ClientTLSConfig(c.CACertFile, c.CertFile, c.KeyFile)
}

// NewRedisClient 创建 Redis 客户端并 ping
func NewRedisClient(cfg config.Server) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis address is not configured")
	}
	tlsCfg, err := tlsConfig(cfg.Redis.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load redis TLS config")
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		TLSConfig: tlsCfg,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	return client, nil
}

// NewDB 打开 PostgreSQL 连接并 ping
func NewDB(cfg config.Server) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.ConnectionString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return db, nil
}

// NewStore 按驱动选择注册表与会话存储
func NewStore(cfg config.Server, redisClient redis.UniversalClient, db *sql.DB) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		log.Warn().Msg("Using in-memory storage, state is lost on restart")
		return storage.NewMemoryStore(), nil
	case config.DriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis storage requires a redis client")
		}
		return storage.NewRedisStore(redisClient), nil
	case config.DriverPostgres:
		if db == nil {
			return nil, errors.New("postgres storage requires a database")
		}
		return storage.NewPostgresStore(db), nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// NewBroker 按驱动选择消息通道
func NewBroker(cfg config.Server, redisClient redis.UniversalClient) (messaging.Broker, error) {
	switch cfg.Broker.Driver {
	case config.DriverMemory:
		log.Warn().Msg("Using in-memory broker, peers must run in this process")
		return messaging.NewMemoryBroker(), nil
	case config.DriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis broker requires a redis client")
		}
		return messaging.NewRedisBroker(redisClient), nil
	case config.DriverAMQP:
		tlsCfg, err := tlsConfig(cfg.Broker.TLS)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load broker TLS config")
		}
		return messaging.DialAMQP(cfg.Broker.AMQPURL, tlsCfg, cfg.Broker.Prefetch)
	default:
		return nil, errors.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// NewDatasetStore 按驱动选择数据集存储，同时返回对应 scheme
func NewDatasetStore(ctx context.Context, cfg config.Server, clock time2.Clock) (dataset.Store, string, error) {
	switch cfg.Dataset.Driver {
	case config.DriverFile:
		sealer, err := sealing.NewSealer(cfg.Dataset.Passphrase, cfg.Dataset.Salt, datasetSealingInfo)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to create dataset sealer")
		}
		store, err := dataset.NewFileSystemStore(cfg.Dataset.BasePath, sealer, clock)
		if err != nil {
			return nil, "", err
		}
		return store, dataset.SchemeFile, nil
	case config.DriverS3:
		s3 := cfg.Dataset.S3
		client, err := dataset.NewS3Client(dataset.S3Config{
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			UseSSL:          s3.UseSSL,
		})
		if err != nil {
			return nil, "", err
		}
		store := dataset.NewS3Store(client, s3.Bucket, s3.Region, clock)
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, "", err
		}
		return store, dataset.SchemeS3, nil
	default:
		return nil, "", errors.Errorf("unknown dataset driver %q", cfg.Dataset.Driver)
	}
}

func needsRedis(cfg config.Server) bool {
	return cfg.Storage.Driver == config.DriverRedis || cfg.Broker.Driver == config.DriverRedis
}
