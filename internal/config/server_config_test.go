package config_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-train-infra/internal/config"
)

func TestPrintServiceEnv(t *testing.T) {
	config := config.DefaultServiceConfigFromEnv()
	_, err := json.MarshalIndent(config, "", "  ")

	if err != nil {
		t.Fatal(err)
	}
}

func TestTrainingConfigFromEnv(t *testing.T) {
	t.Setenv("TRAINING_SESSION_TIMEOUT", "45m")
	t.Setenv("TRAINING_LIVENESS_WINDOW", "90s")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("SERVER_LOGGER_LEVEL", "info")
	t.Setenv("DATASET_PASSPHRASE", "secret")

	cfg := config.DefaultServiceConfigFromEnv()
	assert.Equal(t, 45*time.Minute, cfg.Training.SessionTimeout)
	assert.Equal(t, 90*time.Second, cfg.Training.LivenessWindow)
	assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, zerolog.InfoLevel, cfg.Logger.Level)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
}

func TestPostgresConnectionString(t *testing.T) {
	c := config.Postgres{Host: "db", Port: 5432, Database: "training", Username: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 dbname=training user=u password=p sslmode=disable", c.ConnectionString())
}
