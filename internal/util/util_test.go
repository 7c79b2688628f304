package util_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"

	"github.com/kashguard/go-train-infra/internal/util"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_UTIL_STRING", "value")
	t.Setenv("TEST_UTIL_INT", "42")
	t.Setenv("TEST_UTIL_BAD_INT", "forty-two")
	t.Setenv("TEST_UTIL_BOOL", "true")
	t.Setenv("TEST_UTIL_DURATION", "90s")
	t.Setenv("TEST_UTIL_ARR", "a, b,,c")
	t.Setenv("TEST_UTIL_LEVEL", "warn")

	assert.Equal(t, "value", util.GetEnv("TEST_UTIL_STRING", "default"))
	assert.Equal(t, "default", util.GetEnv("TEST_UTIL_UNSET", "default"))
	assert.Equal(t, 42, util.GetEnvAsInt("TEST_UTIL_INT", 1))
	assert.Equal(t, 1, util.GetEnvAsInt("TEST_UTIL_BAD_INT", 1))
	assert.True(t, util.GetEnvAsBool("TEST_UTIL_BOOL", false))
	assert.Equal(t, 90*time.Second, util.GetEnvAsDuration("TEST_UTIL_DURATION", time.Minute))
	assert.Equal(t, time.Minute, util.GetEnvAsDuration("TEST_UTIL_UNSET", time.Minute))
	assert.Equal(t, []string{"a", "b", "c"}, util.GetEnvAsStringArr("TEST_UTIL_ARR", nil))
	assert.Equal(t, zerolog.WarnLevel, util.GetEnvAsLogLevel("TEST_UTIL_LEVEL", zerolog.DebugLevel))
}

func TestLogFromContext(t *testing.T) {
	assert.Equal(t, &log.Logger, util.LogFromContext(context.Background()))

	l := zerolog.New(nil).With().Str("session_id", "s1").Logger()
	ctx := util.WithLogger(context.Background(), l)
	assert.NotEqual(t, &log.Logger, util.LogFromContext(ctx))
}
