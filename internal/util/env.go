package util

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetEnv 读取环境变量，未设置时返回默认值
func GetEnv(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func GetEnvAsInt(key string, defaultVal int) int {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(strVal)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid integer in environment, using default")
		return defaultVal
	}
	return val
}

func GetEnvAsBool(key string, defaultVal bool) bool {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(strVal)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid boolean in environment, using default")
		return defaultVal
	}
	return val
}

// GetEnvAsDuration 接受 time.ParseDuration 格式，例如 "30m"、"90s"
func GetEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(strVal)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid duration in environment, using default")
		return defaultVal
	}
	return val
}

// GetEnvAsStringArr 按分隔符拆分，去掉空项
func GetEnvAsStringArr(key string, defaultVal []string, separator ...string) []string {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	sep := ","
	if len(separator) > 0 {
		sep = separator[0]
	}
	var out []string
	for _, s := range strings.Split(strVal, sep) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func GetEnvAsLogLevel(key string, defaultVal zerolog.Level) zerolog.Level {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	level, err := zerolog.ParseLevel(strVal)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid log level in environment, using default")
		return defaultVal
	}
	return level
}
