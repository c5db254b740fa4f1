package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr             string
	StatePath            string
	LogLevel             string
	LogFormat            string
	ScanProbeConcurrency int64
	RedisURL             string
	RateLimitRPS         float64
	RateLimitBurst       int
	WSEnabled            bool
	FFProbePath          string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8856"),
		StatePath:            getEnv("STATE_PATH", "data/state.json"),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", "text")),
		ScanProbeConcurrency: getEnvInt64("SCAN_PROBE_CONCURRENCY", 2),
		RedisURL:             getEnv("REDIS_URL", ""),
		RateLimitRPS:         float64(getEnvInt64("RATE_LIMIT_RPS", 50)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", 100)),
		WSEnabled:            getEnvBool("WS_ENABLED", true),
		FFProbePath:          getEnv("FFPROBE_PATH", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
