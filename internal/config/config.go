package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and the SLA monitor.
type Config struct {
	Port string

	ServiceToken string
	JWTSecret    string

	DatabaseURL string

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NotificationStream string

	ResponseDeadlineSeconds int
	MaxAutoAttempts         int
	ManualRankWeight        int
	MonitorSweepSeconds     int
	MonitorEnabled          bool

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		ServiceToken: getEnv("API_AUTH_TOKEN", ""),
		JWTSecret:    getEnv("OPERATOR_JWT_SECRET", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		NotificationStream: getEnv("NOTIFICATION_STREAM", "dispatch_notifications"),

		ResponseDeadlineSeconds: getEnvInt("RESPONSE_DEADLINE_SECONDS", 900),
		MaxAutoAttempts:         getEnvInt("MAX_AUTO_ATTEMPTS", 3),
		ManualRankWeight:        getEnvInt("MANUAL_RANK_WEIGHT", 100),
		MonitorSweepSeconds:     getEnvInt("MONITOR_SWEEP_SECONDS", 30),
		MonitorEnabled:          getEnvBool("MONITOR_ENABLED", true),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
