package config

import (
	"os"
	"time"
)

type Config struct {
	Port          string
	RedisAddr     string
	CORSOrigin    string
	FlushInterval time.Duration
}

func Load() Config {
	return Config{
		Port:          getenv("PORT", "8085"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		CORSOrigin:    getenv("CORS_ORIGIN", "*"),
		FlushInterval: getenvDuration("COLLAB_FLUSH_INTERVAL", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
