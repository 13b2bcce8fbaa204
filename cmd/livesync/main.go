package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/workdeck/livesync/internal/gateway"
	"github.com/workdeck/livesync/internal/synchub"
)

func main() {
	addr := os.Getenv("LIVESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelEnv("LIVESYNC_LOG_LEVEL", slog.LevelInfo),
	}))

	store, err := synchub.BuildStoreFromDSN(os.Getenv("LIVESYNC_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize collection store: %v", err)
	}
	defer store.Close()

	metrics := gateway.NewMetrics()
	hub := gateway.NewHub(logger, metrics, store)
	server := gateway.NewServer(hub, metrics, logger, gateway.ServerConfig{
		JWTSecret:       os.Getenv("LIVESYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("LIVESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("LIVESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("LIVESYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("livesync gateway listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func levelEnv(name string, fallback slog.Level) slog.Level {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return level
}
