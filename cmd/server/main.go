// Command server runs the playground HTTP API. It is configured entirely
// through environment variables:
//
//	PORT            listen port (8080)
//	DB_PATH         SQLite file (data/arepl.db)
//	PYTHON_PATH     interpreter (python3)
//	POOL_SIZE       interpreters per session (3)
//	JWT_SECRET      session token key, at least 16 characters (required)
//	REDIS_ADDR      Redis for the event bus; unset keeps events in memory
//	SYNTAX_BACKEND  local or docker (local)
//	SESSION_TTL     idle time before a session is closed (30m)
//	MAX_SESSIONS    cap on open sessions (20, 0 for none)
//	LOG_LEVEL       debug, info, warn or error (info)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Almenon/AREPL-backend/internal/executor/python"
	"github.com/Almenon/AREPL-backend/internal/server"
	"github.com/Almenon/AREPL-backend/internal/service"
	"github.com/Almenon/AREPL-backend/internal/syntax/docker"
)

func main() {
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	if err != nil {
		logger.Warn("ignoring LOG_LEVEL", slog.String("error", err.Error()))
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dbDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// blocks until SIGINT or SIGTERM
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (server.Config, error) {
	cfg := server.Config{
		Port:          8080,
		DBPath:        envOr("DB_PATH", "data/arepl.db"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		Python:        python.DefaultConfig(),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		SyntaxBackend: envOr("SYNTAX_BACKEND", server.SyntaxLocal),
		Docker:        docker.DefaultConfig(),
		Session: service.SessionConfig{
			TTL:         30 * time.Minute,
			MaxSessions: 20,
		},
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required, e.g. JWT_SECRET=$(openssl rand -hex 32)")
	}
	if p := os.Getenv("PYTHON_PATH"); p != "" {
		cfg.Python.PythonPath = p
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return cfg, err
	}
	if cfg.Python.PoolSize, err = envInt("POOL_SIZE", cfg.Python.PoolSize); err != nil {
		return cfg, err
	}
	if cfg.Python.PoolSize < 1 {
		return cfg, fmt.Errorf("POOL_SIZE must be at least 1")
	}
	if cfg.Session.MaxSessions, err = envInt("MAX_SESSIONS", cfg.Session.MaxSessions); err != nil {
		return cfg, err
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if cfg.Session.TTL, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("invalid SESSION_TTL %q: %w", v, err)
		}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
