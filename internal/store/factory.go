package store

import (
	"fmt"
	"log/slog"
)

// Backend identifies the store backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
)

// Config holds store configuration.
type Config struct {
	Backend Backend
	Path    string // file backend
	Redis   RedisConfig
}

// New creates a Store based on configuration. File and redis backends are
// wrapped with in-memory degradation (see Fallback); memory needs none.
func New(log *slog.Logger, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		fs, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewFallback(log, fs), nil
	case BackendRedis:
		rs, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewFallback(log, rs), nil
	default:
		return nil, fmt.Errorf("store: unknown backend: %s", cfg.Backend)
	}
}
