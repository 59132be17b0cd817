package clublink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clublink/internal/session"
	"clublink/internal/store"
)

// ErrConfig is returned for invalid agent configuration.
var ErrConfig = errors.New("clublink: invalid config")

// Config contains all runtime configuration for the agent. Zero values fall
// back to defaults; the four identity/endpoint fields are required.
type Config struct {
	// AppName is shown to the user in the mobile authorization prompt.
	AppName string
	// Domain identifies the embedding host, e.g. "app.example.com".
	Domain string

	// AuthEndpoint is the auth service base URL for token refresh.
	AuthEndpoint string
	// RealtimeURL is the websocket endpoint (ws:// or wss://).
	RealtimeURL string

	LogLevel string

	// Storage backend: "memory" (default), "file" or "redis".
	StorageBackend   string
	StoragePath      string
	StorageNamespace string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	// AutoConnect resumes a stored session in the background right after
	// construction, once the settle delay elapses.
	AutoConnect      bool
	AutoConnectDelay time.Duration

	RequestTimeout     time.Duration
	RefreshMaxAttempts int
	RefreshBackoffBase time.Duration
	MaxRefreshFailures int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int

	// Metrics registers agent metrics when non-nil.
	Metrics prometheus.Registerer

	// Logger overrides the built-in JSON logger when non-nil.
	Logger *slog.Logger

	// channelFactory overrides the websocket transport (tests only).
	channelFactory session.ChannelFactory
}

// DefaultConfig returns agent defaults suitable for production.
func DefaultConfig() Config {
	return Config{
		LogLevel:         "info",
		StorageBackend:   string(store.BackendMemory),
		StorageNamespace: "clublink:",

		AutoConnectDelay: 300 * time.Millisecond,

		RequestTimeout:     10 * time.Second,
		RefreshMaxAttempts: 3,
		RefreshBackoffBase: time.Second,
		MaxRefreshFailures: 3,

		ReconnectBase: 2 * time.Second,
		ReconnectCap:  30 * time.Second,
		MaxReconnects: 4,
	}
}

// LoadConfigFromEnv loads Config from CLUBLINK_* environment variables with
// defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		AppName: EnvString("CLUBLINK_APP_NAME", ""),
		Domain:  EnvString("CLUBLINK_DOMAIN", ""),

		AuthEndpoint: EnvString("CLUBLINK_AUTH_ENDPOINT", ""),
		RealtimeURL:  EnvString("CLUBLINK_REALTIME_URL", ""),

		LogLevel: EnvString("CLUBLINK_LOG_LEVEL", def.LogLevel),

		StorageBackend:   EnvString("CLUBLINK_STORAGE_BACKEND", def.StorageBackend),
		StoragePath:      EnvString("CLUBLINK_STORAGE_PATH", ""),
		StorageNamespace: EnvString("CLUBLINK_STORAGE_NAMESPACE", def.StorageNamespace),
		RedisAddr:        EnvString("CLUBLINK_REDIS_ADDR", ""),
		RedisPassword:    EnvString("CLUBLINK_REDIS_PASSWORD", ""),
		RedisDB:          EnvInt("CLUBLINK_REDIS_DB", 0),

		AutoConnect:      EnvBool("CLUBLINK_AUTO_CONNECT", false),
		AutoConnectDelay: EnvDuration("CLUBLINK_AUTO_CONNECT_DELAY", def.AutoConnectDelay),

		RequestTimeout:     EnvDuration("CLUBLINK_REQUEST_TIMEOUT", def.RequestTimeout),
		RefreshMaxAttempts: EnvInt("CLUBLINK_REFRESH_MAX_ATTEMPTS", def.RefreshMaxAttempts),
		RefreshBackoffBase: EnvDuration("CLUBLINK_REFRESH_BACKOFF_BASE", def.RefreshBackoffBase),
		MaxRefreshFailures: EnvInt("CLUBLINK_MAX_REFRESH_FAILURES", def.MaxRefreshFailures),

		ReconnectBase: EnvDuration("CLUBLINK_RECONNECT_BASE", def.ReconnectBase),
		ReconnectCap:  EnvDuration("CLUBLINK_RECONNECT_CAP", def.ReconnectCap),
		MaxReconnects: EnvInt("CLUBLINK_MAX_RECONNECTS", def.MaxReconnects),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.StorageBackend == "" {
		c.StorageBackend = def.StorageBackend
	}
	if c.StorageNamespace == "" {
		c.StorageNamespace = def.StorageNamespace
	}
	if c.AutoConnectDelay <= 0 {
		c.AutoConnectDelay = def.AutoConnectDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RefreshMaxAttempts <= 0 {
		c.RefreshMaxAttempts = def.RefreshMaxAttempts
	}
	if c.RefreshBackoffBase <= 0 {
		c.RefreshBackoffBase = def.RefreshBackoffBase
	}
	if c.MaxRefreshFailures <= 0 {
		c.MaxRefreshFailures = def.MaxRefreshFailures
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = def.ReconnectCap
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = def.MaxReconnects
	}
}

// Validate reports ErrConfig for unusable configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("%w: missing app name", ErrConfig)
	}
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("%w: missing domain", ErrConfig)
	}
	if strings.TrimSpace(c.AuthEndpoint) == "" {
		return fmt.Errorf("%w: missing auth endpoint", ErrConfig)
	}
	if strings.TrimSpace(c.RealtimeURL) == "" && c.channelFactory == nil {
		return fmt.Errorf("%w: missing realtime url", ErrConfig)
	}
	switch store.Backend(c.StorageBackend) {
	case store.BackendMemory, store.BackendFile, store.BackendRedis, "":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrConfig, c.StorageBackend)
	}
	return nil
}

// NewLogger creates a JSON structured logger with an explicit log level.
func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
