package clublink

import (
	"context"
	"log/slog"
	"time"

	"clublink/internal/realtime"
	"clublink/internal/session"
	"clublink/internal/store"
	"clublink/internal/token"
)

// User is the authenticated identity exposed to host applications.
type User struct {
	Address   string
	Signature string
	ClubID    string
	ClubName  string
}

// Agent is the session agent façade. It owns the storage layer, the realtime
// transport and the session machine, and exposes a fixed method set to the
// host application. There is no ambient global; construct one and pass it
// where it is needed.
type Agent struct {
	log     *slog.Logger
	cfg     Config
	store   store.Store
	machine *session.Machine
}

// New builds an Agent from configuration. With AutoConnect set and a stored
// session present, a background connect starts after the settle delay.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, err := store.New(log, store.Config{
		Backend: store.Backend(cfg.StorageBackend),
		Path:    cfg.StoragePath,
		Redis: store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.StorageNamespace,
		},
	})
	if err != nil {
		return nil, err
	}

	refresher, err := token.NewRefresher(log, token.Config{
		AuthEndpoint:   cfg.AuthEndpoint,
		Domain:         cfg.Domain,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.RefreshMaxAttempts,
		BackoffBase:    cfg.RefreshBackoffBase,
	}, nil)
	if err != nil {
		return nil, err
	}

	factory := cfg.channelFactory
	if factory == nil {
		factory = func(ctx context.Context) (realtime.Channel, error) {
			return realtime.NewWSChannel(log, realtime.WSConfig{
				URL:           cfg.RealtimeURL,
				DialTimeout:   cfg.RequestTimeout,
				Reconnect:     realtime.Backoff{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
				MaxReconnects: cfg.MaxReconnects,
			})
		}
	}

	var metrics *session.Metrics
	if cfg.Metrics != nil {
		metrics = session.NewMetrics(cfg.Metrics)
	}

	scfg := session.DefaultConfig()
	scfg.AppName = cfg.AppName
	scfg.Domain = cfg.Domain
	scfg.StorageNamespace = cfg.StorageNamespace
	scfg.MaxRefreshFailures = cfg.MaxRefreshFailures

	machine, err := session.NewMachine(log, scfg, st, refresher, factory, metrics)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		log:     log,
		cfg:     cfg,
		store:   st,
		machine: machine,
	}

	if cfg.AutoConnect {
		go a.autoConnect()
	}
	return a, nil
}

// autoConnect resumes a stored session in the background. The settle delay
// lets the host finish wiring observers before callbacks can fire.
func (a *Agent) autoConnect() {
	time.Sleep(a.cfg.AutoConnectDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !a.machine.HasStoredSession(ctx) {
		a.log.Debug("agent.autoconnect.skip", "reason", "no stored session")
		return
	}
	if err := a.machine.Connect(ctx); err != nil {
		a.log.Warn("agent.autoconnect.fail", "err", err)
	}
}

// Connect opens the realtime transport and resumes or starts a session. A
// call while connecting or connected is a no-op.
func (a *Agent) Connect(ctx context.Context) error {
	return a.machine.Connect(ctx)
}

// Disconnect tears the session down and wipes stored credentials.
func (a *Agent) Disconnect(ctx context.Context) error {
	return a.machine.Disconnect(ctx)
}

// Close disconnects and releases the storage backend. The Agent is unusable
// afterwards.
func (a *Agent) Close(ctx context.Context) error {
	if err := a.machine.Disconnect(ctx); err != nil {
		a.log.Warn("agent.close.disconnect.fail", "err", err)
	}
	return a.store.Close()
}

// IsReady reports whether the session holds an authenticated profile.
func (a *Agent) IsReady() bool {
	return a.machine.IsReady()
}

// State returns the session lifecycle state.
func (a *Agent) State() session.State {
	return a.machine.State()
}

// Token returns a valid access token, refreshing when needed. Empty token
// with nil error means unauthenticated; the host should prompt a reconnect.
func (a *Agent) Token(ctx context.Context) (string, error) {
	return a.machine.Token(ctx)
}

// User returns the authenticated identity once connected.
func (a *Agent) User() (User, bool) {
	p, ok := a.machine.CurrentProfile()
	if !ok {
		return User{}, false
	}
	return User{
		Address:   p.Address,
		Signature: p.Signature,
		ClubID:    p.ClubID,
		ClubName:  p.ClubName,
	}, true
}

// QRPayload returns the QR-encoded session handle for the companion app, or
// empty when no session exists yet.
func (a *Agent) QRPayload() string {
	return a.machine.QRPayload()
}

// ClubID reads the organizational id through to storage.
func (a *Agent) ClubID(ctx context.Context) (string, error) {
	return a.machine.ClubID(ctx)
}

// ClubName reads the organizational name through to storage.
func (a *Agent) ClubName(ctx context.Context) (string, error) {
	return a.machine.ClubName(ctx)
}

// OnConnected registers a callback fired when the session becomes ready,
// both on handshake completion and on resume.
func (a *Agent) OnConnected(fn func(address string)) {
	a.machine.OnConnected(fn)
}

// OnDisconnected registers a callback fired on teardown, local or remote.
func (a *Agent) OnDisconnected(fn func()) {
	a.machine.OnDisconnected(fn)
}
