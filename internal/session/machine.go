package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"clublink/internal/realtime"
	"clublink/internal/store"
	"clublink/internal/token"
)

const storeOpTimeout = 3 * time.Second

// ChannelFactory lazily constructs the realtime transport. The machine calls
// it at most once per transport lifetime (lazy singleton); Disconnect drops
// the instance and a later Connect builds a fresh one.
type ChannelFactory func(ctx context.Context) (realtime.Channel, error)

// Machine is the session/connection state machine.
//
// Lifecycle: Idle -> Connecting -> AwaitingHandshake -> Authorizing ->
// Connected, with Disconnected reachable from anywhere and Failed entered on
// permanent transport failure.
//
// Concurrency model: the mutex guards all mutable state; nothing network- or
// timer-shaped runs under it. Connect is gated by the connecting/connected
// flags (second caller no-ops), token refresh is single-flighted (second
// caller attaches to the same outcome).
type Machine struct {
	log        *slog.Logger
	cfg        Config
	keys       storageKeys
	store      store.Store
	refresher  *token.Refresher
	newChannel ChannelFactory
	metrics    *Metrics

	// now is swappable for deterministic expiry tests.
	now func() time.Time

	flight singleflight.Group

	mu         sync.Mutex
	state      State
	channel    realtime.Channel
	sessionID  string
	profile    Profile
	connecting bool
	connected  bool
	failures   int
	authSent   bool
	authTimer  *time.Timer

	onConnected    []func(address string)
	onDisconnected []func()
}

// NewMachine constructs a Machine. metrics may be nil.
func NewMachine(log *slog.Logger, cfg Config, st store.Store, refresher *token.Refresher, factory ChannelFactory, metrics *Metrics) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: missing store", ErrConfig)
	}
	if refresher == nil {
		return nil, fmt.Errorf("%w: missing refresher", ErrConfig)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: missing channel factory", ErrConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Machine{
		log:        log,
		cfg:        cfg,
		keys:       newStorageKeys(cfg.StorageNamespace),
		store:      st,
		refresher:  refresher,
		newChannel: factory,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		state:      StateIdle,
	}, nil
}

// SetNowFunc replaces the clock (tests only).
func (m *Machine) SetNowFunc(f func() time.Time) {
	if f != nil {
		m.now = f
	}
}

// ---- observers ----

// OnConnected registers a callback fired when the session becomes ready.
func (m *Machine) OnConnected(fn func(address string)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected registers a callback fired on any teardown, local or remote.
func (m *Machine) OnDisconnected(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// ---- accessors ----

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether the session holds a connected profile.
func (m *Machine) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// User returns the identity handle once connected.
func (m *Machine) User() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.profile.Address == "" {
		return "", false
	}
	return m.profile.Address, true
}

// CurrentProfile returns a copy of the authenticated profile when connected.
func (m *Machine) CurrentProfile() (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Profile{}, false
	}
	return m.profile, true
}

// QRPayload returns the current QR-encoded session handle, or empty when no
// session exists.
func (m *Machine) QRPayload() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return ""
	}
	return QRPayload(m.sessionID)
}

// ClubID reads the organizational id through to storage.
func (m *Machine) ClubID(ctx context.Context) (string, error) {
	return m.readOptional(ctx, m.keys.clubID())
}

// ClubName reads the organizational name through to storage.
func (m *Machine) ClubName(ctx context.Context) (string, error) {
	return m.readOptional(ctx, m.keys.clubName())
}

func (m *Machine) readOptional(ctx context.Context, key string) (string, error) {
	v, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// HasStoredSession reports whether storage holds a resumable session or
// credentials, used by the auto-connect path.
func (m *Machine) HasStoredSession(ctx context.Context) bool {
	if v, err := m.store.Get(ctx, m.keys.sessionID()); err == nil && v != "" {
		return true
	}
	access, _ := m.readOptional(ctx, m.keys.accessToken())
	refresh, _ := m.readOptional(ctx, m.keys.refreshToken())
	addr, _ := m.readOptional(ctx, m.keys.address())
	return access != "" && refresh != "" && addr != ""
}

// ---- connect ----

// Connect opens the realtime transport and either resumes a stored session
// or generates a fresh one and waits for the mobile handshake.
//
// Guarded: a call while connecting or connected is a logged no-op, so
// concurrent callers cannot produce duplicate subscriptions.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.connected {
		state := m.state
		m.mu.Unlock()
		m.log.Info("session.connect.skip", "state", string(state))
		return nil
	}
	m.connecting = true
	m.authSent = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		// Never leave the machine stuck in Connecting: reset the flags so a
		// manual retry remains possible.
		m.mu.Lock()
		m.connecting = false
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Machine) connect(ctx context.Context) error {
	ch, err := m.ensureChannel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Connect(ctx); err != nil {
		return err
	}

	sid, _ := m.readOptional(ctx, m.keys.sessionID())
	access, _ := m.readOptional(ctx, m.keys.accessToken())
	refresh, _ := m.readOptional(ctx, m.keys.refreshToken())
	addr, _ := m.readOptional(ctx, m.keys.address())

	resume := false
	switch {
	case sid != "" && access != "" && addr != "":
		resume = true
	case sid != "":
		// Stored session id with externally wiped credentials: treat as an
		// implicit disconnect and start a fresh handshake.
		m.log.Info("session.restore.mismatch", "session_id", sid)
		m.clearStorage(ctx)
		sid = ""
	default:
		if access != "" && refresh != "" && addr != "" {
			// Credentials survived but the session id did not: resume the
			// profile under a fresh session id.
			resume = true
		}
	}

	if resume {
		sig, _ := m.readOptional(ctx, m.keys.signature())
		clubID, _ := m.readOptional(ctx, m.keys.clubID())
		clubName, _ := m.readOptional(ctx, m.keys.clubName())
		m.mu.Lock()
		m.profile = Profile{
			Address:      addr,
			Signature:    sig,
			AccessToken:  access,
			RefreshToken: refresh,
			ClubID:       clubID,
			ClubName:     clubName,
		}
		m.mu.Unlock()
	}

	if sid == "" {
		sid, err = newSessionID(m.now())
		if err != nil {
			return fmt.Errorf("session: generate id: %w", err)
		}
		if err := m.store.Set(ctx, m.keys.sessionID(), sid); err != nil {
			m.log.Warn("session.persist.fail", "key", "session_id", "err", err)
		}
	}

	m.mu.Lock()
	m.sessionID = sid
	m.mu.Unlock()

	chanName := SessionChannelName(sid)
	ch.Bind(chanName, EventPeerConnect, m.handlePeerConnect)
	ch.Bind(chanName, EventSendAuthorization, m.handleAuthorization)
	ch.Bind(chanName, EventSendUnauthorization, m.handleUnauthorization)

	if err := ch.Subscribe(ctx, chanName); err != nil {
		return fmt.Errorf("session: subscribe %s: %w", chanName, err)
	}

	m.mu.Lock()
	if resume && m.profile.connected() {
		m.connected = true
		m.connecting = false
		m.setStateLocked(StateConnected)
		fns := append([]func(string){}, m.onConnected...)
		address := m.profile.Address
		m.mu.Unlock()

		m.log.Info("session.resumed", "session_id", sid, "address", address)
		for _, fn := range fns {
			fn(address)
		}
		return nil
	}
	m.setStateLocked(StateAwaitingHandshake)
	m.mu.Unlock()

	m.log.Info("session.awaiting", "session_id", sid, "channel", chanName)
	return nil
}

// ensureChannel builds the transport lazily and watches its state signal.
func (m *Machine) ensureChannel(ctx context.Context) (realtime.Channel, error) {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := m.newChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: build channel: %w", err)
	}
	ch.OnStateChange(m.onTransportState)

	m.mu.Lock()
	m.channel = ch
	m.mu.Unlock()
	return ch, nil
}

// onTransportState reacts to the channel client's connection-state signal.
// Reconnection itself is the transport's job; the machine only surfaces
// permanent failure. Credentials stay persisted so a manual Connect resumes.
func (m *Machine) onTransportState(s realtime.ConnectionState) {
	if s != realtime.StateFailed {
		return
	}

	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.connecting = false
	wasConnected := m.connected
	m.connected = false
	m.setStateLocked(StateFailed)
	fns := append([]func(){}, m.onDisconnected...)
	m.mu.Unlock()

	m.log.Error("session.transport.failed")
	if wasConnected {
		for _, fn := range fns {
			fn()
		}
	}
}

// ---- handshake ----

// handlePeerConnect is leg A: the mobile app announced identity on the
// session channel.
func (m *Machine) handlePeerConnect(ev realtime.Event) {
	var p peerConnectPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.Address == "" {
		m.log.Info("session.peerconnect.invalid", "err", err)
		return
	}

	m.mu.Lock()
	ch := m.channel
	if ch == nil {
		m.mu.Unlock()
		return
	}
	m.profile.Address = p.Address
	m.profile.Signature = p.Signature
	m.authSent = false
	m.setStateLocked(StateAuthorizing)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	m.persist(ctx, m.keys.address(), p.Address)
	m.persist(ctx, m.keys.signature(), p.Signature)

	m.log.Info("session.peerconnect", "address", p.Address)

	// Idempotence against re-handshake: with credentials already stored the
	// mobile app does not need another authorization prompt.
	access, _ := m.readOptional(ctx, m.keys.accessToken())
	refresh, _ := m.readOptional(ctx, m.keys.refreshToken())
	if access != "" && refresh != "" {
		m.log.Info("session.authrequest.skip", "address", p.Address)
		return
	}

	userChan := UserChannelName(p.Address)
	ch.Bind(userChan, realtime.EventSubscriptionSucceeded, func(realtime.Event) {
		m.sendAuthRequest(userChan)
	})
	if err := ch.Subscribe(ctx, userChan); err != nil {
		m.log.Info("session.usersub.fail", "channel", userChan, "err", err)
	}

	// Fallback: if confirmation never arrives, send anyway after the grace
	// period. The one-shot guard in sendAuthRequest keeps the two paths from
	// both firing.
	m.mu.Lock()
	if m.authTimer != nil {
		m.authTimer.Stop()
	}
	m.authTimer = time.AfterFunc(m.cfg.AuthRequestFallback, func() {
		m.sendAuthRequest(userChan)
	})
	m.mu.Unlock()
}

// sendAuthRequest triggers the authorization request on the user channel.
// Best effort, at most once per handshake.
func (m *Machine) sendAuthRequest(userChan string) {
	m.mu.Lock()
	if m.authSent {
		m.mu.Unlock()
		return
	}
	m.authSent = true
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	ch := m.channel
	sid := m.sessionID
	sig := m.profile.Signature
	m.mu.Unlock()

	if ch == nil || sid == "" {
		return
	}

	payload := authorizationRequestPayload{
		Signature: sig,
		Channel:   SessionChannelName(sid),
		Domain:    m.cfg.Domain,
		Name:      m.cfg.AppName,
		OrgHash:   nil,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := ch.Trigger(ctx, userChan, EventAuthorizationRequest, payload); err != nil {
		m.log.Info("session.authrequest.fail", "channel", userChan, "err", err)
		return
	}
	m.log.Info("session.authrequest.sent", "channel", userChan)
}

// handleAuthorization is leg B: the mobile app delivered credentials.
// Required fields are validated before anything is applied; a partial
// payload is rejected whole.
func (m *Machine) handleAuthorization(ev realtime.Event) {
	var p authorizationPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		m.log.Info("session.authorize.invalid", "err", err)
		return
	}
	if p.Address == "" || p.AccessToken == "" || p.RefreshToken == "" {
		m.log.Info("session.authorize.incomplete",
			"has_address", p.Address != "",
			"has_access", p.AccessToken != "",
			"has_refresh", p.RefreshToken != "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	m.persist(ctx, m.keys.address(), p.Address)
	m.persist(ctx, m.keys.accessToken(), p.AccessToken)
	m.persist(ctx, m.keys.refreshToken(), p.RefreshToken)
	m.persist(ctx, m.keys.clubID(), p.ClubID)
	m.persist(ctx, m.keys.clubName(), p.ClubName)

	m.mu.Lock()
	m.profile.Address = p.Address
	m.profile.AccessToken = p.AccessToken
	m.profile.RefreshToken = p.RefreshToken
	m.profile.ClubID = p.ClubID
	m.profile.ClubName = p.ClubName
	m.connected = true
	m.connecting = false
	m.failures = 0
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.setStateLocked(StateConnected)
	fns := append([]func(string){}, m.onConnected...)
	m.mu.Unlock()

	m.metrics.observeHandshake()
	m.log.Info("session.connected", "address", p.Address, "club_id", p.ClubID)
	for _, fn := range fns {
		fn(p.Address)
	}
}

// handleUnauthorization is a remote-initiated disconnect: tear down exactly
// as a local disconnect would.
func (m *Machine) handleUnauthorization(ev realtime.Event) {
	m.log.Info("session.unauthorized.remote")
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := m.Disconnect(ctx); err != nil {
		m.log.Info("session.disconnect.fail", "err", err)
	}
}

// ---- disconnect ----

// Disconnect tears the session down: channels unsubscribed (errors
// swallowed), transport closed, timers cleared, counters reset, profile and
// storage wiped.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	sid := m.sessionID
	addr := m.profile.Address
	m.sessionID = ""
	m.profile = Profile{}
	m.connecting = false
	m.connected = false
	m.failures = 0
	m.authSent = false
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.setStateLocked(StateDisconnected)
	fns := append([]func(){}, m.onDisconnected...)
	m.mu.Unlock()

	// Clear the in-flight refresh handle so a later session starts fresh.
	m.flight.Forget("refresh")

	if ch != nil {
		uctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if sid != "" {
			chanName := SessionChannelName(sid)
			if err := ch.Unsubscribe(uctx, chanName); err != nil {
				m.log.Debug("session.unsubscribe.fail", "channel", chanName, "err", err)
			}
			ch.Unbind(chanName, EventPeerConnect)
			ch.Unbind(chanName, EventSendAuthorization)
			ch.Unbind(chanName, EventSendUnauthorization)
		}
		if addr != "" {
			userChan := UserChannelName(addr)
			if err := ch.Unsubscribe(uctx, userChan); err != nil {
				m.log.Debug("session.unsubscribe.fail", "channel", userChan, "err", err)
			}
			ch.Unbind(userChan, realtime.EventSubscriptionSucceeded)
		}
		cancel()
		if err := ch.Close(); err != nil {
			m.log.Debug("session.channel.close.fail", "err", err)
		}
	}

	m.clearStorage(ctx)
	m.metrics.observeDisconnect()
	m.log.Info("session.disconnected")

	for _, fn := range fns {
		fn()
	}
	return nil
}

// ---- tokens ----

// Token returns a valid access token, refreshing when needed.
//
// Contract: empty token with nil error means "unauthenticated, prompt a
// reconnect". A non-nil error means a refresh failed but the session still
// stands (transient failure under budget).
func (m *Machine) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return "", nil
	}
	access := m.profile.AccessToken
	refresh := m.profile.RefreshToken
	addr := m.profile.Address
	m.mu.Unlock()

	if access != "" && !token.Expired(access, m.now()) {
		return access, nil
	}

	if refresh == "" {
		// Expired token and no refresh path: the session cannot recover.
		m.log.Info("session.token.unrefreshable")
		_ = m.Disconnect(ctx)
		return "", nil
	}

	// Single-flight: concurrent callers during an in-flight refresh attach
	// to the same outcome, and the failure counter moves once per flight.
	v, err, _ := m.flight.Do("refresh", func() (any, error) {
		return m.refreshOnce(ctx, addr, refresh)
	})
	if err != nil {
		if m.IsReady() {
			return "", err
		}
		return "", nil
	}
	return v.(string), nil
}

func (m *Machine) refreshOnce(ctx context.Context, addr, refresh string) (string, error) {
	pair, err := m.refresher.Refresh(ctx, addr, refresh)
	if err != nil {
		class := token.Classify(err)
		m.metrics.observeRefresh(class.String())

		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()

		m.log.Info("session.refresh.fail", "class", class.String(), "failures", failures)

		if class == token.ClassUnrecoverable || failures >= m.cfg.MaxRefreshFailures {
			dctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			_ = m.Disconnect(dctx)
			cancel()
		}
		return "", err
	}

	m.metrics.observeRefresh("ok")

	m.mu.Lock()
	m.failures = 0
	m.profile.AccessToken = pair.AccessToken
	m.profile.RefreshToken = pair.RefreshToken
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	m.persist(pctx, m.keys.accessToken(), pair.AccessToken)
	m.persist(pctx, m.keys.refreshToken(), pair.RefreshToken)

	return pair.AccessToken, nil
}

// ---- storage helpers ----

func (m *Machine) persist(ctx context.Context, key, value string) {
	if err := m.store.Set(ctx, key, value); err != nil {
		m.log.Warn("session.persist.fail", "key", key, "err", err)
	}
}

func (m *Machine) clearStorage(ctx context.Context) {
	for _, k := range m.keys.all() {
		if err := m.store.Remove(ctx, k); err != nil {
			m.log.Debug("session.clear.fail", "key", k, "err", err)
		}
	}
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.observeState(s)
}
