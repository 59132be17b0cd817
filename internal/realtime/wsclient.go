package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsSubprotocol = "clublink.realtime.v1"

	wsDefaultDialTimeout   = 10 * time.Second
	wsDefaultWriteTimeout  = 5 * time.Second
	wsDefaultSendQueueSize = 64
	wsMaxFrameBytes        = 64 << 10 // 64 KiB

	wsHeartbeatInterval = 25 * time.Second
	wsHeartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures   = 3

	wsDefaultMaxReconnects = 4
)

var (
	// ErrNotConnected is returned for sends attempted while the transport is down.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrBackpressure is returned when the send queue is full.
	ErrBackpressure = errors.New("realtime: send queue full")
)

// WSConfig configures the websocket channel client.
type WSConfig struct {
	// URL is the realtime endpoint (ws:// or wss://).
	URL string

	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Reconnect schedule for unexpected disconnects.
	Reconnect     Backoff
	MaxReconnects int
}

func (c *WSConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = wsDefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = wsHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = wsHeartbeatTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = wsDefaultMaxReconnects
	}
}

type bindKey struct {
	channel string
	event   string
}

// wsSession is the per-connection state. A fresh one is created on every
// (re)connect so stale goroutines can never write into the new connection.
type wsSession struct {
	conn *websocket.Conn
	send chan envelope

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// WSChannel is the websocket implementation of Channel.
//
// Desired subscriptions and event bindings live outside the connection: on
// reconnect the client redials, replays every subscription, and dispatches
// into the same handler table. Bind replaces, so nothing double-fires.
type WSChannel struct {
	log *slog.Logger
	cfg WSConfig

	stateMu  sync.Mutex
	state    ConnectionState
	stateFns []func(ConnectionState)

	hmu      sync.Mutex
	handlers map[bindKey]Handler

	mu             sync.Mutex
	cur            *wsSession
	subs           map[string]struct{}
	epoch          uint64
	attempts       int
	closed         bool
	reconnectTimer *time.Timer
}

// NewWSChannel constructs a websocket channel client. It does not dial;
// call Connect.
func NewWSChannel(log *slog.Logger, cfg WSConfig) (*WSChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: missing url")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	return &WSChannel{
		log:      log,
		cfg:      cfg,
		state:    StateInitialized,
		handlers: make(map[bindKey]Handler),
		subs:     make(map[string]struct{}),
	}, nil
}

// Connect dials the realtime endpoint. No-op when already connected or
// connecting.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("realtime: dial: %w", err)
	}

	c.startSession(conn)
	return nil
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsMaxFrameBytes)
	return conn, nil
}

// startSession installs a new connection and spawns its goroutines, then
// replays desired subscriptions.
func (c *WSChannel) startSession(conn *websocket.Conn) {
	s := &wsSession{
		conn: conn,
		send: make(chan envelope, c.cfg.SendQueueSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.cur = s
	c.attempts = 0
	replay := make([]string, 0, len(c.subs))
	for name := range c.subs {
		replay = append(replay, name)
	}
	c.mu.Unlock()

	c.setState(StateConnected)

	go c.writeLoop(s)
	go c.heartbeat(s, epoch)
	go c.readLoop(s, epoch)

	for _, name := range replay {
		if err := c.enqueue(s, envelope{Event: eventSubscribe, Channel: name}); err != nil {
			c.log.Info("ws.resubscribe.fail", "channel", name, "err", err)
		}
	}
}

func (c *WSChannel) writeLoop(s *wsSession) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			err := writeJSON(ctx, s.conn, env)
			cancel()
			if err != nil {
				c.log.Info("ws.write.fail", "event", env.Event, "err", err)
				s.close()
				return
			}
		}
	}
}

func (c *WSChannel) heartbeat(s *wsSession, epoch uint64) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			cancel()

			if err != nil {
				failures++
				c.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					c.connLost(s, epoch, fmt.Errorf("heartbeat failed: %w", err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *WSChannel) readLoop(s *wsSession, epoch uint64) {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			c.connLost(s, epoch, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("ws.read.badjson", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes an inbound envelope to the bound handler, if any.
// Handler panics are contained here so a bad callback cannot kill the loop.
func (c *WSChannel) dispatch(env envelope) {
	c.hmu.Lock()
	h := c.handlers[bindKey{channel: env.Channel, event: env.Event}]
	c.hmu.Unlock()

	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("ws.handler.panic", "event", env.Event, "channel", env.Channel, "panic", r)
		}
	}()
	h(Event{Name: env.Event, Channel: env.Channel, Data: env.Data})
}

// connLost tears down the session and schedules a reconnect unless the loss
// was a manual Close or belongs to a stale epoch.
func (c *WSChannel) connLost(s *wsSession, epoch uint64, err error) {
	s.close()

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.mu.Unlock()

	_ = s.conn.Close(websocket.StatusAbnormalClosure, "connection lost")
	c.log.Info("ws.conn.lost", "close_status", websocket.CloseStatus(err), "err", err)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *WSChannel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnects {
		c.mu.Unlock()
		c.log.Error("ws.reconnect.exhausted", "attempts", c.cfg.MaxReconnects)
		c.setState(StateFailed)
		return
	}

	delay := c.cfg.Reconnect.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts

	// One pending timer at a time.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() { c.tryReconnect(attempt) })
	c.mu.Unlock()

	c.log.Info("ws.reconnect.scheduled", "attempt", attempt, "delay", delay)
}

func (c *WSChannel) tryReconnect(attempt int) {
	c.mu.Lock()
	if c.closed || c.cur != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial(context.Background())
	if err != nil {
		c.log.Info("ws.reconnect.fail", "attempt", attempt, "err", err)
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return
	}

	c.log.Info("ws.reconnect.ok", "attempt", attempt)
	c.startSession(conn)
}

// Close tears the connection down and cancels any pending reconnect.
// Idempotent; Connect may be called again afterwards.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	s := c.cur
	c.cur = nil
	c.mu.Unlock()

	if s != nil {
		s.close()
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	c.setState(StateDisconnected)
	return nil
}

// Subscribe records the desired subscription and announces it when the
// transport is up. Desired subscriptions are replayed after reconnects.
func (c *WSChannel) Subscribe(ctx context.Context, channel string) error {
	if channel == "" {
		return errors.New("realtime: missing channel name")
	}

	c.mu.Lock()
	c.subs[channel] = struct{}{}
	s := c.cur
	c.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	return c.enqueue(s, envelope{Event: eventSubscribe, Channel: channel})
}

// Unsubscribe drops the desired subscription; the wire notice is best effort.
func (c *WSChannel) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.subs, channel)
	s := c.cur
	c.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	return c.enqueue(s, envelope{Event: eventUnsubscribe, Channel: channel})
}

// Bind registers h for (channel, event), replacing any prior handler.
func (c *WSChannel) Bind(channel, event string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	k := bindKey{channel: channel, event: event}
	if h == nil {
		delete(c.handlers, k)
		return
	}
	c.handlers[k] = h
}

// Unbind removes the handler for (channel, event).
func (c *WSChannel) Unbind(channel, event string) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	delete(c.handlers, bindKey{channel: channel, event: event})
}

// Trigger publishes a client event on a channel.
func (c *WSChannel) Trigger(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal payload: %w", err)
	}

	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	return c.enqueue(s, envelope{Event: event, Channel: channel, Data: data})
}

// enqueue is non-blocking: a full queue surfaces backpressure instead of
// stalling the caller.
func (c *WSChannel) enqueue(s *wsSession, env envelope) error {
	select {
	case <-s.done:
		return ErrNotConnected
	case s.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// State returns the current connection state.
func (c *WSChannel) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// OnStateChange registers a state observer. Observers run synchronously on
// the goroutine that caused the transition.
func (c *WSChannel) OnStateChange(fn func(ConnectionState)) {
	if fn == nil {
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateFns = append(c.stateFns, fn)
}

func (c *WSChannel) setState(next ConnectionState) {
	c.stateMu.Lock()
	if c.state == next {
		c.stateMu.Unlock()
		return
	}
	c.state = next
	fns := make([]func(ConnectionState), len(c.stateFns))
	copy(fns, c.stateFns)
	c.stateMu.Unlock()

	c.log.Debug("ws.state", "state", string(next))
	for _, fn := range fns {
		fn(next)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
