package session

import (
	"context"
	"encoding/json"
	"sync"

	"clublink/internal/realtime"
)

// fakeChannel is an in-memory realtime.Channel for machine tests. It records
// subscriptions and triggers, optionally auto-confirms subscriptions, and
// lets tests push events to bound handlers.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	closed    bool

	subCounts map[string]int
	unsubs    []string
	handlers  map[[2]string]realtime.Handler
	triggers  []fakeTrigger

	// confirmSubs fires subscription_succeeded synchronously on Subscribe.
	confirmSubs bool

	state    realtime.ConnectionState
	stateFns []func(realtime.ConnectionState)
}

type fakeTrigger struct {
	channel string
	event   string
	data    json.RawMessage
}

func newFakeChannel(confirmSubs bool) *fakeChannel {
	return &fakeChannel{
		subCounts:   make(map[string]int),
		handlers:    make(map[[2]string]realtime.Handler),
		confirmSubs: confirmSubs,
		state:       realtime.StateInitialized,
	}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.state = realtime.StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.state = realtime.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	f.subCounts[channel]++
	confirm := f.confirmSubs
	f.mu.Unlock()

	if confirm {
		f.emit(channel, realtime.EventSubscriptionSucceeded, nil)
	}
	return nil
}

func (f *fakeChannel) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	f.unsubs = append(f.unsubs, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Bind(channel, event string, h realtime.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		delete(f.handlers, [2]string{channel, event})
		return
	}
	f.handlers[[2]string{channel, event}] = h
}

func (f *fakeChannel) Unbind(channel, event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, [2]string{channel, event})
}

func (f *fakeChannel) Trigger(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.triggers = append(f.triggers, fakeTrigger{channel: channel, event: event, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) State() realtime.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) OnStateChange(fn func(realtime.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFns = append(f.stateFns, fn)
}

// emit delivers an event to the bound handler, like the real read loop.
func (f *fakeChannel) emit(channel, event string, data json.RawMessage) {
	f.mu.Lock()
	h := f.handlers[[2]string{channel, event}]
	f.mu.Unlock()

	if h != nil {
		h(realtime.Event{Name: event, Channel: channel, Data: data})
	}
}

// reportState pushes a transport state transition to observers.
func (f *fakeChannel) reportState(s realtime.ConnectionState) {
	f.mu.Lock()
	f.state = s
	fns := append([]func(realtime.ConnectionState){}, f.stateFns...)
	f.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeChannel) subCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCounts[channel]
}

func (f *fakeChannel) triggerCount(channel, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tr := range f.triggers {
		if tr.channel == channel && tr.event == event {
			n++
		}
	}
	return n
}
