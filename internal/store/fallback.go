package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Fallback wraps a primary Store and degrades to an in-memory overlay when
// the primary errors (full disk, quota, lost redis connection).
//
// Semantics:
//   - A failed Set lands in the overlay so the value is not silently lost for
//     the lifetime of the process.
//   - Reads consult the overlay first, then the primary.
//   - The first degradation is logged at warn level, later ones at debug.
//
// Best-effort by design: values parked in the overlay do not survive a
// restart. That matches the contract callers already tolerate (§last-writer-
// wins, partial writes possible).
type Fallback struct {
	log     *slog.Logger
	primary Store
	overlay *MemoryStore

	mu       sync.Mutex
	degraded bool
}

// NewFallback wraps primary with in-memory degradation.
func NewFallback(log *slog.Logger, primary Store) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{
		log:     log,
		primary: primary,
		overlay: NewMemoryStore(),
	}
}

func (f *Fallback) noteDegraded(op string, err error) {
	f.mu.Lock()
	first := !f.degraded
	f.degraded = true
	f.mu.Unlock()

	if first {
		f.log.Warn("store.degraded", "op", op, "err", err)
		return
	}
	f.log.Debug("store.degraded", "op", op, "err", err)
}

func (f *Fallback) Get(ctx context.Context, key string) (string, error) {
	if v, err := f.overlay.Get(ctx, key); err == nil {
		return v, nil
	}

	v, err := f.primary.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		f.noteDegraded("get", err)
		return "", ErrNotFound
	}
	return v, err
}

func (f *Fallback) Set(ctx context.Context, key, value string) error {
	if err := f.primary.Set(ctx, key, value); err != nil {
		f.noteDegraded("set", err)
		return f.overlay.Set(ctx, key, value)
	}
	// Keep the overlay from shadowing a healthy primary.
	_ = f.overlay.Remove(ctx, key)
	return nil
}

func (f *Fallback) Remove(ctx context.Context, key string) error {
	_ = f.overlay.Remove(ctx, key)
	if err := f.primary.Remove(ctx, key); err != nil {
		f.noteDegraded("remove", err)
	}
	return nil
}

func (f *Fallback) Clear(ctx context.Context) error {
	_ = f.overlay.Clear(ctx)
	if err := f.primary.Clear(ctx); err != nil {
		f.noteDegraded("clear", err)
	}
	return nil
}

func (f *Fallback) Close() error {
	_ = f.overlay.Close()
	return f.primary.Close()
}
