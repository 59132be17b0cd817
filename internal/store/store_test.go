package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "a")
	if err != nil || v != "1" {
		t.Fatalf("Get: v=%q err=%v", v, err)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove: want ErrNotFound, got %v", err)
	}

	_ = s.Set(ctx, "b", "2")
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after clear: want ErrNotFound, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Set(ctx, "c", "3"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after close: want ErrClosed, got %v", err)
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "link.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Set(ctx, "access_token", "tok-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "address", "0xABC"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, err := re.Get(ctx, "access_token")
	if err != nil || v != "tok-1" {
		t.Fatalf("Get after reopen: v=%q err=%v", v, err)
	}

	if err := re.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := re.Get(ctx, "address"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after clear: want ErrNotFound, got %v", err)
	}
}

func TestFileStore_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}

// failingStore errors on every write to exercise degradation.
type failingStore struct {
	values map[string]string
}

var errQuota = errors.New("quota exceeded")

func (f *failingStore) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
func (f *failingStore) Set(ctx context.Context, key, value string) error { return errQuota }
func (f *failingStore) Remove(ctx context.Context, key string) error     { return errQuota }
func (f *failingStore) Clear(ctx context.Context) error                  { return errQuota }
func (f *failingStore) Close() error                                     { return nil }

func TestFallback_DegradesToMemoryOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{values: map[string]string{"old": "disk"}}
	fb := NewFallback(discardLogger(), primary)

	// Failed write parks the value in the overlay instead of raising.
	if err := fb.Set(ctx, "session_id", "S1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := fb.Get(ctx, "session_id")
	if err != nil || v != "S1" {
		t.Fatalf("Get overlay: v=%q err=%v", v, err)
	}

	// Values still readable from the primary are served.
	v, err = fb.Get(ctx, "old")
	if err != nil || v != "disk" {
		t.Fatalf("Get primary: v=%q err=%v", v, err)
	}

	// Remove/Clear swallow primary errors.
	if err := fb.Remove(ctx, "session_id"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fb.Get(ctx, "session_id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove: want ErrNotFound, got %v", err)
	}
	if err := fb.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
}

func TestNew_BackendSelection(t *testing.T) {
	log := discardLogger()

	s, err := New(log, Config{})
	if err != nil {
		t.Fatalf("New default: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("default backend: want *MemoryStore, got %T", s)
	}

	s, err = New(log, Config{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "s.json")})
	if err != nil {
		t.Fatalf("New file: %v", err)
	}
	if _, ok := s.(*Fallback); !ok {
		t.Fatalf("file backend: want *Fallback, got %T", s)
	}

	if _, err := New(log, Config{Backend: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
