package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRefresher(t *testing.T, endpoint string, mutate func(*Config)) *Refresher {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AuthEndpoint = endpoint
	cfg.Domain = "app.example.com"
	cfg.BackoffBase = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := NewRefresher(discardLogger(), cfg, nil)
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	return r
}

func TestRefresh_Success(t *testing.T) {
	var gotAuth, gotAddress, gotDomain string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAddress = r.Header.Get("X-Link-Address")
		gotDomain = r.Header.Get("X-Link-Domain")
		_, _ = w.Write([]byte(`{"accessToken":"a2","refreshToken":"r2"}`))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL, nil)
	pair, err := r.Refresh(context.Background(), "0xABC", "r1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken != "a2" || pair.RefreshToken != "r2" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if gotAuth != "Bearer r1" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotAddress != "0xABC" || gotDomain != "app.example.com" {
		t.Fatalf("identity headers: address=%q domain=%q", gotAddress, gotDomain)
	}
}

func TestRefresh_MissingCredentialsUnrecoverable(t *testing.T) {
	r := newTestRefresher(t, "http://127.0.0.1:0", nil)

	_, err := r.Refresh(context.Background(), "", "r1")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("want ErrMissingCredentials, got %v", err)
	}
	if Classify(err) != ClassUnrecoverable {
		t.Fatalf("class = %s, want unrecoverable", Classify(err))
	}

	_, err = r.Refresh(context.Background(), "0xABC", "")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("want ErrMissingCredentials, got %v", err)
	}
}

func TestRefresh_UnauthorizedShortCircuitsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var slept atomic.Int32
	r := newTestRefresher(t, srv.URL, nil)
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		slept.Add(1)
		return nil
	})

	_, err := r.Refresh(context.Background(), "0xABC", "r1")
	if err == nil {
		t.Fatalf("expected error")
	}

	var re *RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("want *RefreshError, got %T", err)
	}
	if re.Status != http.StatusUnauthorized || re.Class != ClassUnrecoverable {
		t.Fatalf("unexpected error: %+v", re)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("network attempts = %d, want 1", n)
	}
	if n := slept.Load(); n != 0 {
		t.Fatalf("backoff sleeps = %d, want 0", n)
	}
}

func TestRefresh_TransientRetriedThenExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var delays []time.Duration

	r := newTestRefresher(t, srv.URL, func(c *Config) {
		c.MaxAttempts = 3
		c.BackoffBase = 2 * time.Second
	})
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	})

	_, err := r.Refresh(context.Background(), "0xABC", "r1")
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}

	var re *RefreshError
	if !errors.As(err, &re) || re.Class != ClassTransient {
		t.Fatalf("want transient *RefreshError, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("network attempts = %d, want 3", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("backoff sleeps = %d, want 2", len(delays))
	}
	if !(delays[0] < delays[1]) {
		t.Fatalf("delays not strictly increasing: %v", delays)
	}
	if delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Fatalf("delays = %v, want [2s 4s]", delays)
	}
}

func TestRefresh_TimeoutClassifiedTransient(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRefresher(t, srv.URL, func(c *Config) {
		c.RequestTimeout = 30 * time.Millisecond
		c.MaxAttempts = 2
	})
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })

	_, err := r.Refresh(context.Background(), "0xABC", "r1")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if Classify(err) != ClassTransient {
		t.Fatalf("class = %s, want transient", Classify(err))
	}
}

func TestRefresh_MalformedResponseUnrecoverable(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing refresh token", `{"accessToken":"a2"}`},
		{"missing access token", `{"refreshToken":"r2"}`},
		{"empty object", `{}`},
		{"not json", `<html>oops</html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			r := newTestRefresher(t, srv.URL, nil)
			_, err := r.Refresh(context.Background(), "0xABC", "r1")
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("want ErrMalformedResponse, got %v", err)
			}
			if n := calls.Load(); n != 1 {
				t.Fatalf("network attempts = %d, want 1", n)
			}
		})
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	const callers = 8

	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"accessToken":"a2","refreshToken":"r2"}`))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL, func(c *Config) {
		c.RequestTimeout = 5 * time.Second
	})

	var wg sync.WaitGroup
	results := make([]Pair, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Refresh(context.Background(), "0xABC", "r1")
		}(i)
	}

	// Give every caller a chance to attach to the in-flight refresh, then
	// let the server answer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("network calls = %d, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "a2" || results[i].RefreshToken != "r2" {
			t.Fatalf("caller %d: unexpected pair %+v", i, results[i])
		}
	}

	// The in-flight handle is cleared: a later refresh issues a new call.
	if _, err := r.Refresh(context.Background(), "0xABC", "r1"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("network calls after second refresh = %d, want 2", n)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing endpoint: want ErrConfig, got %v", err)
	}

	cfg.AuthEndpoint = "https://auth.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.MaxAttempts = 0
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("zero attempts: want ErrConfig, got %v", err)
	}
}
