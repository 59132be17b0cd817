package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const refreshPath = "/auth/refresh"

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Config defines runtime configuration for the refresh engine.
type Config struct {
	// AuthEndpoint is the auth service base URL, e.g. "https://auth.example.com".
	AuthEndpoint string

	// Domain identifies the originating host, sent as the device header.
	Domain string

	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration

	// MaxAttempts bounds retries for transient/unknown failures.
	MaxAttempts int

	// BackoffBase is the delay unit; attempt n waits BackoffBase << n.
	BackoffBase time.Duration
}

// DefaultConfig returns refresh defaults suitable for production.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    time.Second,
	}
}

// Validate reports ErrConfig for unusable configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AuthEndpoint) == "" {
		return fmt.Errorf("%w: missing auth endpoint", ErrConfig)
	}
	if c.RequestTimeout <= 0 || c.MaxAttempts <= 0 || c.BackoffBase <= 0 {
		return fmt.Errorf("%w: non-positive tunable", ErrConfig)
	}
	return nil
}

// Refresher mints new token pairs from a refresh token.
//
// Concurrency: refreshes are single-flighted per identity address. Callers
// that invoke Refresh while one is outstanding for the same address receive
// the same eventual result instead of issuing duplicate network calls.
type Refresher struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client

	group singleflight.Group

	// sleep is swappable for deterministic backoff tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRefresher constructs a Refresher. A nil httpClient gets a default one;
// per-attempt timeouts come from Config.RequestTimeout via request contexts.
func NewRefresher(log *slog.Logger, cfg Config, httpClient *http.Client) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Refresher{
		cfg:    cfg,
		log:    log,
		client: httpClient,
		sleep:  sleepCtx,
	}, nil
}

// SetSleepFunc replaces the backoff sleeper (tests only).
func (r *Refresher) SetSleepFunc(f func(ctx context.Context, d time.Duration) error) {
	if f != nil {
		r.sleep = f
	}
}

// Refresh performs the refresh round trip for the given identity.
//
// Classification drives the retry loop: unrecoverable failures abort
// immediately, transient and unknown failures retry with exponential backoff
// up to the attempt budget, and the last error is surfaced on exhaustion.
func (r *Refresher) Refresh(ctx context.Context, address, refreshToken string) (Pair, error) {
	if strings.TrimSpace(address) == "" || strings.TrimSpace(refreshToken) == "" {
		return Pair{}, &RefreshError{Class: ClassUnrecoverable, Err: ErrMissingCredentials}
	}

	v, err, shared := r.group.Do(address, func() (any, error) {
		return r.refreshWithRetry(ctx, address, refreshToken)
	})
	if shared {
		r.log.Debug("token.refresh.shared", "address", address)
	}
	if err != nil {
		return Pair{}, err
	}
	return v.(Pair), nil
}

func (r *Refresher) refreshWithRetry(ctx context.Context, address, refreshToken string) (Pair, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BackoffBase << (attempt - 1)
			r.log.Info("token.refresh.retry", "address", address, "attempt", attempt, "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return Pair{}, lastErr
			}
		}

		pair, err := r.refreshOnce(ctx, address, refreshToken)
		if err == nil {
			r.log.Info("token.refresh.ok", "address", address, "attempt", attempt)
			return pair, nil
		}
		lastErr = err

		class := Classify(err)
		r.log.Info("token.refresh.fail", "address", address, "attempt", attempt, "class", class.String(), "err", err)
		if class == ClassUnrecoverable {
			return Pair{}, err
		}
	}

	return Pair{}, lastErr
}

// refreshOnce issues a single HTTP POST to the refresh endpoint.
func (r *Refresher) refreshOnce(ctx context.Context, address, refreshToken string) (Pair, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(r.cfg.AuthEndpoint, "/")+refreshPath, bytes.NewReader(nil))
	if err != nil {
		return Pair{}, &RefreshError{Class: ClassUnrecoverable, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	req.Header.Set("X-Link-Address", address)
	req.Header.Set("X-Link-Domain", r.cfg.Domain)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Pair{}, &RefreshError{Class: classifyRequestErr(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Pair{}, &RefreshError{
			Status: resp.StatusCode,
			Class:  classifyStatus(resp.StatusCode),
			Err:    fmt.Errorf("token: refresh endpoint returned %d", resp.StatusCode),
		}
	}

	var pair Pair
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pair); err != nil {
		return Pair{}, &RefreshError{Status: resp.StatusCode, Class: ClassUnrecoverable, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return Pair{}, &RefreshError{Status: resp.StatusCode, Class: ClassUnrecoverable, Err: ErrMalformedResponse}
	}

	return pair, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
