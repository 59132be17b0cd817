package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// makeToken builds an unsigned JWT-shaped token with the given payload object.
func makeToken(t *testing.T, payload any) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return fmt.Sprintf("%s.%s.sig", header, base64.RawURLEncoding.EncodeToString(body))
}

func TestExpired_DeterministicAroundBoundary(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := makeToken(t, map[string]any{"exp": exp.Unix()})

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before", exp.Add(-time.Hour), false},
		{"one second before", exp.Add(-time.Second), false},
		{"exactly at exp", exp, true},
		{"one second after", exp.Add(time.Second), true},
		{"long after", exp.Add(48 * time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Expired(tok, tc.now); got != tc.want {
				t.Fatalf("Expired(now=%s) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestExpired_MalformedTokensFailSafe(t *testing.T) {
	junkPayload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no dots", "justastring"},
		{"two parts", header + "." + junkPayload},
		{"four parts", "a.b.c.d"},
		{"non-json payload", header + "." + junkPayload + ".sig"},
		{"missing exp", makeToken(t, map[string]any{"sub": "0xABC"})},
		{"non-numeric exp", makeToken(t, map[string]any{"exp": "tomorrow"})},
		{"not base64 payload", header + ".!!!.sig"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !Expired(tc.token, time.Unix(0, 0)) {
				t.Fatalf("malformed token treated as valid: %q", tc.token)
			}
			if got := Remaining(tc.token, time.Unix(0, 0)); got != 0 {
				t.Fatalf("Remaining on malformed token = %s, want 0", got)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := makeToken(t, map[string]any{"exp": now.Add(90 * time.Second).Unix()})

	if got := Remaining(tok, now); got != 90*time.Second {
		t.Fatalf("Remaining = %s, want 90s", got)
	}
	if got := Remaining(tok, now.Add(5*time.Minute)); got != 0 {
		t.Fatalf("Remaining past expiry = %s, want 0", got)
	}
}
