// Package token evaluates bearer-token expiry and refreshes token pairs
// against the ClubLink auth service.
//
// Tokens are opaque to the SDK except for one locally-interpreted field: the
// "exp" claim of the access token. Signatures are never verified here; the
// auth service is the authority and the SDK only needs to know when to ask
// it for a new pair.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var unverifiedParser = jwt.NewParser()

// expiresAt extracts the exp claim without verifying the signature.
// The bool result is false for any malformed token.
func expiresAt(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token is expired at the given instant.
//
// Fail safe, not fail open: a token that cannot be parsed (wrong segment
// count, non-JSON payload, missing or non-numeric exp) is always expired.
func Expired(token string, now time.Time) bool {
	exp, ok := expiresAt(token)
	if !ok {
		return true
	}
	return !now.Before(exp)
}

// Remaining returns the time until expiry, or zero for expired and
// malformed tokens.
func Remaining(token string, now time.Time) time.Duration {
	exp, ok := expiresAt(token)
	if !ok {
		return 0
	}
	d := exp.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
