package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionID returns a ULID session identifier (26 chars).
// ULIDs sort by creation time, which keeps support logs readable when a
// host churns through several link attempts.
func newSessionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
