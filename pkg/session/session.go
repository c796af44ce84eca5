// Package session tracks the sessions a server recognises. A session is
// created by a successful handshake, refreshed by every request that carries
// it, and invalidated explicitly or after a period of inactivity.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxIDLength is the longest accepted session identifier
const MaxIDLength = 128

// ErrMalformedID is returned by Normalize for identifiers that can never be valid
var ErrMalformedID = errors.New("malformed session id")

// Session is a server-recognised client identity
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Registry validates and manages sessions. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Create starts a new session with a fresh identifier
	Create(ctx context.Context) (Session, error)
	// Validate reports whether id names a live session. Expired sessions are
	// reported as invalid. The error is reserved for backend failures.
	Validate(ctx context.Context, id string) (bool, error)
	// Touch records activity on a session
	Touch(ctx context.Context, id string) error
	// Invalidate ends a session; invalidating an unknown session is not an error
	Invalidate(ctx context.Context, id string) error
}

// Normalize trims surrounding whitespace and checks that id is 1 to
// MaxIDLength visible ASCII characters.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedID)
	}
	if len(id) > MaxIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrMalformedID, MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return "", fmt.Errorf("%w: invalid character at offset %d", ErrMalformedID, i)
		}
	}
	return id, nil
}

// NewID generates a cryptographically secure session identifier
func NewID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure session ID: %w", err)
	}
	return "session_" + hex.EncodeToString(bytes), nil
}
