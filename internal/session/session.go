// Package session provides transient storage for schema-generation
// conversation transcripts.
//
// A session is an ordered list of role-tagged turns keyed by an opaque
// identifier, with a sliding 1-hour TTL refreshed on every append. The store
// exclusively owns transcript persistence; callers never cache transcripts
// beyond one request. Concurrent operations on the same session are not
// mutually excluded: interleaved appends resolve last-write-wins in transcript
// order, which callers must tolerate.
package session

import (
	"context"
	"time"

	"github.com/formweaver/formweaver/internal/models"
)

// KeyPrefix namespaces session keys in the backing store.
const KeyPrefix = "form_session:"

// DefaultTTL is the sliding session expiry, refreshed on every append.
const DefaultTTL = models.SessionTTLSeconds * time.Second

// Store is the transcript storage contract.
//
// Read returns an empty transcript (nil error) when the session does not
// exist or has expired; connectivity failures are returned as errors and must
// be treated as fatal for the current request. Delete is idempotent.
type Store interface {
	Append(ctx context.Context, sessionID string, turn models.ConversationTurn) error
	Read(ctx context.Context, sessionID string) ([]models.ConversationTurn, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Opts holds configuration for session store construction.
type Opts struct {
	Addr     string
	Username string
	Password string
	TTL      time.Duration
}

// Option configures session store construction.
type Option func(*Opts)

// WithAddr sets the Redis server address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCredentials sets the Redis username and password.
func WithCredentials(username, password string) Option {
	return func(o *Opts) {
		o.Username = username
		o.Password = password
	}
}

// WithTTL overrides the sliding session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}
