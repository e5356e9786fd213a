package session

import (
	"context"
	"sync"
	"time"

	"github.com/formweaver/formweaver/internal/models"
)

// InMemoryStore is a process-local session store with the same sliding-TTL
// semantics as RedisStore. Used for tests and dev-mode runs without Redis.
type InMemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]*memorySession
}

type memorySession struct {
	turns     []models.ConversationTurn
	expiresAt time.Time
}

// NewInMemoryStore creates an in-memory session store with the default TTL.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &InMemoryStore{
		ttl:  cfg.TTL,
		now:  time.Now,
		data: make(map[string]*memorySession),
	}
}

// Append adds one turn and refreshes the session expiry.
func (s *InMemoryStore) Append(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[sessionID]
	if !ok || s.now().After(sess.expiresAt) {
		sess = &memorySession{}
		s.data[sessionID] = sess
	}
	sess.turns = append(sess.turns, turn)
	sess.expiresAt = s.now().Add(s.ttl)
	return nil
}

// Read returns a copy of the transcript, or an empty transcript for absent or
// expired sessions.
func (s *InMemoryStore) Read(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[sessionID]
	if !ok {
		return []models.ConversationTurn{}, nil
	}
	if s.now().After(sess.expiresAt) {
		delete(s.data, sessionID)
		return []models.ConversationTurn{}, nil
	}
	transcript := make([]models.ConversationTurn, len(sess.turns))
	copy(transcript, sess.turns)
	return transcript, nil
}

// Delete removes the session; idempotent.
func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
