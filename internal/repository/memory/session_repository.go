package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"policy-renewal-agent/internal/domain"
	"policy-renewal-agent/internal/repository"
)

var _ repository.ReadWriter = (*SessionRepository)(nil)

// SessionRepository keeps session state in process memory. It is used by the
// local console driver and in tests in place of DynamoDB.
type SessionRepository struct {
	cache *cache.Cache

	mu    sync.Mutex
	turns map[string][]domain.Turn
}

// NewSessionRepository creates a repository whose entries expire after ttl
// of inactivity. A non-positive ttl keeps entries forever.
func NewSessionRepository(ttl time.Duration) *SessionRepository {
	expiration := cache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}
	return &SessionRepository{
		cache: cache.New(expiration, 10*time.Minute),
		turns: make(map[string][]domain.Turn),
	}
}

func (r *SessionRepository) LoadState(_ context.Context, sessionID string) (domain.ConversationState, bool, error) {
	x, found := r.cache.Get(sessionID)
	if !found {
		return domain.ConversationState{}, false, nil
	}
	state, ok := x.(domain.ConversationState)
	if !ok {
		return domain.ConversationState{}, false, errors.New("memory: cached value is not a conversation state")
	}
	return state, true, nil
}

func (r *SessionRepository) SaveState(_ context.Context, state domain.ConversationState) error {
	if strings.TrimSpace(state.SessionID) == "" {
		return errors.New("memory: SaveState: session id is required")
	}
	state.LastActivity = time.Now().UTC().Format(time.RFC3339)
	r.cache.Set(state.SessionID, state, cache.DefaultExpiration)
	return nil
}

func (r *SessionRepository) SaveTurn(ctx context.Context, state domain.ConversationState, turn domain.Turn) error {
	if err := r.SaveState(ctx, state); err != nil {
		return err
	}
	turn.SessionID = state.SessionID
	r.mu.Lock()
	r.turns[state.SessionID] = append(r.turns[state.SessionID], turn)
	r.mu.Unlock()
	return nil
}

// Transcript returns the turns recorded for a session, oldest first.
func (r *SessionRepository) Transcript(sessionID string) []domain.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Turn, len(r.turns[sessionID]))
	copy(out, r.turns[sessionID])
	return out
}

// Delete forgets a session.
func (r *SessionRepository) Delete(sessionID string) {
	r.cache.Delete(sessionID)
	r.mu.Lock()
	delete(r.turns, sessionID)
	r.mu.Unlock()
}
