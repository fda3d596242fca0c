// Package review holds per-reviewer views of a deal and its pending
// candidate updates.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * time.Minute

// Session is a snapshot of one deal as loaded for review. It is not kept in
// sync with the store; call Refresh after a resolution reports the view is
// stale.
type Session struct {
	ID          string                  `json:"id"`
	DealID      string                  `json:"deal_id"`
	Deal        *model.Deal             `json:"deal"`
	Transcripts []model.Transcript      `json:"transcripts"`
	Pending     []model.CandidateUpdate `json:"pending_updates"`
	LoadedAt    time.Time               `json:"loaded_at"`
}

// Manager caches sessions by id.
type Manager struct {
	store store.Queries
	cache *cache.Cache
}

// NewManager creates a Manager whose sessions expire after ttl without use.
func NewManager(st store.Queries, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store: st,
		cache: cache.New(ttl, ttl*2),
	}
}

// Open loads a new session for the deal.
func (m *Manager) Open(ctx context.Context, dealID string) (*Session, error) {
	s, err := m.load(ctx, uuid.NewString(), dealID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(s.ID, s, cache.DefaultExpiration)
	zap.L().Debug("review: session opened",
		zap.String("session_id", s.ID),
		zap.String("deal_id", dealID),
		zap.Int("pending", len(s.Pending)),
	)
	return s, nil
}

// Get returns a cached session and extends its lifetime.
func (m *Manager) Get(id string) (*Session, error) {
	v, found := m.cache.Get(id)
	if !found {
		return nil, eris.Wrapf(model.ErrNotFound, "review session %s", id)
	}
	s := v.(*Session)
	m.cache.Set(id, s, cache.DefaultExpiration)
	return s, nil
}

// Refresh reloads a session from the store under the same id.
func (m *Manager) Refresh(ctx context.Context, id string) (*Session, error) {
	old, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s, err := m.load(ctx, id, old.DealID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(id, s, cache.DefaultExpiration)
	return s, nil
}

// Close drops a session.
func (m *Manager) Close(id string) {
	m.cache.Delete(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.cache.ItemCount()
}

func (m *Manager) load(ctx context.Context, id, dealID string) (*Session, error) {
	deal, err := m.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	transcripts, err := m.store.ListTranscripts(ctx, store.TranscriptFilter{DealID: dealID})
	if err != nil {
		return nil, err
	}
	pending, err := m.store.ListPendingUpdates(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if transcripts == nil {
		transcripts = []model.Transcript{}
	}
	if pending == nil {
		pending = []model.CandidateUpdate{}
	}
	return &Session{
		ID:          id,
		DealID:      dealID,
		Deal:        deal,
		Transcripts: transcripts,
		Pending:     pending,
		LoadedAt:    time.Now().UTC(),
	}, nil
}
