package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seed(t *testing.T, st store.Store) (*model.Deal, []model.CandidateUpdate) {
	t.Helper()
	ctx := context.Background()
	deal, err := st.CreateDeal(ctx, model.FieldValues{"deal_name": "Acme"})
	require.NoError(t, err)
	tr, err := st.CreateTranscript(ctx, model.Transcript{DealID: deal.ID, Text: "call"})
	require.NoError(t, err)
	ups, err := st.InsertUpdates(ctx, []model.CandidateUpdate{
		{DealID: deal.ID, TranscriptID: tr.ID, FieldName: "revenue", NewValue: "1"},
		{DealID: deal.ID, TranscriptID: tr.ID, FieldName: "ebitda", NewValue: "2"},
	})
	require.NoError(t, err)
	return deal, ups
}

func TestManager_OpenGet(t *testing.T) {
	st := newTestStore(t)
	deal, _ := seed(t, st)
	m := NewManager(st, time.Minute)

	s, err := m.Open(context.Background(), deal.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, deal.ID, s.DealID)
	assert.Equal(t, "Acme", s.Deal.Name())
	assert.Len(t, s.Transcripts, 1)
	assert.Len(t, s.Pending, 2)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	other, err := m.Open(context.Background(), deal.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID, "sessions are independent")
}

func TestManager_RefreshAfterResolution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	deal, ups := seed(t, st)
	m := NewManager(st, time.Minute)

	s, err := m.Open(ctx, deal.ID)
	require.NoError(t, err)

	require.NoError(t, st.ResolveUpdate(ctx, ups[0].ID, model.ApprovalRejected))
	assert.Len(t, s.Pending, 2, "a loaded session is a snapshot")

	fresh, err := m.Refresh(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, fresh.ID)
	require.Len(t, fresh.Pending, 1)
	assert.Equal(t, ups[1].ID, fresh.Pending[0].ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestManager_Errors(t *testing.T) {
	st := newTestStore(t)
	m := NewManager(st, 0)

	_, err := m.Open(context.Background(), "missing-deal")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = m.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_CloseAndExpiry(t *testing.T) {
	st := newTestStore(t)
	deal, _ := seed(t, st)

	m := NewManager(st, time.Minute)
	s, err := m.Open(context.Background(), deal.ID)
	require.NoError(t, err)
	m.Close(s.ID)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	short := NewManager(st, 20*time.Millisecond)
	s, err = short.Open(context.Background(), deal.ID)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = short.Get(s.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_EmptyDeal(t *testing.T) {
	st := newTestStore(t)
	deal, err := st.CreateDeal(context.Background(), model.FieldValues{"deal_name": "Empty"})
	require.NoError(t, err)

	s, err := NewManager(st, time.Minute).Open(context.Background(), deal.ID)
	require.NoError(t, err)
	assert.NotNil(t, s.Transcripts)
	assert.NotNil(t, s.Pending)
	assert.Empty(t, s.Pending)
}
