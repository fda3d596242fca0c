package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

type fixture struct {
	store store.Store
	svc   *Service
	deal  *model.Deal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	deal, err := st.CreateDeal(context.Background(), model.FieldValues{
		"deal_name": "Acme Dental",
		"revenue":   40000.0,
		"status":    "Screening",
	})
	require.NoError(t, err)
	return &fixture{store: st, svc: New(st, m), deal: deal}
}

type proposal struct {
	field, value string
}

// extracted creates an extracted transcript with the given pending updates,
// returned in insertion order.
func (f *fixture) extracted(t *testing.T, props ...proposal) (*model.Transcript, []model.CandidateUpdate) {
	t.Helper()
	ctx := context.Background()

	tr, err := f.store.CreateTranscript(ctx, model.Transcript{DealID: f.deal.ID, Text: "call"})
	require.NoError(t, err)

	rows := make([]model.CandidateUpdate, len(props))
	for i, p := range props {
		rows[i] = model.CandidateUpdate{
			DealID:          f.deal.ID,
			TranscriptID:    tr.ID,
			FieldName:       p.field,
			NewValue:        p.value,
			ConfidenceScore: 0.9,
		}
	}
	var out []model.CandidateUpdate
	require.NoError(t, f.store.InTx(ctx, func(q store.Queries) error {
		var err error
		if out, err = q.InsertUpdates(ctx, rows); err != nil {
			return err
		}
		return q.TransitionTranscript(ctx, tr.ID, model.TranscriptPending, model.TranscriptExtracted, []byte(`{"updates":[]}`))
	}))
	return tr, out
}

func (f *fixture) transcriptStatus(t *testing.T, id string) model.TranscriptStatus {
	t.Helper()
	tr, err := f.store.GetTranscript(context.Background(), id)
	require.NoError(t, err)
	return tr.Status
}

func (f *fixture) dealValue(t *testing.T, key string) any {
	t.Helper()
	d, err := f.store.GetDeal(context.Background(), f.deal.ID)
	require.NoError(t, err)
	return d.Get(key)
}

func (f *fixture) pending(t *testing.T) []model.CandidateUpdate {
	t.Helper()
	p, err := f.store.ListPendingUpdates(context.Background(), f.deal.ID)
	require.NoError(t, err)
	return p
}

func TestApproveOne_RevenueScenario(t *testing.T) {
	f := newFixture(t)
	tr, ups := f.extracted(t, proposal{"revenue", "400000"})

	res, err := f.svc.ApproveOne(context.Background(), ups[0].ID, nil)
	require.NoError(t, err)

	assert.Equal(t, model.ApprovalApproved, res.Update.ApprovalStatus)
	assert.NotNil(t, res.Update.ResolvedAt)
	assert.Equal(t, model.FieldValues{"revenue": 400000.0}, res.Applied)
	assert.Equal(t, model.TranscriptApproved, res.Transcript)

	assert.Equal(t, 400000.0, f.dealValue(t, "revenue"))
	assert.Equal(t, "Screening", f.dealValue(t, "status"), "other fields untouched")
	assert.Equal(t, model.TranscriptApproved, f.transcriptStatus(t, tr.ID))
	assert.Empty(t, f.pending(t))
}

func TestApproveOne_DoubleApprovalNoExtraEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ups := f.extracted(t, proposal{"revenue", "500000"}, proposal{"ebitda", "90000"})

	_, err := f.svc.ApproveOne(ctx, ups[0].ID, nil)
	require.NoError(t, err)
	before, err := f.store.GetDeal(ctx, f.deal.ID)
	require.NoError(t, err)

	_, err = f.svc.ApproveOne(ctx, ups[0].ID, nil)
	var are *model.AlreadyResolvedError
	require.True(t, errors.As(err, &are))
	assert.Equal(t, model.ApprovalApproved, are.Status)

	_, err = f.svc.RejectOne(ctx, ups[0].ID)
	require.True(t, errors.As(err, &are))

	after, err := f.store.GetDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Values, after.Values)
	assert.Equal(t, 500000.0, after.Get("revenue"))

	got, err := f.store.GetUpdate(ctx, ups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.ApprovalStatus)
}

func TestApproveOne_ConcurrentAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ups := f.extracted(t, proposal{"revenue", "500000"})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ApproveOne(ctx, ups[0].ID, nil)
		}(i)
	}
	wg.Wait()

	succeeded, noops := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case model.IsAlreadyResolved(err):
			noops++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, noops)
	assert.Equal(t, 500000.0, f.dealValue(t, "revenue"))
}

func TestApproveOne_CoercionFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, ups := f.extracted(t, proposal{"revenue", "about half a million"})

	_, err := f.svc.ApproveOne(ctx, ups[0].ID, nil)
	var ce *model.CoercionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "revenue", ce.Field)

	got, err := f.store.GetUpdate(ctx, ups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.ApprovalStatus)
	assert.Equal(t, 40000.0, f.dealValue(t, "revenue"))
	assert.Equal(t, model.TranscriptExtracted, f.transcriptStatus(t, tr.ID))
}

func TestApproveOne_UnknownField(t *testing.T) {
	f := newFixture(t)
	_, ups := f.extracted(t, proposal{"board_seats", "3"})

	_, err := f.svc.ApproveOne(context.Background(), ups[0].ID, nil)
	var ue *model.UnknownFieldError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "board_seats", ue.Field)
	assert.Len(t, f.pending(t), 1)

	// Unknown fields can still be rejected.
	res, err := f.svc.RejectOne(context.Background(), ups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TranscriptRejected, res.Transcript)
}

func TestApproveOne_Stale(t *testing.T) {
	f := newFixture(t)
	_, ups := f.extracted(t, proposal{"revenue", "400000"})

	_, err := f.svc.ApproveOne(context.Background(), ups[0].ID, &Expect{FieldName: "revenue", NewValue: "450000"})
	var se *model.StaleUpdateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 40000.0, f.dealValue(t, "revenue"))

	_, err = f.svc.ApproveOne(context.Background(), ups[0].ID, &Expect{FieldName: "revenue", NewValue: "400000"})
	require.NoError(t, err)
}

func TestApproveOne_PartialExpectation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ups := f.extracted(t,
		proposal{"revenue", "400000"},
		proposal{"ebitda", "85000"},
		proposal{"status", "LOI Signed"},
	)

	_, err := f.svc.ApproveOne(ctx, ups[0].ID, &Expect{FieldName: "revenue"})
	require.NoError(t, err)
	assert.Equal(t, 400000.0, f.dealValue(t, "revenue"))

	_, err = f.svc.ApproveOne(ctx, ups[1].ID, &Expect{NewValue: "85000"})
	require.NoError(t, err)
	assert.Equal(t, 85000.0, f.dealValue(t, "ebitda"))

	var se *model.StaleUpdateError
	_, err = f.svc.ApproveOne(ctx, ups[2].ID, &Expect{FieldName: "deal_stage"})
	require.True(t, errors.As(err, &se))
	_, err = f.svc.ApproveOne(ctx, ups[2].ID, &Expect{NewValue: "Closed"})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Screening", f.dealValue(t, "status"))
	assert.Len(t, f.pending(t), 1)
}

func TestApproveOne_DateField(t *testing.T) {
	f := newFixture(t)
	_, ups := f.extracted(t, proposal{"expected_close_date", "March 31, 2026"})

	res, err := f.svc.ApproveOne(context.Background(), ups[0].ID, nil)
	require.NoError(t, err)
	want := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want, res.Applied["expected_close_date"])

	got, ok := f.dealValue(t, "expected_close_date").(time.Time)
	require.True(t, ok)
	assert.True(t, want.Equal(got))
}

func TestApproveOne_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApproveOne(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.RejectOne(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSettle_WaitsForLastPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, ups := f.extracted(t, proposal{"revenue", "1"}, proposal{"ebitda", "2"}, proposal{"arr", "3"})

	res, err := f.svc.RejectOne(ctx, ups[0].ID)
	require.NoError(t, err)
	assert.Empty(t, res.Transcript)
	assert.Equal(t, model.TranscriptExtracted, f.transcriptStatus(t, tr.ID))

	res, err = f.svc.ApproveOne(ctx, ups[1].ID, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Transcript)

	res, err = f.svc.RejectOne(ctx, ups[2].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TranscriptApproved, res.Transcript, "any approval settles as approved")
	assert.Equal(t, model.TranscriptApproved, f.transcriptStatus(t, tr.ID))
}

func TestSettle_AllRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, ups := f.extracted(t, proposal{"revenue", "1"}, proposal{"ebitda", "2"})

	for _, u := range ups {
		_, err := f.svc.RejectOne(ctx, u.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, model.TranscriptRejected, f.transcriptStatus(t, tr.ID))
	assert.Equal(t, 40000.0, f.dealValue(t, "revenue"))
}

func TestApproveAll_TwoTranscripts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr1, _ := f.extracted(t, proposal{"revenue", "400000"}, proposal{"ebitda", "$85k"})
	tr2, _ := f.extracted(t, proposal{"status", "LOI Signed"}, proposal{"loi_date", "2025-10-01"})

	report, err := f.svc.ApproveAll(ctx, f.deal.ID)
	require.NoError(t, err)

	assert.Len(t, report.Resolved, 4)
	assert.Empty(t, report.AlreadyResolved)
	assert.Equal(t, model.TranscriptApproved, report.Transcripts[tr1.ID])
	assert.Equal(t, model.TranscriptApproved, report.Transcripts[tr2.ID])

	assert.Empty(t, f.pending(t))
	assert.Equal(t, model.TranscriptApproved, f.transcriptStatus(t, tr1.ID))
	assert.Equal(t, model.TranscriptApproved, f.transcriptStatus(t, tr2.ID))

	assert.Equal(t, 400000.0, f.dealValue(t, "revenue"))
	assert.Equal(t, 85000.0, f.dealValue(t, "ebitda"))
	assert.Equal(t, "LOI Signed", f.dealValue(t, "status"))
}

func TestApproveAll_OlderProposalWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, older := f.extracted(t, proposal{"revenue", "100000"})
	_, newer := f.extracted(t, proposal{"revenue", "200000"})

	listed := f.pending(t)
	require.Len(t, listed, 2)
	assert.Equal(t, newer[0].ID, listed[0].ID, "pending rows list newest first")
	assert.Equal(t, older[0].ID, listed[1].ID)

	report, err := f.svc.ApproveAll(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, report.Applied["revenue"])
	assert.Equal(t, 100000.0, f.dealValue(t, "revenue"))
}

func TestApproveAll_BadRowAbortsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, ups := f.extracted(t, proposal{"revenue", "400000"}, proposal{"ebitda", "n/a"})

	_, err := f.svc.ApproveAll(ctx, f.deal.ID)
	var ce *model.CoercionError
	require.True(t, errors.As(err, &ce))
	var blk *model.BlockedUpdateError
	require.True(t, errors.As(err, &blk))
	assert.Equal(t, ups[1].ID, blk.ID)

	assert.Len(t, f.pending(t), 2)
	assert.Equal(t, 40000.0, f.dealValue(t, "revenue"))
	assert.Equal(t, model.TranscriptExtracted, f.transcriptStatus(t, tr.ID))
}

func TestApproveAll_UnknownFieldNamesBlockingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ups := f.extracted(t, proposal{"revenue", "400000"}, proposal{"mystery_field", "x"})

	_, err := f.svc.ApproveAll(ctx, f.deal.ID)
	var blk *model.BlockedUpdateError
	require.True(t, errors.As(err, &blk))
	assert.Equal(t, ups[1].ID, blk.ID)
	assert.Contains(t, err.Error(), ups[1].ID)
	var ufe *model.UnknownFieldError
	require.True(t, errors.As(err, &ufe))
	assert.Equal(t, "mystery_field", ufe.Field)

	// Rejecting the blocking row unblocks the batch.
	_, err = f.svc.RejectOne(ctx, blk.ID)
	require.NoError(t, err)
	report, err := f.svc.ApproveAll(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ups[0].ID}, report.Resolved)
	assert.Equal(t, 400000.0, f.dealValue(t, "revenue"))
}

func TestApproveAll_EmptyIsNoop(t *testing.T) {
	f := newFixture(t)
	report, err := f.svc.ApproveAll(context.Background(), f.deal.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Resolved)
	assert.Empty(t, report.Applied)

	report, err = f.svc.RejectAll(context.Background(), f.deal.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Resolved)

	_, err = f.svc.ApproveAll(context.Background(), "no-such-deal")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRejectAll_NeverTouchesDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.store.GetDeal(ctx, f.deal.ID)
	require.NoError(t, err)

	tr1, _ := f.extracted(t, proposal{"revenue", "400000"})
	tr2, _ := f.extracted(t, proposal{"status", "Dead"}, proposal{"ebitda", "1"})

	report, err := f.svc.RejectAll(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Len(t, report.Resolved, 3)
	assert.Equal(t, model.TranscriptRejected, report.Transcripts[tr1.ID])
	assert.Equal(t, model.TranscriptRejected, report.Transcripts[tr2.ID])

	after, err := f.store.GetDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Values, after.Values)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Empty(t, f.pending(t))
}

func TestResolveBatch_SkipAndContinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ups := f.extracted(t,
		proposal{"revenue", "400000"},
		proposal{"ebitda", "not a number"},
		proposal{"arr", "1.2M"},
	)

	_, err := f.svc.RejectOne(ctx, ups[2].ID)
	require.NoError(t, err)

	report, err := f.svc.ResolveBatch(ctx, []string{ups[0].ID, ups[1].ID, ups[2].ID, "ghost", ups[0].ID}, model.ApprovalApproved)
	require.NoError(t, err)

	assert.Equal(t, []string{ups[0].ID}, report.Resolved)
	assert.Equal(t, []string{ups[2].ID, ups[0].ID}, report.AlreadyResolved)
	assert.Equal(t, []string{"ghost"}, report.NotFound)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, ups[1].ID, report.Failed[0].ID)
	assert.Contains(t, report.Failed[0].Error, "ebitda")
	assert.Equal(t, 400000.0, report.Applied["revenue"])

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, ups[1].ID, pending[0].ID)
}

func TestResolveBatch_RejectSettles(t *testing.T) {
	f := newFixture(t)
	tr, ups := f.extracted(t, proposal{"revenue", "1"}, proposal{"ebitda", "2"})

	report, err := f.svc.ResolveBatch(context.Background(), []string{ups[0].ID, ups[1].ID}, model.ApprovalRejected)
	require.NoError(t, err)
	assert.Len(t, report.Resolved, 2)
	assert.Equal(t, model.TranscriptRejected, report.Transcripts[tr.ID])
}

func TestResolveBatch_InvalidOutcome(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ResolveBatch(context.Background(), []string{"x"}, model.ApprovalPending)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
}
