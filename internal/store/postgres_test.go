package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock, nil)
	s.txRetry.InitialBackoff = time.Millisecond
	s.txRetry.MaxBackoff = time.Millisecond
	return s, mock
}

var updateRowCols = []string{
	"id", "deal_id", "transcript_id", "field_name", "old_value", "new_value",
	"confidence_score", "reasoning", "approval_status", "created_at", "resolved_at",
}

func TestPostgresMigration_HasRegistryColumns(t *testing.T) {
	sql := postgresMigration()
	assert.Contains(t, sql, `"revenue" DOUBLE PRECISION`)
	assert.Contains(t, sql, `"expected_close_date" DATE`)
	assert.Contains(t, sql, `"key_risks" TEXT`)
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS extracted_deal_updates")
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS deals`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDeal_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, .* FROM deals WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDeal(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDeal_ScansTypedValues(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := append(append([]string{"id"}, dealColumns()...), "created_at", "updated_at")
	now := time.Now().UTC()
	revenue := 40000.0
	name := "Acme"
	loi := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	row := []any{"d1"}
	for _, f := range model.DealFields.Fields {
		switch f.Key {
		case "revenue":
			row = append(row, &revenue)
		case "deal_name":
			row = append(row, &name)
		case "loi_date":
			row = append(row, &loi)
		default:
			row = append(row, nil)
		}
	}
	row = append(row, now, now)

	mock.ExpectQuery(`SELECT id, .* FROM deals WHERE id = \$1`).
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(row...))

	d, err := s.GetDeal(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 40000.0, d.Get("revenue"))
	assert.Equal(t, "Acme", d.Get("deal_name"))
	assert.Equal(t, loi, d.Get("loi_date"))
	assert.NotContains(t, d.Values, "ebitda")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDealFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE deals SET "revenue" = $1, updated_at = $2 WHERE id = $3`)).
		WithArgs(400000.0, pgxmock.AnyArg(), "d1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateDealFields(context.Background(), "d1", model.FieldValues{"revenue": 400000.0}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDealFields_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE deals SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDealFields(context.Background(), "missing", model.FieldValues{"revenue": 1.0})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDealFields_DBError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE deals SET`).WillReturnError(fmt.Errorf("connection reset"))

	err := s.UpdateDealFields(context.Background(), "d1", model.FieldValues{"revenue": 1.0})
	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Op, "update deal d1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertUpdates_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"extracted_deal_updates"}, updateColumns).WillReturnResult(2)

	out, err := s.InsertUpdates(context.Background(), []model.CandidateUpdate{
		{DealID: "d1", TranscriptID: "t1", FieldName: "revenue", NewValue: "400000", ConfidenceScore: 0.95},
		{DealID: "d1", TranscriptID: "t1", FieldName: "ebitda", NewValue: "80000", ConfidenceScore: 0.7},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].ID, out[1].ID)
	assert.Less(t, out[0].ID, out[1].ID, "ids are time ordered")
	assert.Equal(t, model.ApprovalPending, out[1].ApprovalStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveUpdate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extracted_deal_updates SET approval_status = \$1, resolved_at = \$2 WHERE id = \$3 AND approval_status = 'pending'`).
		WithArgs("approved", pgxmock.AnyArg(), "u1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ResolveUpdate(context.Background(), "u1", model.ApprovalApproved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveUpdate_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extracted_deal_updates SET approval_status`).
		WithArgs("rejected", pgxmock.AnyArg(), "u1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, deal_id, transcript_id, .* FROM extracted_deal_updates WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(updateRowCols).AddRow(
			"u1", "d1", "t1", "revenue", (*string)(nil), "400000",
			0.95, "", model.ApprovalApproved, now, &now,
		))

	err := s.ResolveUpdate(context.Background(), "u1", model.ApprovalRejected)
	var are *model.AlreadyResolvedError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, model.ApprovalApproved, are.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveUpdate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extracted_deal_updates SET approval_status`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM extracted_deal_updates WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := s.ResolveUpdate(context.Background(), "ghost", model.ApprovalApproved)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionTranscript(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE call_transcripts SET extraction_status = \$1`).
		WithArgs("extracted", pgxmock.AnyArg(), pgxmock.AnyArg(), "t1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.TransitionTranscript(context.Background(), "t1", model.TranscriptPending, model.TranscriptExtracted, []byte(`{"updates":[]}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionTranscript_InvalidEdge(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.TransitionTranscript(context.Background(), "t1", model.TranscriptApproved, model.TranscriptPending, nil)
	var ite *model.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingUpdates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	old := "40000"
	mock.ExpectQuery(`WHERE deal_id = \$1 AND approval_status = 'pending' ORDER BY created_at DESC, id DESC`).
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows(updateRowCols).
			AddRow("u2", "d1", "t1", "ebitda", (*string)(nil), "80000", 0.7, "", model.ApprovalPending, now, (*time.Time)(nil)).
			AddRow("u1", "d1", "t1", "revenue", &old, "400000", 0.95, "stated", model.ApprovalPending, now, (*time.Time)(nil)))

	list, err := s.ListPendingUpdates(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u2", list[0].ID)
	require.NotNil(t, list[1].OldValue)
	assert.Equal(t, "40000", *list[1].OldValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_CommitsAndLocks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM call_transcripts WHERE id = \$1 FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "deal_id", "transcript_text", "call_title", "call_date", "extraction_status", "extracted_data", "created_at", "updated_at"}).
			AddRow("t1", "d1", "text", "", now, model.TranscriptExtracted, []byte(nil), now, now))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(q Queries) error {
		tr, err := q.LockTranscript(context.Background(), "t1")
		if err != nil {
			return err
		}
		assert.Equal(t, model.TranscriptExtracted, tr.Status)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE extracted_deal_updates`).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE extracted_deal_updates`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	calls := 0
	err := s.InTx(context.Background(), func(q Queries) error {
		calls++
		return q.ResolveUpdate(context.Background(), "u1", model.ApprovalApproved)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_NoRetryOnDomainError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := s.InTx(context.Background(), func(q Queries) error {
		calls++
		return &model.StaleUpdateError{ID: "u1"}
	})
	var se *model.StaleUpdateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertDeals_UnknownField(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.UpsertDeals(context.Background(), []string{"pricing"}, []model.Deal{{ID: "d1"}})
	var ue *model.UnknownFieldError
	require.ErrorAs(t, err, &ue)
	assert.NoError(t, mock.ExpectationsWereMet())
}
