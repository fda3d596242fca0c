package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dealflow-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers so conditional updates never race.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}, nil
}

func sqliteMigration() string {
	var cols strings.Builder
	for _, f := range model.DealFields.Fields {
		// Dates are stored as YYYY-MM-DD text so the driver never reinterprets them.
		sqlType := "TEXT"
		if f.Type == model.FieldNumber {
			sqlType = "REAL"
		}
		fmt.Fprintf(&cols, "\t%q %s,\n", f.Key, sqlType)
	}

	return `
CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
` + cols.String() + `	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);

CREATE TABLE IF NOT EXISTS call_transcripts (
	id                TEXT PRIMARY KEY,
	deal_id           TEXT NOT NULL,
	transcript_text   TEXT NOT NULL,
	call_title        TEXT NOT NULL DEFAULT '',
	call_date         DATETIME NOT NULL,
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	extracted_data    TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_deal_id ON call_transcripts(deal_id);

CREATE TABLE IF NOT EXISTS extracted_deal_updates (
	id               TEXT PRIMARY KEY,
	deal_id          TEXT NOT NULL,
	transcript_id    TEXT NOT NULL,
	field_name       TEXT NOT NULL,
	old_value        TEXT,
	new_value        TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	reasoning        TEXT NOT NULL DEFAULT '',
	approval_status  TEXT NOT NULL DEFAULT 'pending',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_updates_deal_pending ON extracted_deal_updates(deal_id, approval_status);
CREATE INDEX IF NOT EXISTS idx_updates_transcript ON extracted_deal_updates(transcript_id, approval_status);
`
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration())
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("sqlite: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteQueries{q: tx}); err != nil {
		return err
	}
	return persistErr("sqlite: commit tx", tx.Commit())
}

// UpsertDeals inserts or updates deals by id, writing only the listed fields.
func (s *SQLiteStore) UpsertDeals(ctx context.Context, fields []string, deals []model.Deal) (int64, error) {
	for _, k := range fields {
		if model.DealFields.ByKey(k) == nil {
			return 0, &model.UnknownFieldError{Field: k}
		}
	}
	if len(deals) == 0 {
		return 0, nil
	}

	cols := append(append([]string{"id"}, fields...), "created_at", "updated_at")
	sets := make([]string, 0, len(fields)+1)
	for _, k := range fields {
		sets = append(sets, fmt.Sprintf("%q = excluded.%q", k, k))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	query := fmt.Sprintf(`INSERT INTO deals (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		quoteSQLiteIdents(cols),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(sets, ", "),
	)

	var n int64
	err := s.InTx(ctx, func(q Queries) error {
		tx := q.(sqliteQueries).q
		now := time.Now().UTC()
		for _, d := range deals {
			id := d.ID
			if id == "" {
				id = uuid.New().String()
			}
			args := make([]any, 0, len(cols))
			args = append(args, id)
			for _, k := range fields {
				args = append(args, sqliteValue(d.Get(k)))
			}
			args = append(args, now, now)

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return persistErr("sqlite: upsert deal "+id, err)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements Queries over a database handle or a transaction.
type sqliteQueries struct {
	q sqlExecer
}

func (s sqliteQueries) CreateDeal(ctx context.Context, values model.FieldValues) (*model.Deal, error) {
	keys, err := sortedFieldKeys(values)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	cols := []string{"id"}
	args := []any{id}
	for _, k := range keys {
		cols = append(cols, k)
		args = append(args, sqliteValue(values[k]))
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	query := fmt.Sprintf(`INSERT INTO deals (%s) VALUES (%s)`,
		quoteSQLiteIdents(cols), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return nil, persistErr("sqlite: insert deal", err)
	}
	return &model.Deal{ID: id, Values: compactValues(values), CreatedAt: now, UpdatedAt: now}, nil
}

func (s sqliteQueries) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = ?`, sqliteDealSelectList())
	d, err := scanSQLiteDeal(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "deal %s", id)
		}
		return nil, persistErr("sqlite: get deal "+id, err)
	}
	return d, nil
}

func (s sqliteQueries) ListDeals(ctx context.Context, filter model.DealFilter) ([]model.Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE 1=1`, sqliteDealSelectList())
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Sector != "" {
		query += ` AND sector = ?`
		args = append(args, filter.Sector)
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("sqlite: list deals", err)
	}
	defer rows.Close() //nolint:errcheck

	var deals []model.Deal
	for rows.Next() {
		d, err := scanSQLiteDeal(rows)
		if err != nil {
			return nil, persistErr("sqlite: scan deal", err)
		}
		deals = append(deals, *d)
	}
	return deals, persistErr("sqlite: list deals iterate", rows.Err())
}

func (s sqliteQueries) UpdateDealFields(ctx context.Context, id string, values model.FieldValues) error {
	keys, err := sortedFieldKeys(values)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("%q = ?", k))
		args = append(args, sqliteValue(values[k]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE deals SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return persistErr("sqlite: update deal "+id, err)
	}
	return checkRowsAffected(res, "deal", id)
}

func (s sqliteQueries) CreateTranscript(ctx context.Context, t model.Transcript) (*model.Transcript, error) {
	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.Status = model.TranscriptPending
	t.ExtractedData = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.CallDate.IsZero() {
		t.CallDate = now
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO call_transcripts (id, deal_id, transcript_text, call_title, call_date, extraction_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DealID, t.Text, t.Title, t.CallDate.UTC(), string(t.Status), now, now,
	)
	if err != nil {
		return nil, persistErr("sqlite: insert transcript", err)
	}
	return &t, nil
}

const sqliteTranscriptCols = `id, deal_id, transcript_text, call_title, call_date, extraction_status, extracted_data, created_at, updated_at`

func (s sqliteQueries) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	t, err := scanSQLiteTranscript(s.q.QueryRowContext(ctx,
		`SELECT `+sqliteTranscriptCols+` FROM call_transcripts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "transcript %s", id)
		}
		return nil, persistErr("sqlite: get transcript "+id, err)
	}
	return t, nil
}

// LockTranscript is a plain read; SQLite transactions already serialize writers.
func (s sqliteQueries) LockTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	return s.GetTranscript(ctx, id)
}

func (s sqliteQueries) ListTranscripts(ctx context.Context, filter TranscriptFilter) ([]model.Transcript, error) {
	query := `SELECT ` + sqliteTranscriptCols + ` FROM call_transcripts WHERE 1=1`
	args := []any{}

	if filter.DealID != "" {
		query += ` AND deal_id = ?`
		args = append(args, filter.DealID)
	}
	if filter.Status != "" {
		query += ` AND extraction_status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("sqlite: list transcripts", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Transcript
	for rows.Next() {
		t, err := scanSQLiteTranscript(rows)
		if err != nil {
			return nil, persistErr("sqlite: scan transcript", err)
		}
		out = append(out, *t)
	}
	return out, persistErr("sqlite: list transcripts iterate", rows.Err())
}

func (s sqliteQueries) TransitionTranscript(ctx context.Context, id string, from, to model.TranscriptStatus, extracted json.RawMessage) error {
	if !model.CanTransition(from, to) {
		return &model.InvalidTransitionError{ID: id, From: from, To: to}
	}

	var data any
	if extracted != nil {
		data = string(extracted)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE call_transcripts SET extraction_status = ?, extracted_data = COALESCE(?, extracted_data), updated_at = ? WHERE id = ? AND extraction_status = ?`,
		string(to), data, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return persistErr("sqlite: transition transcript "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("sqlite: rows affected", err)
	}
	if n == 0 {
		return transitionMismatch(ctx, s, id, to)
	}
	return nil
}

func (s sqliteQueries) InsertUpdates(ctx context.Context, updates []model.CandidateUpdate) ([]model.CandidateUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	// Outside a transaction, wrap the batch in one so it is all-or-nothing.
	if db, ok := s.q.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, persistErr("sqlite: begin tx", err)
		}
		defer tx.Rollback() //nolint:errcheck
		out, err := sqliteQueries{q: tx}.InsertUpdates(ctx, updates)
		if err != nil {
			return nil, err
		}
		return out, persistErr("sqlite: commit tx", tx.Commit())
	}

	now := time.Now().UTC()
	out := make([]model.CandidateUpdate, len(updates))
	for i, u := range updates {
		u.ID = newLedgerID()
		u.ApprovalStatus = model.ApprovalPending
		u.CreatedAt = now
		u.ResolvedAt = nil

		_, err := s.q.ExecContext(ctx,
			`INSERT INTO extracted_deal_updates (id, deal_id, transcript_id, field_name, old_value, new_value, confidence_score, reasoning, approval_status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.DealID, u.TranscriptID, u.FieldName, u.OldValue, u.NewValue,
			u.ConfidenceScore, u.Reasoning, string(u.ApprovalStatus), u.CreatedAt,
		)
		if err != nil {
			return nil, persistErr("sqlite: insert update", err)
		}
		out[i] = u
	}
	return out, nil
}

const sqliteUpdateCols = `id, deal_id, transcript_id, field_name, old_value, new_value, confidence_score, reasoning, approval_status, created_at, resolved_at`

func (s sqliteQueries) GetUpdate(ctx context.Context, id string) (*model.CandidateUpdate, error) {
	u, err := scanSQLiteUpdate(s.q.QueryRowContext(ctx,
		`SELECT `+sqliteUpdateCols+` FROM extracted_deal_updates WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "candidate update %s", id)
		}
		return nil, persistErr("sqlite: get update "+id, err)
	}
	return u, nil
}

func (s sqliteQueries) ListPendingUpdates(ctx context.Context, dealID string) ([]model.CandidateUpdate, error) {
	return s.listUpdates(ctx, "sqlite: list pending updates",
		`SELECT `+sqliteUpdateCols+` FROM extracted_deal_updates WHERE deal_id = ? AND approval_status = 'pending' ORDER BY created_at DESC, id DESC`,
		dealID)
}

func (s sqliteQueries) ListTranscriptUpdates(ctx context.Context, transcriptID string) ([]model.CandidateUpdate, error) {
	return s.listUpdates(ctx, "sqlite: list transcript updates",
		`SELECT `+sqliteUpdateCols+` FROM extracted_deal_updates WHERE transcript_id = ? ORDER BY created_at, id`,
		transcriptID)
}

func (s sqliteQueries) listUpdates(ctx context.Context, op, query, arg string) ([]model.CandidateUpdate, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CandidateUpdate
	for rows.Next() {
		u, err := scanSQLiteUpdate(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, *u)
	}
	return out, persistErr(op, rows.Err())
}

func (s sqliteQueries) ResolveUpdate(ctx context.Context, id string, outcome model.ApprovalStatus) error {
	if !outcome.Terminal() {
		return &model.ValidationError{Field: "outcome", Message: fmt.Sprintf("must be approved or rejected, got %q", outcome)}
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE extracted_deal_updates SET approval_status = ?, resolved_at = ? WHERE id = ? AND approval_status = 'pending'`,
		string(outcome), time.Now().UTC(), id,
	)
	if err != nil {
		return persistErr("sqlite: resolve update "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("sqlite: rows affected", err)
	}
	if n == 0 {
		return resolvedOrMissing(ctx, s, id)
	}
	return nil
}

func (s sqliteQueries) CountUpdates(ctx context.Context, transcriptID string, status model.ApprovalStatus) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM extracted_deal_updates WHERE transcript_id = ? AND approval_status = ?`,
		transcriptID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, persistErr("sqlite: count updates", err)
	}
	return n, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("sqlite: rows affected", err)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// sqliteValue converts a typed field value to its stored form.
func sqliteValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(model.DateLayout)
	}
	return v
}

func quoteSQLiteIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

func sqliteDealSelectList() string {
	return "id, " + quoteSQLiteIdents(dealColumns()) + ", created_at, updated_at"
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteDeal(row scannable) (*model.Deal, error) {
	var d model.Deal
	fieldDest := make([]any, len(model.DealFields.Fields))
	for i, f := range model.DealFields.Fields {
		if f.Type == model.FieldNumber {
			fieldDest[i] = new(sql.NullFloat64)
		} else {
			fieldDest[i] = new(sql.NullString)
		}
	}

	dest := make([]any, 0, len(fieldDest)+3)
	dest = append(dest, &d.ID)
	dest = append(dest, fieldDest...)
	dest = append(dest, &d.CreatedAt, &d.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	d.Values = make(model.FieldValues)
	for i, f := range model.DealFields.Fields {
		switch v := fieldDest[i].(type) {
		case *sql.NullFloat64:
			if v.Valid {
				d.Values[f.Key] = v.Float64
			}
		case *sql.NullString:
			if !v.Valid {
				continue
			}
			if f.Type == model.FieldDate {
				t, err := model.ParseDate(f.Key, v.String)
				if err != nil {
					return nil, err
				}
				d.Values[f.Key] = t
				continue
			}
			d.Values[f.Key] = v.String
		}
	}
	return &d, nil
}

func scanSQLiteTranscript(row scannable) (*model.Transcript, error) {
	var t model.Transcript
	var status string
	var data sql.NullString
	if err := row.Scan(&t.ID, &t.DealID, &t.Text, &t.Title, &t.CallDate, &status, &data, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TranscriptStatus(status)
	if data.Valid && data.String != "" {
		t.ExtractedData = json.RawMessage(data.String)
	}
	return &t, nil
}

func scanSQLiteUpdate(row scannable) (*model.CandidateUpdate, error) {
	var u model.CandidateUpdate
	var status string
	var oldValue sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&u.ID, &u.DealID, &u.TranscriptID, &u.FieldName, &oldValue, &u.NewValue,
		&u.ConfidenceScore, &u.Reasoning, &status, &u.CreatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	u.ApprovalStatus = model.ApprovalStatus(status)
	if oldValue.Valid {
		v := oldValue.String
		u.OldValue = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		u.ResolvedAt = &t
	}
	return &u, nil
}
