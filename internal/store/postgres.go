package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dealflow-cli/internal/db"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
	txRetry resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlGetTranscript = `SELECT id, deal_id, transcript_text, call_title, call_date, extraction_status, extracted_data, created_at, updated_at FROM call_transcripts WHERE id = $1`

	sqlTransitionTranscript = `UPDATE call_transcripts SET extraction_status = $1, extracted_data = COALESCE($2, extracted_data), updated_at = $3 WHERE id = $4 AND extraction_status = $5`

	sqlGetUpdate = `SELECT id, deal_id, transcript_id, field_name, old_value, new_value, confidence_score, reasoning, approval_status, created_at, resolved_at FROM extracted_deal_updates WHERE id = $1`

	sqlListPendingUpdates = `SELECT id, deal_id, transcript_id, field_name, old_value, new_value, confidence_score, reasoning, approval_status, created_at, resolved_at FROM extracted_deal_updates WHERE deal_id = $1 AND approval_status = 'pending' ORDER BY created_at DESC, id DESC`

	sqlListTranscriptUpdates = `SELECT id, deal_id, transcript_id, field_name, old_value, new_value, confidence_score, reasoning, approval_status, created_at, resolved_at FROM extracted_deal_updates WHERE transcript_id = $1 ORDER BY created_at, id`

	sqlResolveUpdate = `UPDATE extracted_deal_updates SET approval_status = $1, resolved_at = $2 WHERE id = $3 AND approval_status = 'pending'`

	sqlCountUpdates = `SELECT count(*) FROM extracted_deal_updates WHERE transcript_id = $1 AND approval_status = $2`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the ledger hot path.
var preparedStatements = map[string]string{
	"get_transcript":          sqlGetTranscript,
	"transition_transcript":   sqlTransitionTranscript,
	"get_update":              sqlGetUpdate,
	"list_pending_updates":    sqlListPendingUpdates,
	"list_transcript_updates": sqlListTranscriptUpdates,
	"resolve_update":          sqlResolveUpdate,
	"count_updates":           sqlCountUpdates,
}

// updateColumns is the COPY column order for ledger inserts.
var updateColumns = []string{
	"id", "deal_id", "transcript_id", "field_name", "old_value", "new_value",
	"confidence_score", "reasoning", "approval_status", "created_at",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pgQueries: pgQueries{q: pool},
		pool:      pool,
		closeFn:   closeFn,
		txRetry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 25 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			Multiplier:     2.0,
			JitterFraction: 0.25,
			ShouldRetry:    db.IsSerializationConflict,
			OnRetry:        resilience.RetryLogger("postgres", "tx"),
		},
	}
}

func postgresMigration() string {
	var cols strings.Builder
	for _, f := range model.DealFields.Fields {
		sqlType := "TEXT"
		switch f.Type {
		case model.FieldNumber:
			sqlType = "DOUBLE PRECISION"
		case model.FieldDate:
			sqlType = "DATE"
		}
		fmt.Fprintf(&cols, "\t%s %s,\n", pgx.Identifier{f.Key}.Sanitize(), sqlType)
	}

	return `
CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
` + cols.String() + `	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals(created_at DESC);

CREATE TABLE IF NOT EXISTS call_transcripts (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	deal_id           TEXT NOT NULL,
	transcript_text   TEXT NOT NULL,
	call_title        TEXT NOT NULL DEFAULT '',
	call_date         TIMESTAMPTZ NOT NULL DEFAULT now(),
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	extracted_data    JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_deal_id ON call_transcripts(deal_id);
CREATE INDEX IF NOT EXISTS idx_call_transcripts_status ON call_transcripts(extraction_status);

CREATE TABLE IF NOT EXISTS extracted_deal_updates (
	id               TEXT PRIMARY KEY,
	deal_id          TEXT NOT NULL,
	transcript_id    TEXT NOT NULL,
	field_name       TEXT NOT NULL,
	old_value        TEXT,
	new_value        TEXT NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	reasoning        TEXT NOT NULL DEFAULT '',
	approval_status  TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_updates_deal_pending ON extracted_deal_updates(deal_id, approval_status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_updates_transcript ON extracted_deal_updates(transcript_id, approval_status);
`
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration())
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn in a transaction, retrying the whole transaction on
// serialization failure or deadlock.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return resilience.Do(ctx, s.txRetry, func(ctx context.Context) error {
		return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(pgQueries{q: tx, locking: true})
		})
	})
}

// UpsertDeals bulk-merges deals by id through a COPY-loaded temp table.
func (s *PostgresStore) UpsertDeals(ctx context.Context, fields []string, deals []model.Deal) (int64, error) {
	for _, k := range fields {
		if model.DealFields.ByKey(k) == nil {
			return 0, &model.UnknownFieldError{Field: k}
		}
	}

	now := time.Now().UTC()
	columns := append(append([]string{"id"}, fields...), "created_at", "updated_at")
	rows := make([][]any, 0, len(deals))
	for _, d := range deals {
		id := d.ID
		if id == "" {
			id = uuid.New().String()
		}
		row := make([]any, 0, len(columns))
		row = append(row, id)
		for _, k := range fields {
			row = append(row, d.Get(k))
		}
		row = append(row, now, now)
		rows = append(rows, row)
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "deals",
		Columns:      columns,
		ConflictKeys: []string{"id"},
		UpdateCols:   append(append([]string{}, fields...), "updated_at"),
	}, rows)
	if err != nil {
		return 0, persistErr("postgres: upsert deals", err)
	}
	return n, nil
}

// pgQueries implements Queries over a pool or a transaction.
type pgQueries struct {
	q db.Querier
	// locking enables row locks; only meaningful inside a transaction.
	locking bool
}

func (p pgQueries) CreateDeal(ctx context.Context, values model.FieldValues) (*model.Deal, error) {
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
		args = append(args, values[k])
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO deals (%s) VALUES (%s)`, quoteIdents(cols), strings.Join(placeholders, ", "))
	if _, err := p.q.Exec(ctx, query, args...); err != nil {
		return nil, persistErr("postgres: insert deal", err)
	}

	return &model.Deal{ID: id, Values: compactValues(values), CreatedAt: now, UpdatedAt: now}, nil
}

func (p pgQueries) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = $1`, dealSelectList())
	d, err := scanDeal(p.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "deal %s", id)
		}
		return nil, persistErr("postgres: get deal "+id, err)
	}
	return d, nil
}

func (p pgQueries) ListDeals(ctx context.Context, filter model.DealFilter) ([]model.Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE true`, dealSelectList())
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Sector != "" {
		query += fmt.Sprintf(` AND sector = $%d`, argIdx)
		args = append(args, filter.Sector)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("postgres: list deals", err)
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, persistErr("postgres: scan deal", err)
		}
		deals = append(deals, *d)
	}
	return deals, persistErr("postgres: list deals iterate", rows.Err())
}

func (p pgQueries) UpdateDealFields(ctx context.Context, id string, values model.FieldValues) error {
	keys, err := sortedFieldKeys(values)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1))
		args = append(args, values[k])
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE deals SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := p.q.Exec(ctx, query, args...)
	if err != nil {
		return persistErr("postgres: update deal "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "deal %s", id)
	}
	return nil
}

func (p pgQueries) CreateTranscript(ctx context.Context, t model.Transcript) (*model.Transcript, error) {
	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.Status = model.TranscriptPending
	t.ExtractedData = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.CallDate.IsZero() {
		t.CallDate = now
	}

	_, err := p.q.Exec(ctx,
		`INSERT INTO call_transcripts (id, deal_id, transcript_text, call_title, call_date, extraction_status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.DealID, t.Text, t.Title, t.CallDate, string(t.Status), now, now,
	)
	if err != nil {
		return nil, persistErr("postgres: insert transcript", err)
	}
	return &t, nil
}

func (p pgQueries) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	return p.getTranscript(ctx, sqlGetTranscript, id)
}

func (p pgQueries) LockTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	if !p.locking {
		return p.GetTranscript(ctx, id)
	}
	return p.getTranscript(ctx, sqlGetTranscript+` FOR UPDATE`, id)
}

func (p pgQueries) getTranscript(ctx context.Context, query, id string) (*model.Transcript, error) {
	t, err := scanTranscript(p.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "transcript %s", id)
		}
		return nil, persistErr("postgres: get transcript "+id, err)
	}
	return t, nil
}

func (p pgQueries) ListTranscripts(ctx context.Context, filter TranscriptFilter) ([]model.Transcript, error) {
	query := `SELECT id, deal_id, transcript_text, call_title, call_date, extraction_status, extracted_data, created_at, updated_at FROM call_transcripts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DealID != "" {
		query += fmt.Sprintf(` AND deal_id = $%d`, argIdx)
		args = append(args, filter.DealID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND extraction_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("postgres: list transcripts", err)
	}
	defer rows.Close()

	var out []model.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, persistErr("postgres: scan transcript", err)
		}
		out = append(out, *t)
	}
	return out, persistErr("postgres: list transcripts iterate", rows.Err())
}

func (p pgQueries) TransitionTranscript(ctx context.Context, id string, from, to model.TranscriptStatus, extracted json.RawMessage) error {
	if !model.CanTransition(from, to) {
		return &model.InvalidTransitionError{ID: id, From: from, To: to}
	}

	var data any
	if extracted != nil {
		data = []byte(extracted)
	}

	tag, err := p.q.Exec(ctx, sqlTransitionTranscript,
		string(to), data, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return persistErr("postgres: transition transcript "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return transitionMismatch(ctx, p, id, to)
	}
	return nil
}

func (p pgQueries) InsertUpdates(ctx context.Context, updates []model.CandidateUpdate) ([]model.CandidateUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]model.CandidateUpdate, len(updates))
	rows := make([][]any, len(updates))
	for i, u := range updates {
		u.ID = newLedgerID()
		u.ApprovalStatus = model.ApprovalPending
		u.CreatedAt = now
		u.ResolvedAt = nil
		out[i] = u
		rows[i] = []any{
			u.ID, u.DealID, u.TranscriptID, u.FieldName, u.OldValue, u.NewValue,
			u.ConfidenceScore, u.Reasoning, string(u.ApprovalStatus), u.CreatedAt,
		}
	}

	if _, err := db.CopyFrom(ctx, p.q, "extracted_deal_updates", updateColumns, rows); err != nil {
		return nil, persistErr("postgres: insert updates", err)
	}
	return out, nil
}

func (p pgQueries) GetUpdate(ctx context.Context, id string) (*model.CandidateUpdate, error) {
	u, err := scanUpdate(p.q.QueryRow(ctx, sqlGetUpdate, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "candidate update %s", id)
		}
		return nil, persistErr("postgres: get update "+id, err)
	}
	return u, nil
}

func (p pgQueries) ListPendingUpdates(ctx context.Context, dealID string) ([]model.CandidateUpdate, error) {
	return p.listUpdates(ctx, "postgres: list pending updates", sqlListPendingUpdates, dealID)
}

func (p pgQueries) ListTranscriptUpdates(ctx context.Context, transcriptID string) ([]model.CandidateUpdate, error) {
	return p.listUpdates(ctx, "postgres: list transcript updates", sqlListTranscriptUpdates, transcriptID)
}

func (p pgQueries) listUpdates(ctx context.Context, op, query string, arg string) ([]model.CandidateUpdate, error) {
	rows, err := p.q.Query(ctx, query, arg)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []model.CandidateUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, *u)
	}
	return out, persistErr(op, rows.Err())
}

func (p pgQueries) ResolveUpdate(ctx context.Context, id string, outcome model.ApprovalStatus) error {
	if !outcome.Terminal() {
		return &model.ValidationError{Field: "outcome", Message: fmt.Sprintf("must be approved or rejected, got %q", outcome)}
	}

	tag, err := p.q.Exec(ctx, sqlResolveUpdate, string(outcome), time.Now().UTC(), id)
	if err != nil {
		return persistErr("postgres: resolve update "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return resolvedOrMissing(ctx, p, id)
	}
	return nil
}

func (p pgQueries) CountUpdates(ctx context.Context, transcriptID string, status model.ApprovalStatus) (int, error) {
	var n int
	if err := p.q.QueryRow(ctx, sqlCountUpdates, transcriptID, string(status)).Scan(&n); err != nil {
		return 0, persistErr("postgres: count updates", err)
	}
	return n, nil
}

func dealSelectList() string {
	return "id, " + quoteIdents(dealColumns()) + ", created_at, updated_at"
}

func quoteIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanDeal(row pgScannable) (*model.Deal, error) {
	var d model.Deal
	fieldDest := make([]any, len(model.DealFields.Fields))
	for i, f := range model.DealFields.Fields {
		switch f.Type {
		case model.FieldNumber:
			fieldDest[i] = new(*float64)
		case model.FieldDate:
			fieldDest[i] = new(*time.Time)
		default:
			fieldDest[i] = new(*string)
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
		case **float64:
			if *v != nil {
				d.Values[f.Key] = **v
			}
		case **time.Time:
			if *v != nil {
				d.Values[f.Key] = (**v).UTC()
			}
		case **string:
			if *v != nil {
				d.Values[f.Key] = **v
			}
		}
	}
	return &d, nil
}

func scanTranscript(row pgScannable) (*model.Transcript, error) {
	var t model.Transcript
	var data []byte
	if err := row.Scan(&t.ID, &t.DealID, &t.Text, &t.Title, &t.CallDate, &t.Status, &data, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		t.ExtractedData = json.RawMessage(data)
	}
	return &t, nil
}

func scanUpdate(row pgScannable) (*model.CandidateUpdate, error) {
	var u model.CandidateUpdate
	if err := row.Scan(
		&u.ID, &u.DealID, &u.TranscriptID, &u.FieldName, &u.OldValue, &u.NewValue,
		&u.ConfidenceScore, &u.Reasoning, &u.ApprovalStatus, &u.CreatedAt, &u.ResolvedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// compactValues drops nil entries so a Deal's Values only holds set fields.
func compactValues(values model.FieldValues) model.FieldValues {
	out := make(model.FieldValues, len(values))
	for k, v := range values {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// newLedgerID returns a time-ordered id so rows inserted together keep their
// insertion order under "ORDER BY created_at, id".
func newLedgerID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
