package store

import (
	"context"
	"encoding/json"

	"github.com/sells-group/dealflow-cli/internal/model"
)

// TranscriptFilter specifies criteria for listing transcripts.
type TranscriptFilter struct {
	DealID string                 `json:"deal_id,omitempty"`
	Status model.TranscriptStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// Queries is the data surface shared by a store and an open transaction.
// Not-found lookups return model.ErrNotFound; other datastore failures are
// *model.PersistenceError.
type Queries interface {
	// Deals
	CreateDeal(ctx context.Context, values model.FieldValues) (*model.Deal, error)
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	ListDeals(ctx context.Context, filter model.DealFilter) ([]model.Deal, error)
	UpdateDealFields(ctx context.Context, id string, values model.FieldValues) error

	// Transcripts
	CreateTranscript(ctx context.Context, t model.Transcript) (*model.Transcript, error)
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
	// LockTranscript reads a transcript and holds it against concurrent
	// settlement until the surrounding transaction ends.
	LockTranscript(ctx context.Context, id string) (*model.Transcript, error)
	ListTranscripts(ctx context.Context, filter TranscriptFilter) ([]model.Transcript, error)
	// TransitionTranscript moves a transcript from one status to the next.
	// The write is conditional on the current status; a mismatch returns
	// *model.InvalidTransitionError. extracted is stored when non-nil.
	TransitionTranscript(ctx context.Context, id string, from, to model.TranscriptStatus, extracted json.RawMessage) error

	// Candidate update ledger
	InsertUpdates(ctx context.Context, updates []model.CandidateUpdate) ([]model.CandidateUpdate, error)
	GetUpdate(ctx context.Context, id string) (*model.CandidateUpdate, error)
	// ListPendingUpdates returns a deal's pending updates, most recent first.
	ListPendingUpdates(ctx context.Context, dealID string) ([]model.CandidateUpdate, error)
	ListTranscriptUpdates(ctx context.Context, transcriptID string) ([]model.CandidateUpdate, error)
	// ResolveUpdate moves a pending update to outcome. A row that already
	// left pending returns *model.AlreadyResolvedError.
	ResolveUpdate(ctx context.Context, id string, outcome model.ApprovalStatus) error
	CountUpdates(ctx context.Context, transcriptID string, status model.ApprovalStatus) (int, error)
}

// Store defines the persistence interface for deals, transcripts and the
// candidate update ledger.
type Store interface {
	Queries

	// InTx runs fn against a single transaction. fn may be called more than
	// once when the backend reports a retryable conflict.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// UpsertDeals inserts or updates deals by id, writing only the listed fields.
	UpsertDeals(ctx context.Context, fields []string, deals []model.Deal) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// dealColumns returns the deals table's field columns in registry order.
func dealColumns() []string {
	cols := make([]string, len(model.DealFields.Fields))
	for i, f := range model.DealFields.Fields {
		cols[i] = f.Key
	}
	return cols
}

// persistErr wraps a datastore failure.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.PersistenceError{Op: op, Err: err}
}

// sortedFieldKeys returns the keys of values that are registry fields, in
// registry order. Unknown keys produce an UnknownFieldError.
func sortedFieldKeys(values model.FieldValues) ([]string, error) {
	for k := range values {
		if model.DealFields.ByKey(k) == nil {
			return nil, &model.UnknownFieldError{Field: k}
		}
	}
	keys := make([]string, 0, len(values))
	for _, f := range model.DealFields.Fields {
		if _, ok := values[f.Key]; ok {
			keys = append(keys, f.Key)
		}
	}
	return keys, nil
}

// resolvedOrMissing classifies a conditional resolve that touched no row.
func resolvedOrMissing(ctx context.Context, q Queries, id string) error {
	u, err := q.GetUpdate(ctx, id)
	if err != nil {
		return err
	}
	return &model.AlreadyResolvedError{ID: id, Status: u.ApprovalStatus}
}

// transitionMismatch classifies a conditional transcript write that touched
// no row.
func transitionMismatch(ctx context.Context, q Queries, id string, to model.TranscriptStatus) error {
	t, err := q.GetTranscript(ctx, id)
	if err != nil {
		return err
	}
	return &model.InvalidTransitionError{ID: id, From: t.Status, To: to}
}
