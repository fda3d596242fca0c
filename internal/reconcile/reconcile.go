// Package reconcile applies or discards candidate updates and settles the
// transcripts they came from.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

// Expect is the caller's view of a candidate update. When set on approval,
// a ledger row that no longer matches fails with *model.StaleUpdateError.
// Empty parts are not compared.
type Expect struct {
	FieldName string `json:"field_name"`
	NewValue  string `json:"new_value"`
}

// matches reports whether u agrees with every non-empty part of e.
func (e *Expect) matches(u *model.CandidateUpdate) bool {
	if e.FieldName != "" && e.FieldName != u.FieldName {
		return false
	}
	return e.NewValue == "" || e.NewValue == u.NewValue
}

// Result describes one resolved candidate update.
type Result struct {
	Update  model.CandidateUpdate `json:"update"`
	Applied model.FieldValues     `json:"applied,omitempty"`
	// Transcript is the originating transcript's new status when this
	// resolution settled it.
	Transcript model.TranscriptStatus `json:"transcript_status,omitempty"`
}

// Service runs the reconciliation workflow. Every operation is one store
// transaction, so a failure leaves the ledger and the deal untouched.
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	reg     *model.FieldRegistry
}

// New creates a Service.
func New(st store.Store, m *metrics.Metrics) *Service {
	return &Service{store: st, metrics: m, reg: model.DealFields}
}

// ApproveOne validates and coerces the update's value, marks it approved,
// writes the field to the deal and settles the transcript.
func (s *Service) ApproveOne(ctx context.Context, id string, expect *Expect) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(q store.Queries) error {
		u, err := q.GetUpdate(ctx, id)
		if err != nil {
			return err
		}
		if u.ApprovalStatus != model.ApprovalPending {
			return &model.AlreadyResolvedError{ID: id, Status: u.ApprovalStatus}
		}
		if expect != nil && !expect.matches(u) {
			return &model.StaleUpdateError{ID: id}
		}

		key, val, err := s.coerce(u)
		if err != nil {
			return err
		}

		if err := q.ResolveUpdate(ctx, id, model.ApprovalApproved); err != nil {
			return err
		}
		applied := model.FieldValues{key: val}
		if err := q.UpdateDealFields(ctx, u.DealID, applied); err != nil {
			return err
		}
		settled, err := settle(ctx, q, u.TranscriptID)
		if err != nil {
			return err
		}

		markResolved(u, model.ApprovalApproved)
		res = &Result{Update: *u, Applied: applied, Transcript: settled}
		return nil
	})
	s.record("approve", model.ApprovalApproved, err)
	if err != nil {
		return nil, err
	}

	zap.L().Info("reconcile: update approved",
		zap.String("update_id", id),
		zap.String("deal_id", res.Update.DealID),
		zap.String("field", res.Update.FieldName),
		zap.String("transcript_status", string(res.Transcript)),
	)
	return res, nil
}

// RejectOne marks the update rejected and settles the transcript. The deal
// is never touched.
func (s *Service) RejectOne(ctx context.Context, id string) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(q store.Queries) error {
		u, err := q.GetUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := q.ResolveUpdate(ctx, id, model.ApprovalRejected); err != nil {
			return err
		}
		settled, err := settle(ctx, q, u.TranscriptID)
		if err != nil {
			return err
		}

		markResolved(u, model.ApprovalRejected)
		res = &Result{Update: *u, Transcript: settled}
		return nil
	})
	s.record("reject", model.ApprovalRejected, err)
	if err != nil {
		return nil, err
	}

	zap.L().Info("reconcile: update rejected",
		zap.String("update_id", id),
		zap.String("deal_id", res.Update.DealID),
		zap.String("transcript_status", string(res.Transcript)),
	)
	return res, nil
}

// coerce checks the update's field against the registry and converts its
// text value to the field's type.
func (s *Service) coerce(u *model.CandidateUpdate) (string, any, error) {
	f := s.reg.ByKey(u.FieldName)
	if f == nil {
		return "", nil, &model.UnknownFieldError{Field: u.FieldName}
	}
	v, err := model.Coerce(f, u.NewValue)
	if err != nil {
		return "", nil, err
	}
	return f.Key, v, nil
}

// settle moves an extracted transcript to approved or rejected once none of
// its updates are pending. It returns the new status, or "" when the
// transcript was left as is. The transcript row is locked first so that
// concurrent last resolutions cannot both miss the settlement.
func settle(ctx context.Context, q store.Queries, transcriptID string) (model.TranscriptStatus, error) {
	t, err := q.LockTranscript(ctx, transcriptID)
	if err != nil {
		return "", err
	}
	if t.Status != model.TranscriptExtracted {
		return "", nil
	}

	pending, err := q.CountUpdates(ctx, transcriptID, model.ApprovalPending)
	if err != nil {
		return "", err
	}
	if pending > 0 {
		return "", nil
	}

	approved, err := q.CountUpdates(ctx, transcriptID, model.ApprovalApproved)
	if err != nil {
		return "", err
	}
	to := model.TranscriptRejected
	if approved > 0 {
		to = model.TranscriptApproved
	}
	if err := q.TransitionTranscript(ctx, transcriptID, model.TranscriptExtracted, to, nil); err != nil {
		return "", err
	}
	return to, nil
}

func markResolved(u *model.CandidateUpdate, outcome model.ApprovalStatus) {
	now := time.Now().UTC()
	u.ApprovalStatus = outcome
	u.ResolvedAt = &now
}

func (s *Service) record(op string, outcome model.ApprovalStatus, err error) {
	switch {
	case err == nil:
		s.metrics.RecordResolution(op, string(outcome), 1)
	case model.IsAlreadyResolved(err):
		s.metrics.RecordResolution(op, metrics.ResolutionNoop, 1)
	case errors.Is(err, model.ErrNotFound):
	default:
		s.metrics.RecordResolution(op, metrics.ResolutionError, 1)
	}
}
