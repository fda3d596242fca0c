package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

// BatchFailure is one row a batch could not resolve.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchReport summarises a multi-row resolution.
type BatchReport struct {
	Outcome         model.ApprovalStatus              `json:"outcome"`
	Resolved        []string                          `json:"resolved"`
	AlreadyResolved []string                          `json:"already_resolved"`
	NotFound        []string                          `json:"not_found"`
	Failed          []BatchFailure                    `json:"failed"`
	Applied         model.FieldValues                 `json:"applied,omitempty"`
	Transcripts     map[string]model.TranscriptStatus `json:"transcripts,omitempty"`
}

func newReport(outcome model.ApprovalStatus) *BatchReport {
	return &BatchReport{
		Outcome:         outcome,
		Resolved:        []string{},
		AlreadyResolved: []string{},
		NotFound:        []string{},
		Failed:          []BatchFailure{},
		Transcripts:     map[string]model.TranscriptStatus{},
	}
}

// ApproveAll approves every pending update of a deal. All values are
// validated and coerced before anything is written; one bad row aborts the
// batch with a *model.BlockedUpdateError naming it. The deal is written once.
//
// Pending rows are listed newest first and folded in that order, so when
// several transcripts propose the same field the OLDEST proposal is the value
// written: an older transcript overrides a newer one.
func (s *Service) ApproveAll(ctx context.Context, dealID string) (*BatchReport, error) {
	var report *BatchReport
	err := s.store.InTx(ctx, func(q store.Queries) error {
		report = newReport(model.ApprovalApproved)

		if _, err := q.GetDeal(ctx, dealID); err != nil {
			return err
		}
		pending, err := q.ListPendingUpdates(ctx, dealID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		type coerced struct {
			key string
			val any
		}
		values := make([]coerced, len(pending))
		for i := range pending {
			key, val, err := s.coerce(&pending[i])
			if err != nil {
				return &model.BlockedUpdateError{ID: pending[i].ID, Err: err}
			}
			values[i] = coerced{key: key, val: val}
		}

		folded := model.FieldValues{}
		var transcripts []string
		seen := map[string]bool{}
		for i, u := range pending {
			if err := q.ResolveUpdate(ctx, u.ID, model.ApprovalApproved); err != nil {
				if model.IsAlreadyResolved(err) {
					report.AlreadyResolved = append(report.AlreadyResolved, u.ID)
					continue
				}
				return err
			}
			report.Resolved = append(report.Resolved, u.ID)
			folded[values[i].key] = values[i].val
			if !seen[u.TranscriptID] {
				seen[u.TranscriptID] = true
				transcripts = append(transcripts, u.TranscriptID)
			}
		}

		if len(folded) > 0 {
			if err := q.UpdateDealFields(ctx, dealID, folded); err != nil {
				return err
			}
			report.Applied = folded
		}
		return settleAll(ctx, q, transcripts, report)
	})
	if err != nil {
		s.metrics.RecordResolution("approve_all", metrics.ResolutionError, 1)
		return nil, err
	}

	s.metrics.RecordResolution("approve_all", metrics.ResolutionApproved, len(report.Resolved))
	s.metrics.RecordResolution("approve_all", metrics.ResolutionNoop, len(report.AlreadyResolved))
	zap.L().Info("reconcile: approved all",
		zap.String("deal_id", dealID),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("fields", len(report.Applied)),
		zap.Int("transcripts_settled", len(report.Transcripts)),
	)
	return report, nil
}

// RejectAll rejects every pending update of a deal and settles the affected
// transcripts. The deal is never written.
func (s *Service) RejectAll(ctx context.Context, dealID string) (*BatchReport, error) {
	var report *BatchReport
	err := s.store.InTx(ctx, func(q store.Queries) error {
		report = newReport(model.ApprovalRejected)

		if _, err := q.GetDeal(ctx, dealID); err != nil {
			return err
		}
		pending, err := q.ListPendingUpdates(ctx, dealID)
		if err != nil {
			return err
		}

		var transcripts []string
		seen := map[string]bool{}
		for _, u := range pending {
			if err := q.ResolveUpdate(ctx, u.ID, model.ApprovalRejected); err != nil {
				if model.IsAlreadyResolved(err) {
					report.AlreadyResolved = append(report.AlreadyResolved, u.ID)
					continue
				}
				return err
			}
			report.Resolved = append(report.Resolved, u.ID)
			if !seen[u.TranscriptID] {
				seen[u.TranscriptID] = true
				transcripts = append(transcripts, u.TranscriptID)
			}
		}
		return settleAll(ctx, q, transcripts, report)
	})
	if err != nil {
		s.metrics.RecordResolution("reject_all", metrics.ResolutionError, 1)
		return nil, err
	}

	s.metrics.RecordResolution("reject_all", metrics.ResolutionRejected, len(report.Resolved))
	s.metrics.RecordResolution("reject_all", metrics.ResolutionNoop, len(report.AlreadyResolved))
	zap.L().Info("reconcile: rejected all",
		zap.String("deal_id", dealID),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("transcripts_settled", len(report.Transcripts)),
	)
	return report, nil
}

// ResolveBatch resolves each id on its own, skipping and recording rows that
// fail instead of stopping.
func (s *Service) ResolveBatch(ctx context.Context, ids []string, outcome model.ApprovalStatus) (*BatchReport, error) {
	if !outcome.Terminal() {
		return nil, &model.ValidationError{Field: "outcome", Message: "must be approved or rejected"}
	}

	report := newReport(outcome)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var (
			res *Result
			err error
		)
		if outcome == model.ApprovalApproved {
			res, err = s.ApproveOne(ctx, id, nil)
		} else {
			res, err = s.RejectOne(ctx, id)
		}

		switch {
		case err == nil:
			report.Resolved = append(report.Resolved, id)
			if res.Transcript != "" {
				report.Transcripts[res.Update.TranscriptID] = res.Transcript
			}
			if len(res.Applied) > 0 {
				if report.Applied == nil {
					report.Applied = model.FieldValues{}
				}
				for k, v := range res.Applied {
					report.Applied[k] = v
				}
			}
		case model.IsAlreadyResolved(err):
			report.AlreadyResolved = append(report.AlreadyResolved, id)
		case errors.Is(err, model.ErrNotFound):
			report.NotFound = append(report.NotFound, id)
		default:
			report.Failed = append(report.Failed, BatchFailure{ID: id, Error: err.Error()})
		}
	}

	zap.L().Info("reconcile: batch resolved",
		zap.String("outcome", string(outcome)),
		zap.Int("requested", len(ids)),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("already_resolved", len(report.AlreadyResolved)),
		zap.Int("not_found", len(report.NotFound)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func settleAll(ctx context.Context, q store.Queries, transcripts []string, report *BatchReport) error {
	for _, tid := range transcripts {
		to, err := settle(ctx, q, tid)
		if err != nil {
			return err
		}
		if to != "" {
			report.Transcripts[tid] = to
		}
	}
	return nil
}
