// Package intake accepts call transcripts, runs extraction and records the
// resulting candidate updates.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/extract"
	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
	"github.com/sells-group/dealflow-cli/pkg/anthropic"
)

// Extractor is the extraction engine contract.
type Extractor interface {
	Extract(ctx context.Context, transcript string, snapshot map[string]any) (*extract.Result, error)
}

// SubmitRequest creates a transcript and extracts it.
type SubmitRequest struct {
	DealID   string    `json:"deal_id"`
	Text     string    `json:"transcript"`
	Title    string    `json:"call_title,omitempty"`
	CallDate time.Time `json:"call_date,omitempty"`
}

// ExtractRequest extracts an existing pending transcript. Text overrides the
// stored transcript text when set. Snapshot overrides the stored deal data
// when non-nil.
type ExtractRequest struct {
	DealID       string         `json:"dealId"`
	TranscriptID string         `json:"transcriptId"`
	Text         string         `json:"transcript"`
	Snapshot     map[string]any `json:"currentDealData,omitempty"`
}

// Outcome is the result of a successful extraction.
type Outcome struct {
	Transcript *model.Transcript       `json:"transcript"`
	Extraction model.ExtractionResult  `json:"extraction"`
	Updates    []model.CandidateUpdate `json:"updates"`
	Model      string                  `json:"model,omitempty"`
	Usage      anthropic.TokenUsage    `json:"usage"`
}

// Service runs extractions against the store.
type Service struct {
	store   store.Store
	engine  Extractor
	metrics *metrics.Metrics
	timeout time.Duration
}

// New creates a Service. timeout bounds the completion call; zero means the
// caller's context alone.
func New(st store.Store, engine Extractor, m *metrics.Metrics, timeout time.Duration) *Service {
	return &Service{store: st, engine: engine, metrics: m, timeout: timeout}
}

// Submit stores a new pending transcript for the deal and extracts it. The
// created transcript is returned even when extraction fails; it stays
// pending and can be extracted again.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Outcome, *model.Transcript, error) {
	if strings.TrimSpace(req.DealID) == "" {
		return nil, nil, &model.ValidationError{Field: "deal_id", Message: "is required"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil, &model.ValidationError{Field: "transcript", Message: "must not be empty"}
	}

	deal, err := s.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return nil, nil, err
	}

	t, err := s.store.CreateTranscript(ctx, model.Transcript{
		DealID:   deal.ID,
		Text:     req.Text,
		Title:    req.Title,
		CallDate: req.CallDate,
	})
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("intake: transcript submitted",
		zap.String("deal_id", deal.ID),
		zap.String("transcript_id", t.ID),
		zap.Int("chars", len(t.Text)),
	)

	out, err := s.run(ctx, deal, t, t.Text, nil)
	if err != nil {
		return nil, t, err
	}
	return out, out.Transcript, nil
}

// Extract runs extraction for a pending transcript. On success every
// candidate update is stored as pending and the transcript moves to
// extracted in one transaction; on failure nothing is written.
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*Outcome, error) {
	start := time.Now()

	if strings.TrimSpace(req.DealID) == "" {
		return nil, s.invalid(start, &model.ValidationError{Field: "dealId", Message: "is required"})
	}
	if strings.TrimSpace(req.TranscriptID) == "" {
		return nil, s.invalid(start, &model.ValidationError{Field: "transcriptId", Message: "is required"})
	}

	t, err := s.store.GetTranscript(ctx, req.TranscriptID)
	if err != nil {
		return nil, s.invalid(start, err)
	}
	if t.DealID != req.DealID {
		return nil, s.invalid(start, eris.Wrapf(model.ErrNotFound, "transcript %s for deal %s", req.TranscriptID, req.DealID))
	}

	deal, err := s.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return nil, s.invalid(start, err)
	}

	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = t.Text
	}
	return s.run(ctx, deal, t, text, req.Snapshot)
}

func (s *Service) run(ctx context.Context, deal *model.Deal, t *model.Transcript, text string, snapshot map[string]any) (*Outcome, error) {
	start := time.Now()
	log := zap.L().With(zap.String("deal_id", deal.ID), zap.String("transcript_id", t.ID))

	if t.Status != model.TranscriptPending {
		return nil, s.invalid(start, &model.InvalidTransitionError{ID: t.ID, From: t.Status, To: model.TranscriptExtracted})
	}
	if snapshot == nil {
		snapshot = deal.Snapshot(model.DealFields)
	}

	extractCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.engine.Extract(extractCtx, text, snapshot)
	if err != nil {
		s.metrics.RecordExtraction(failureOutcome(err), 0, time.Since(start))
		log.Warn("intake: extraction failed, transcript left pending", zap.Error(err))
		return nil, err
	}

	blob, err := json.Marshal(res.ExtractionResult)
	if err != nil {
		s.metrics.RecordExtraction(metrics.OutcomeStoreError, 0, time.Since(start))
		return nil, eris.Wrap(err, "intake: encode extraction")
	}

	rows := make([]model.CandidateUpdate, len(res.Updates))
	for i, dto := range res.Updates {
		rows[i] = model.CandidateUpdate{
			DealID:          deal.ID,
			TranscriptID:    t.ID,
			FieldName:       dto.FieldName,
			OldValue:        dto.OldValue,
			NewValue:        dto.NewValue,
			ConfidenceScore: dto.ConfidenceScore,
			Reasoning:       dto.Reasoning,
		}
	}

	var inserted []model.CandidateUpdate
	err = s.store.InTx(ctx, func(q store.Queries) error {
		var txErr error
		inserted, txErr = q.InsertUpdates(ctx, rows)
		if txErr != nil {
			return txErr
		}
		return q.TransitionTranscript(ctx, t.ID, model.TranscriptPending, model.TranscriptExtracted, blob)
	})
	if err != nil {
		s.metrics.RecordExtraction(failureOutcome(err), 0, time.Since(start))
		log.Error("intake: persist extraction failed", zap.Error(err))
		return nil, err
	}

	outcome := metrics.OutcomeSuccess
	if len(inserted) == 0 {
		outcome = metrics.OutcomeEmpty
		inserted = []model.CandidateUpdate{}
	}
	s.metrics.RecordExtraction(outcome, len(inserted), time.Since(start))

	t.Status = model.TranscriptExtracted
	t.ExtractedData = blob

	log.Info("intake: extraction stored",
		zap.Int("candidate_updates", len(inserted)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Outcome{
		Transcript: t,
		Extraction: res.ExtractionResult,
		Updates:    inserted,
		Model:      res.Model,
		Usage:      res.Usage,
	}, nil
}

func (s *Service) invalid(start time.Time, err error) error {
	s.metrics.RecordExtraction(metrics.OutcomeInvalid, 0, time.Since(start))
	return err
}

func failureOutcome(err error) string {
	var (
		mal *model.MalformedExtractionError
		svc *model.ExtractionServiceError
		val *model.ValidationError
		inv *model.InvalidTransitionError
	)
	switch {
	case errors.As(err, &mal):
		return metrics.OutcomeMalformed
	case errors.As(err, &svc):
		return metrics.OutcomeServiceError
	case errors.As(err, &val), errors.As(err, &inv):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeStoreError
	}
}
