// Package notes imports call notes from a Notion database as transcripts and
// extracts them.
package notes

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dealflow-cli/internal/intake"
	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/resilience"
	"github.com/sells-group/dealflow-cli/pkg/notion"
)

// Submitter stores a transcript and extracts it.
type Submitter interface {
	Submit(ctx context.Context, req intake.SubmitRequest) (*intake.Outcome, *model.Transcript, error)
}

// Options configures an import run.
type Options struct {
	DatabaseID  string
	Limit       int // max pages per run; 0 means all
	Concurrency int // default 2
	DryRun      bool
}

// Result is the per-page outcome of an import.
type Result struct {
	PageID       string `json:"page_id"`
	DealID       string `json:"deal_id"`
	Title        string `json:"title,omitempty"`
	TranscriptID string `json:"transcript_id,omitempty"`
	Updates      int    `json:"updates"`
	Error        string `json:"error,omitempty"`
}

// Summary aggregates an import run.
type Summary struct {
	Found     int      `json:"found"`
	Extracted int64    `json:"extracted"`
	Failed    int64    `json:"failed"`
	Results   []Result `json:"results"`
}

// Importer pulls Ready call notes from Notion.
type Importer struct {
	notion  notion.Client
	intake  Submitter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewImporter creates an Importer. breaker guards Notion calls; nil uses a
// default breaker.
func NewImporter(nc notion.Client, in Submitter, breaker *resilience.CircuitBreaker, m *metrics.Metrics) *Importer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Importer{
		notion:  nc,
		intake:  in,
		breaker: breaker,
		retry:   resilience.RetryConfig{MaxAttempts: 1},
		metrics: m,
		now:     time.Now,
	}
}

// WithRetry retries transient Notion failures with cfg.
func (im *Importer) WithRetry(cfg resilience.RetryConfig) *Importer {
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("notion", "call_notes")
	}
	im.retry = cfg
	return im
}

// Note is a call note read from a Notion page.
type Note struct {
	PageID   string
	DealID   string
	Title    string
	Text     string
	CallDate time.Time
}

// ParseNote reads the call-note properties of a page.
func ParseNote(page notionapi.Page) (Note, error) {
	n := Note{
		PageID:   string(page.ID),
		DealID:   notion.Text(page, notion.PropDealID),
		Title:    notion.Text(page, notion.PropTitle),
		Text:     notion.Text(page, notion.PropTranscript),
		CallDate: notion.Date(page, notion.PropCallDate),
	}
	var missing []string
	if n.DealID == "" {
		missing = append(missing, notion.PropDealID)
	}
	if n.Text == "" {
		missing = append(missing, notion.PropTranscript)
	}
	if len(missing) > 0 {
		return n, &model.ValidationError{Message: "missing " + strings.Join(missing, ", ")}
	}
	return n, nil
}

// Run imports every Ready page. A failing page is marked Failed in Notion
// and does not stop the run; a failure to list pages does.
func (im *Importer) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.DatabaseID == "" {
		return nil, &model.ValidationError{Field: "database_id", Message: "is required"}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	pages, err := resilience.DoVal(ctx, im.retry, func(ctx context.Context) ([]notionapi.Page, error) {
		return resilience.ExecuteVal(ctx, im.breaker, func(ctx context.Context) ([]notionapi.Page, error) {
			return notion.QueryByStatus(ctx, im.notion, opts.DatabaseID, notion.StatusReady)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "notes: list ready pages")
	}
	if opts.Limit > 0 && len(pages) > opts.Limit {
		pages = pages[:opts.Limit]
	}

	summary := &Summary{Found: len(pages), Results: make([]Result, len(pages))}
	if len(pages) == 0 {
		zap.L().Info("notes: no ready call notes")
		return summary, nil
	}

	zap.L().Info("notes: importing call notes",
		zap.Int("pages", len(pages)),
		zap.Int("concurrency", concurrency),
		zap.Bool("dry_run", opts.DryRun),
	)

	var extracted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, page := range pages {
		g.Go(func() error {
			res := im.importPage(gctx, page, opts.DryRun)
			summary.Results[i] = res
			if res.Error != "" {
				failed.Add(1)
			} else {
				extracted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "notes: import")
	}

	summary.Extracted = extracted.Load()
	summary.Failed = failed.Load()
	zap.L().Info("notes: import complete",
		zap.Int64("extracted", summary.Extracted),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}

func (im *Importer) importPage(ctx context.Context, page notionapi.Page, dryRun bool) Result {
	note, err := ParseNote(page)
	res := Result{PageID: note.PageID, DealID: note.DealID, Title: note.Title}
	log := zap.L().With(zap.String("page_id", note.PageID), zap.String("deal_id", note.DealID))

	if err != nil {
		return im.fail(ctx, log, res, "", err, dryRun)
	}
	if dryRun {
		log.Info("notes: would submit", zap.Int("chars", len(note.Text)))
		return res
	}

	out, tr, err := im.intake.Submit(ctx, intake.SubmitRequest{
		DealID:   note.DealID,
		Text:     note.Text,
		Title:    note.Title,
		CallDate: note.CallDate,
	})
	if err != nil {
		trID := ""
		if tr != nil {
			trID = tr.ID
		}
		return im.fail(ctx, log, res, trID, err, dryRun)
	}

	res.TranscriptID = out.Transcript.ID
	res.Updates = len(out.Updates)
	if err := im.updatePage(ctx, note.PageID, notion.ExtractedUpdate(res.TranscriptID, im.now())); err != nil {
		log.Warn("notes: failed to mark page extracted", zap.Error(err))
	}
	im.metrics.RecordNoteImport(metrics.NoteExtracted)
	log.Info("notes: call note extracted",
		zap.String("transcript_id", res.TranscriptID),
		zap.Int("updates", res.Updates),
	)
	return res
}

func (im *Importer) fail(ctx context.Context, log *zap.Logger, res Result, transcriptID string, cause error, dryRun bool) Result {
	res.TranscriptID = transcriptID
	res.Error = cause.Error()
	im.metrics.RecordNoteImport(metrics.NoteFailed)
	log.Error("notes: call note failed", zap.Error(cause))
	if dryRun {
		return res
	}
	if err := im.updatePage(ctx, res.PageID, notion.FailedUpdate(transcriptID, cause, im.now())); err != nil {
		log.Warn("notes: failed to mark page failed", zap.Error(err))
	}
	return res
}

func (im *Importer) updatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) error {
	return resilience.Do(ctx, im.retry, func(ctx context.Context) error {
		return im.breaker.Execute(ctx, func(ctx context.Context) error {
			_, err := im.notion.UpdatePage(ctx, pageID, req)
			return err
		})
	})
}
