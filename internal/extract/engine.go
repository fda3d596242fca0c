// Package extract turns a call transcript and the current deal data into
// proposed field changes using a single completion call.
package extract

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/resilience"
	"github.com/sells-group/dealflow-cli/pkg/anthropic"
)

// Completer issues one completion request. anthropic.Client satisfies it.
type Completer interface {
	CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

// Config controls the completion request.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// CacheTTL sets the system prompt cache breakpoint ("5m", "1h"). Empty
	// disables prompt caching.
	CacheTTL string
}

// Result is a parsed extraction plus the provider metadata.
type Result struct {
	model.ExtractionResult
	Raw   string               `json:"-"`
	Model string               `json:"model"`
	Usage anthropic.TokenUsage `json:"usage"`
}

// Engine runs transcript extractions.
type Engine struct {
	client  Completer
	breaker *resilience.CircuitBreaker
	reg     *model.FieldRegistry
	cfg     Config
	system  string
}

// NewEngine creates an Engine. A nil breaker gets a private default one.
func NewEngine(client Completer, breaker *resilience.CircuitBreaker, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = anthropic.DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Engine{
		client:  client,
		breaker: breaker,
		reg:     model.DealFields,
		cfg:     cfg,
		system:  SystemPrompt(model.DealFields),
	}
}

// Extract asks the completion service for field changes the transcript
// implies relative to snapshot. The call is made once; failures come back as
// *model.ExtractionServiceError and unusable output as
// *model.MalformedExtractionError.
func (e *Engine) Extract(ctx context.Context, transcript string, snapshot map[string]any) (*Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, &model.ValidationError{Field: "transcript", Message: "must not be empty"}
	}

	user, err := UserMessage(transcript, snapshot)
	if err != nil {
		return nil, eris.Wrap(err, "extract: render deal data")
	}

	req := anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &e.cfg.Temperature,
	}
	if e.cfg.CacheTTL != "" {
		req.System = anthropic.BuildCachedSystemBlocks(e.system, e.cfg.CacheTTL)
	} else {
		req.System = []anthropic.SystemBlock{{Text: e.system}}
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, req)
	})
	if err != nil {
		retry := Retryable(err)
		zap.L().Warn("extract: completion failed",
			zap.Error(err),
			zap.Bool("retryable", retry),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, &model.ExtractionServiceError{Err: err, Retryable: retry}
	}

	resp.Usage.LogCost(e.cfg.Model, "extract_transcript")

	raw := resp.Text()
	parsed, err := Parse(raw, snapshot, e.reg)
	if err != nil {
		zap.L().Warn("extract: malformed completion",
			zap.String("stop_reason", resp.StopReason),
			zap.Int("raw_len", len(raw)),
			zap.Error(err),
		)
		return nil, err
	}

	zap.L().Info("extract: completed",
		zap.Int("updates", len(parsed.Updates)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		ExtractionResult: *parsed,
		Raw:              raw,
		Model:            resp.Model,
		Usage:            resp.Usage,
	}, nil
}

// Retryable reports whether a completion failure may succeed on resubmission.
func Retryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code, ok := anthropic.StatusCode(err); ok {
		return resilience.IsTransientHTTPStatus(code)
	}
	return resilience.IsTransient(err)
}
