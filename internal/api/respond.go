package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/model"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// decodeBody reads a JSON request body into dst. An empty body leaves dst
// untouched when optional is set.
func decodeBody(r *http.Request, w http.ResponseWriter, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &model.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// writeNoop is the response for a resolution that found the update already
// resolved.
func writeNoop(w http.ResponseWriter, err error) {
	resp := map[string]any{"status": "noop", "reason": "already_resolved"}
	var are *model.AlreadyResolvedError
	if errors.As(err, &are) {
		resp["id"] = are.ID
		resp["approval_status"] = are.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		val   *model.ValidationError
		unk   *model.UnknownFieldError
		coe   *model.CoercionError
		inv   *model.InvalidTransitionError
		stale *model.StaleUpdateError
		mal   *model.MalformedExtractionError
		svc   *model.ExtractionServiceError
		are   *model.AlreadyResolvedError
	)
	switch {
	case errors.As(err, &val):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &unk), errors.As(err, &coe):
		return http.StatusUnprocessableEntity
	case errors.As(err, &inv), errors.As(err, &stale), errors.As(err, &are):
		return http.StatusConflict
	case errors.As(err, &mal):
		return http.StatusBadGateway
	case errors.As(err, &svc):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": ...}. Malformed extractions include
// the raw completion and a blocked bulk approval names the update in
// "update_id". Internal errors are logged and not echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	code := statusFor(err)
	resp := map[string]any{}
	for k, v := range extra {
		resp[k] = v
	}

	var (
		mal *model.MalformedExtractionError
		svc *model.ExtractionServiceError
		blk *model.BlockedUpdateError
	)
	if errors.As(err, &blk) {
		resp["update_id"] = blk.ID
	}
	switch {
	case code == http.StatusInternalServerError:
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("error", eris.ToString(err, true)),
		)
		resp["error"] = "internal error"
	case errors.As(err, &mal):
		resp["error"] = "Failed to parse extraction result"
		resp["raw"] = mal.Raw
	case errors.As(err, &svc):
		resp["error"] = err.Error()
		resp["retryable"] = svc.Retryable
		if svc.Retryable {
			w.Header().Set("Retry-After", "30")
		}
	default:
		resp["error"] = err.Error()
	}
	writeJSON(w, code, resp)
}
