package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/dealflow-cli/internal/intake"
	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
	"github.com/sells-group/dealflow-cli/internal/store"
)

// dealView renders a deal with every registry field and dates as YYYY-MM-DD.
func dealView(d *model.Deal) map[string]any {
	fields := d.Snapshot(model.DealFields)
	delete(fields, "id")
	return map[string]any{
		"id":         d.ID,
		"name":       d.Name(),
		"fields":     fields,
		"created_at": d.CreatedAt,
		"updated_at": d.UpdatedAt,
	}
}

// fieldText turns JSON field values into the text form model.ParseFieldValues
// expects. null clears a field.
func fieldText(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = model.FormatValue(v)
	}
	return out
}

type dealRequest struct {
	Fields map[string]any `json:"fields"`
}

func (s *Server) createDeal(w http.ResponseWriter, r *http.Request) {
	var req dealRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	values, err := model.ParseFieldValues(model.DealFields, fieldText(req.Fields))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	deal, err := s.deps.Store.CreateDeal(r.Context(), values)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, dealView(deal))
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.DealFilter{
		Status: q.Get("status"),
		Sector: q.Get("sector"),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}
	deals, err := s.deps.Store.ListDeals(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]map[string]any, len(deals))
	for i := range deals {
		out[i] = dealView(&deals[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": out})
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.deps.Store.GetDeal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, dealView(deal))
}

func (s *Server) patchDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dealID")
	var req dealRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if len(req.Fields) == 0 {
		writeError(w, r, &model.ValidationError{Field: "fields", Message: "at least one field is required"}, nil)
		return
	}
	values, err := model.ParseFieldValues(model.DealFields, fieldText(req.Fields))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.deps.Store.UpdateDealFields(r.Context(), id, values); err != nil {
		writeError(w, r, err, nil)
		return
	}
	deal, err := s.deps.Store.GetDeal(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, dealView(deal))
}

func (s *Server) extractTranscript(w http.ResponseWriter, r *http.Request) {
	var req intake.ExtractRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if strings.TrimSpace(req.Text) == "" || req.DealID == "" || req.TranscriptID == "" {
		writeError(w, r, &model.ValidationError{Message: "Missing required fields: transcript, dealId, transcriptId"}, nil)
		return
	}

	out, err := s.deps.Intake.Extract(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"extraction": out.Extraction,
		"updates":    out.Updates,
	})
}

type submitRequest struct {
	Transcript string `json:"transcript"`
	Title      string `json:"call_title"`
	CallDate   string `json:"call_date"`
}

func (s *Server) submitTranscript(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}

	var callDate time.Time
	if req.CallDate != "" {
		d, err := model.ParseDate("call_date", req.CallDate)
		if err != nil {
			writeError(w, r, &model.ValidationError{Field: "call_date", Message: err.Error()}, nil)
			return
		}
		callDate = d
	}

	out, tr, err := s.deps.Intake.Submit(r.Context(), intake.SubmitRequest{
		DealID:   chi.URLParam(r, "dealID"),
		Text:     req.Transcript,
		Title:    req.Title,
		CallDate: callDate,
	})
	if err != nil {
		var extra map[string]any
		if tr != nil {
			extra = map[string]any{"transcript_id": tr.ID, "extraction_status": tr.Status}
		}
		writeError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"transcript": out.Transcript,
		"extraction": out.Extraction,
		"updates":    out.Updates,
	})
}

func (s *Server) listTranscripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TranscriptFilter{
		DealID: chi.URLParam(r, "dealID"),
		Status: model.TranscriptStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, &model.ValidationError{Field: "status", Message: "unknown transcript status"}, nil)
		return
	}
	ts, err := s.deps.Store.ListTranscripts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if ts == nil {
		ts = []model.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": ts})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	if _, err := s.deps.Store.GetDeal(r.Context(), dealID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	ups, err := s.deps.Store.ListPendingUpdates(r.Context(), dealID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if ups == nil {
		ups = []model.CandidateUpdate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": ups})
}

func (s *Server) approveOne(w http.ResponseWriter, r *http.Request) {
	var expect reconcile.Expect
	if err := decodeBody(r, w, &expect, true); err != nil {
		writeError(w, r, err, nil)
		return
	}
	var exp *reconcile.Expect
	if expect.FieldName != "" || expect.NewValue != "" {
		exp = &expect
	}

	res, err := s.deps.Reconcile.ApproveOne(r.Context(), chi.URLParam(r, "updateID"), exp)
	s.writeResolution(w, r, res, err)
}

func (s *Server) rejectOne(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reconcile.RejectOne(r.Context(), chi.URLParam(r, "updateID"))
	s.writeResolution(w, r, res, err)
}

func (s *Server) writeResolution(w http.ResponseWriter, r *http.Request, res *reconcile.Result, err error) {
	if model.IsAlreadyResolved(err) {
		writeNoop(w, err)
		return
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

type resolveRequest struct {
	IDs     []string             `json:"ids"`
	Outcome model.ApprovalStatus `json:"outcome"`
}

func (s *Server) resolveBatch(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, &model.ValidationError{Field: "ids", Message: "at least one id is required"}, nil)
		return
	}
	report, err := s.deps.Reconcile.ResolveBatch(r.Context(), req.IDs, req.Outcome)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) approveAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconcile.ApproveAll(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) rejectAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconcile.RejectAll(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealID string `json:"deal_id"`
	}
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if req.DealID == "" {
		writeError(w, r, &model.ValidationError{Field: "deal_id", Message: "is required"}, nil)
		return
	}
	sess, err := s.deps.Sessions.Open(r.Context(), req.DealID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Close(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Refresh(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
