package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
)

func strPtr(s string) *string { return &s }

func TestWriteValue(t *testing.T) {
	v := map[string]any{"id": "d-1", "revenue": 1200000.0}

	var buf bytes.Buffer
	require.NoError(t, writeValue(&buf, "json", v))
	assert.JSONEq(t, `{"id":"d-1","revenue":1200000}`, buf.String())

	buf.Reset()
	require.NoError(t, writeValue(&buf, "yaml", v))
	assert.Contains(t, buf.String(), "id: d-1")
	assert.Contains(t, buf.String(), "revenue:")

	buf.Reset()
	err := writeValue(&buf, "xml", v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestWriteValue_YAMLUsesJSONTags(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeValue(&buf, "yaml", model.CandidateUpdate{ID: "u1", FieldName: "revenue", NewValue: "400000"}))
	assert.Contains(t, buf.String(), "field_name: revenue")
	assert.Contains(t, buf.String(), "approval_status: \"\"")
}

func TestDisplayValue(t *testing.T) {
	assert.Equal(t, "-", displayValue(nil))
	assert.Equal(t, "1,200,000", displayValue(1200000.0))
	assert.Equal(t, "1,234.50", displayValue(1234.5))
	assert.Equal(t, "2025-03-01", displayValue(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Software", displayValue("Software"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b\tc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("12345678-aaaa-bbbb"))
	assert.Equal(t, "abc", truncateID("abc"))
}

func TestFormatDealsList(t *testing.T) {
	var buf bytes.Buffer
	formatDealsList(&buf, []model.Deal{{
		ID:        "d-1",
		Values:    model.FieldValues{"deal_name": "Acme", "revenue": 2000000.0, "status": "LOI"},
		UpdatedAt: time.Date(2025, 10, 1, 9, 30, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Acme")
	assert.Contains(t, out, "2,000,000")
	assert.Contains(t, out, "LOI")
	assert.Contains(t, out, "2025-10-01 09:30")
}

func TestFormatDeal(t *testing.T) {
	var buf bytes.Buffer
	formatDeal(&buf, &model.Deal{ID: "d-1", Values: model.FieldValues{"deal_name": "Acme", "ebitda": 250000.0}}, model.DealFields)
	out := buf.String()
	assert.Contains(t, out, "ID:")
	assert.Contains(t, out, "EBITDA:")
	assert.Contains(t, out, "250,000")
	assert.NotContains(t, out, "Sector:")
}

func TestFormatUpdatesList(t *testing.T) {
	var buf bytes.Buffer
	formatUpdatesList(&buf, []model.CandidateUpdate{
		{ID: "u1", TranscriptID: "tr-123456789", FieldName: "revenue", OldValue: strPtr("100"), NewValue: "400000", ConfidenceScore: 0.9, ApprovalStatus: model.ApprovalPending},
		{ID: "u2", TranscriptID: "tr-123456789", FieldName: "sector", NewValue: "Software", ConfidenceScore: 0.5, ApprovalStatus: model.ApprovalRejected},
	})
	out := buf.String()
	assert.Contains(t, out, "tr-12345")
	assert.Contains(t, out, "0.90")
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "-")
}

func TestFormatTranscriptsList(t *testing.T) {
	var buf bytes.Buffer
	formatTranscriptsList(&buf, []model.Transcript{{
		ID: "tr-1", DealID: "deal-abcdefgh-1", Title: "Intro call", Text: "hello",
		CallDate: time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC), Status: model.TranscriptExtracted,
	}})
	out := buf.String()
	assert.Contains(t, out, "deal-abc")
	assert.Contains(t, out, "2025-09-30")
	assert.Contains(t, out, "extracted")
}

func TestFormatBatchReport(t *testing.T) {
	var buf bytes.Buffer
	formatBatchReport(&buf, &reconcile.BatchReport{
		Outcome:  model.ApprovalApproved,
		Resolved: []string{"u1", "u2"},
		NotFound: []string{"ghost"},
		Failed:   []reconcile.BatchFailure{{ID: "u3", Error: "cannot coerce"}},
		Applied:  model.FieldValues{"revenue": 400000.0, "deal_name": "Acme"},
	})
	out := buf.String()
	assert.Contains(t, out, "approved")
	assert.Contains(t, out, "u3:")
	assert.Contains(t, out, "400,000")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Applied deal_name")), bytes.Index(buf.Bytes(), []byte("Applied revenue")))
}
