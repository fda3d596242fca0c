package model

import (
	"encoding/json"
	"time"
)

// TranscriptStatus is the extraction lifecycle of a call transcript.
type TranscriptStatus string

const (
	TranscriptPending   TranscriptStatus = "pending"
	TranscriptExtracted TranscriptStatus = "extracted"
	TranscriptApproved  TranscriptStatus = "approved"
	TranscriptRejected  TranscriptStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s TranscriptStatus) Valid() bool {
	switch s {
	case TranscriptPending, TranscriptExtracted, TranscriptApproved, TranscriptRejected:
		return true
	}
	return false
}

// CanTransition reports whether a transcript may move from one status to
// another. Status only moves forward, one step at a time.
func CanTransition(from, to TranscriptStatus) bool {
	switch from {
	case TranscriptPending:
		return to == TranscriptExtracted
	case TranscriptExtracted:
		return to == TranscriptApproved || to == TranscriptRejected
	default:
		return false
	}
}

// Transcript is a submitted call transcript. Text is immutable; Status and
// ExtractedData change as it is processed.
type Transcript struct {
	ID            string           `json:"id"`
	DealID        string           `json:"deal_id"`
	Text          string           `json:"transcript_text"`
	Title         string           `json:"call_title,omitempty"`
	CallDate      time.Time        `json:"call_date"`
	Status        TranscriptStatus `json:"extraction_status"`
	ExtractedData json.RawMessage  `json:"extracted_data,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
