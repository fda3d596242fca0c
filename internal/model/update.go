package model

import "time"

// ApprovalStatus is the review state of a candidate update.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether s is a final resolution.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// CandidateUpdate is one proposed, unapplied change to a deal field.
type CandidateUpdate struct {
	ID              string         `json:"id"`
	DealID          string         `json:"deal_id"`
	TranscriptID    string         `json:"transcript_id"`
	FieldName       string         `json:"field_name"`
	OldValue        *string        `json:"old_value"`
	NewValue        string         `json:"new_value"`
	ConfidenceScore float64        `json:"confidence_score"`
	Reasoning       string         `json:"reasoning"`
	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// CandidateUpdateDTO is the wire/extraction shape of a proposed change.
type CandidateUpdateDTO struct {
	FieldName       string  `json:"field_name"`
	OldValue        *string `json:"old_value"`
	NewValue        string  `json:"new_value"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reasoning       string  `json:"reasoning"`
}

// ExtractionResult is the normalised output of the extraction engine.
type ExtractionResult struct {
	Updates []CandidateUpdateDTO `json:"updates"`
	Summary string               `json:"summary"`
}
