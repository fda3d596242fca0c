package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sells-group/dealflow-cli/internal/model"
)

// cleanJSON strips markdown fences and returns the outermost JSON object.
// Truncated output is not repaired; ok is false when no object is present.
func cleanJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	text = strings.TrimSpace(text)

	// A top-level array is never a valid answer, even if it wraps an object.
	if strings.HasPrefix(text, "[") {
		return "", false
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Parse decodes a completion into candidate updates. Any deviation from the
// expected shape returns a *model.MalformedExtractionError carrying raw.
// Known fields take old_value from snapshot rather than from the model.
func Parse(raw string, snapshot map[string]any, reg *model.FieldRegistry) (*model.ExtractionResult, error) {
	malformed := func(format string, args ...any) error {
		return &model.MalformedExtractionError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
	}

	body, ok := cleanJSON(raw)
	if !ok {
		return nil, malformed("no JSON object in response")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("unexpected data after JSON object")
	}

	result := &model.ExtractionResult{Updates: []model.CandidateUpdateDTO{}}
	if s, ok := top["summary"]; ok && s != nil {
		result.Summary = model.FormatValue(s)
	}

	rawUpdates, present := top["updates"]
	if !present || rawUpdates == nil {
		return result, nil
	}
	items, ok := rawUpdates.([]any)
	if !ok {
		return nil, malformed("updates is not an array")
	}

	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, malformed("updates[%d] is not an object", i)
		}
		dto, err := parseEntry(entry, snapshot, reg)
		if err != "" {
			return nil, malformed("updates[%d]: %s", i, err)
		}
		result.Updates = append(result.Updates, dto)
	}
	return result, nil
}

// parseEntry normalises one update object. A non-empty problem string means
// the entry is malformed.
func parseEntry(entry map[string]any, snapshot map[string]any, reg *model.FieldRegistry) (model.CandidateUpdateDTO, string) {
	var dto model.CandidateUpdateDTO

	name, _ := entry["field_name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return dto, "missing field_name"
	}
	dto.FieldName = name

	nv, ok := entry["new_value"]
	if !ok || nv == nil {
		return dto, "missing new_value"
	}
	dto.NewValue = model.FormatValue(nv)

	if c, ok := entry["confidence_score"]; ok && c != nil {
		n, isNum := c.(json.Number)
		if !isNum {
			return dto, "confidence_score is not a number"
		}
		f, err := n.Float64()
		if err != nil || f < 0 || f > 1 {
			return dto, fmt.Sprintf("confidence_score %s outside [0,1]", n)
		}
		dto.ConfidenceScore = f
	}

	if r, ok := entry["reasoning"]; ok && r != nil {
		dto.Reasoning = model.FormatValue(r)
	}

	dto.OldValue = oldValue(name, entry["old_value"], snapshot, reg)
	return dto, ""
}

// oldValue prefers the snapshot for registry fields the snapshot carries,
// falling back to whatever the model reported.
func oldValue(field string, reported any, snapshot map[string]any, reg *model.FieldRegistry) *string {
	if reg.ByKey(field) != nil {
		if v, ok := snapshot[field]; ok {
			if v == nil {
				return nil
			}
			s := model.FormatValue(v)
			return &s
		}
	}
	if reported == nil {
		return nil
	}
	s := model.FormatValue(reported)
	return &s
}
