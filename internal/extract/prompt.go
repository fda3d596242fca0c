package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/dealflow-cli/internal/model"
)

const systemPromptBase = `You are an expert private equity analyst reviewing a call transcript about an acquisition target.

Your job:
1. Identify financial metrics, status changes, dates, commitments and risks that are EXPLICITLY stated in the transcript.
2. Compare them against the current deal data.
3. Propose a change only where the transcript gives a value that is new or different from the current deal data.

Rules:
- Return ONLY a JSON object, no prose, in exactly this shape:
  {"updates": [{"field_name": "...", "old_value": "...", "new_value": "...", "confidence_score": 0.0, "reasoning": "..."}], "summary": "..."}
- field_name must be one of the known deal fields listed below
- old_value is the current value from the deal data, or null if unset
- For numerical values, use raw numbers without formatting (e.g., 400000 not "$400k")
- For dates, use YYYY-MM-DD
- confidence_score is 0.0-1.0: use 0.8 or higher only for unambiguous, explicit statements; use 0.5-0.7 for values you had to infer
- reasoning quotes or paraphrases the part of the transcript that supports the change
- If nothing relevant changed, return {"updates": [], "summary": "..."}
- summary is one or two sentences describing the call`

// SystemPrompt returns the extraction instruction including the known field
// keys and their types.
func SystemPrompt(reg *model.FieldRegistry) string {
	var sb strings.Builder
	sb.WriteString(systemPromptBase)
	sb.WriteString("\n\nKnown deal fields:\n")
	for _, f := range reg.Fields {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", f.Key, f.Type, f.Label)
	}
	return sb.String()
}

// UserMessage renders the current deal data and the transcript.
func UserMessage(transcript string, snapshot map[string]any) (string, error) {
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Current deal data:\n")
	sb.Write(data)
	sb.WriteString("\n\n--- Call Transcript ---\n")
	sb.WriteString(transcript)
	sb.WriteString("\n--- End Transcript ---\n\nReturn the JSON object now.")
	return sb.String(), nil
}
