package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// Property names of the call-notes database.
const (
	PropTitle        = "Title"
	PropDealID       = "Deal ID"
	PropTranscript   = "Transcript"
	PropCallDate     = "Call Date"
	PropStatus       = "Status"
	PropTranscriptID = "Transcript ID"
	PropError        = "Error"
	PropProcessedAt  = "Processed At"
)

// Status values of the call-notes database.
const (
	StatusReady     = "Ready"
	StatusExtracted = "Extracted"
	StatusFailed    = "Failed"
)

// maxErrorText bounds the error message written back to a page.
const maxErrorText = 200

// plainText concatenates the plain text of a rich text array. Notion splits
// long text into 2000-character segments.
func plainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// Text returns the trimmed text of a title or rich_text property, or "".
func Text(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return strings.TrimSpace(plainText(p.Title))
	case *notionapi.RichTextProperty:
		return strings.TrimSpace(plainText(p.RichText))
	}
	return ""
}

// Date returns the start of a date property, or the zero time.
func Date(page notionapi.Page, name string) time.Time {
	prop, ok := page.Properties[name]
	if !ok {
		return time.Time{}
	}
	dp, ok := prop.(*notionapi.DateProperty)
	if !ok || dp.Date == nil || dp.Date.Start == nil {
		return time.Time{}
	}
	return time.Time(*dp.Date.Start)
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}

func processedAt(now time.Time) notionapi.DateProperty {
	d := notionapi.Date(now)
	return notionapi.DateProperty{
		Type: notionapi.PropertyTypeDate,
		Date: &notionapi.DateObject{Start: &d},
	}
}

// ExtractedUpdate marks a page as extracted and links the stored transcript.
func ExtractedUpdate(transcriptID string, now time.Time) *notionapi.PageUpdateRequest {
	return &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			PropStatus:       notionapi.StatusProperty{Status: notionapi.Status{Name: StatusExtracted}},
			PropTranscriptID: richText(transcriptID),
			PropError:        richText(""),
			PropProcessedAt:  processedAt(now),
		},
	}
}

// FailedUpdate marks a page as failed with a truncated error message. A
// transcript id is recorded when the transcript was stored before the
// failure.
func FailedUpdate(transcriptID string, cause error, now time.Time) *notionapi.PageUpdateRequest {
	msg := cause.Error()
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText]
	}
	props := notionapi.Properties{
		PropStatus:      notionapi.StatusProperty{Status: notionapi.Status{Name: StatusFailed}},
		PropError:       richText(msg),
		PropProcessedAt: processedAt(now),
	}
	if transcriptID != "" {
		props[PropTranscriptID] = richText(transcriptID)
	}
	return &notionapi.PageUpdateRequest{Properties: props}
}
