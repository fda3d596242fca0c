package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
)

var outputFormat string

var numberPrinter = message.NewPrinter(language.English)

// writeValue encodes v as JSON or YAML. table falls back to JSON for values
// without a tabular form.
func writeValue(out io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		b, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode output")
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return eris.Wrap(err, "encode output")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return eris.Wrap(err, "encode output")
		}
		return enc.Close()
	case "json", "table", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return eris.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

// displayValue renders a field value for a table cell. Numbers get
// thousands separators.
func displayValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		if x == float64(int64(x)) {
			return numberPrinter.Sprintf("%d", int64(x))
		}
		return numberPrinter.Sprintf("%.2f", x)
	case time.Time:
		return x.Format(model.DateLayout)
	default:
		return model.FormatValue(v)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func optText(p *string) string {
	if p == nil {
		return "-"
	}
	return *p
}

// formatDealsList writes a tabular list of deals to w.
func formatDealsList(out io.Writer, deals []model.Deal) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSECTOR\tREVENUE\tEBITDA\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t-------\t------\t-------")
	for i := range deals {
		d := &deals[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID,
			truncate(d.Name(), 30),
			displayValue(d.Get("status")),
			displayValue(d.Get("sector")),
			displayValue(d.Get("revenue")),
			displayValue(d.Get("ebitda")),
			d.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatDeal writes every set field of a deal, in registry order.
func formatDeal(out io.Writer, d *model.Deal, reg *model.FieldRegistry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	for _, f := range reg.Fields {
		v := d.Get(f.Key)
		if v == nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", f.Label, truncate(displayValue(v), 80))
	}
	_, _ = fmt.Fprintf(w, "Updated:\t%s\n", d.UpdatedAt.Format(time.RFC3339))
	_ = w.Flush()
}

// formatTranscriptsList writes a tabular list of transcripts to w.
func formatTranscriptsList(out io.Writer, ts []model.Transcript) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDEAL\tTITLE\tCALL_DATE\tSTATUS\tCHARS")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t---------\t------\t-----")
	for _, t := range ts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			truncateID(t.DealID),
			truncate(t.Title, 30),
			t.CallDate.Format(model.DateLayout),
			t.Status,
			numberPrinter.Sprintf("%d", len(t.Text)),
		)
	}
	_ = w.Flush()
}

// formatUpdatesList writes a tabular list of candidate updates to w.
func formatUpdatesList(out io.Writer, ups []model.CandidateUpdate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTRANSCRIPT\tFIELD\tOLD\tNEW\tCONF\tSTATUS")
	_, _ = fmt.Fprintln(w, "--\t----------\t-----\t---\t---\t----\t------")
	for _, u := range ups {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			u.ID,
			truncateID(u.TranscriptID),
			u.FieldName,
			truncate(optText(u.OldValue), 24),
			truncate(u.NewValue, 24),
			u.ConfidenceScore,
			u.ApprovalStatus,
		)
	}
	_ = w.Flush()
}

// formatBatchReport summarizes a bulk resolution.
func formatBatchReport(out io.Writer, r *reconcile.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Outcome:\t%s\n", r.Outcome)
	_, _ = fmt.Fprintf(w, "Resolved:\t%d\n", len(r.Resolved))
	_, _ = fmt.Fprintf(w, "Already resolved:\t%d\n", len(r.AlreadyResolved))
	_, _ = fmt.Fprintf(w, "Not found:\t%d\n", len(r.NotFound))
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", len(r.Failed))
	for _, f := range r.Failed {
		_, _ = fmt.Fprintf(w, "  %s:\t%s\n", f.ID, f.Error)
	}
	keys := make([]string, 0, len(r.Applied))
	for k := range r.Applied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "Applied %s:\t%s\n", k, displayValue(r.Applied[k]))
	}
	_ = w.Flush()
}
