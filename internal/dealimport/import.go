package dealimport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

const defaultBatchSize = 500

// Options configures an import.
type Options struct {
	ReadOptions
	BatchSize int  // rows per upsert; default 500
	DryRun    bool // parse and validate only
}

// RowError describes a row that was skipped.
type RowError struct {
	Row   int    `json:"row"` // 1-based, header is row 1
	Error string `json:"error"`
}

// Report summarizes an import.
type Report struct {
	Fields   []string   `json:"fields"`
	Rows     int        `json:"rows"`
	Accepted int        `json:"accepted"`
	Upserted int64      `json:"upserted"`
	Skipped  []RowError `json:"skipped"`
}

// Header maps spreadsheet columns onto deal fields.
type Header struct {
	idCol  int // -1 when the sheet has no id column
	cols   []int
	fields []string
}

// ParseHeader resolves each header cell to a registry key or label. An "id"
// (or "Deal ID") column is optional; rows without one create new deals.
// Blank header cells are ignored. Unknown headers are an error.
func ParseHeader(reg *model.FieldRegistry, row []string) (*Header, error) {
	h := &Header{idCol: -1}
	seen := make(map[string]bool)
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		switch strings.ToLower(name) {
		case "id", "deal id", "deal_id":
			h.idCol = i
			continue
		}
		f := reg.Lookup(name)
		if f == nil {
			return nil, &model.UnknownFieldError{Field: name}
		}
		if seen[f.Key] {
			return nil, &model.ValidationError{Field: name, Message: "duplicate column for " + f.Key}
		}
		seen[f.Key] = true
		h.cols = append(h.cols, i)
		h.fields = append(h.fields, f.Key)
	}
	if len(h.fields) == 0 {
		return nil, &model.ValidationError{Message: "header row names no deal fields"}
	}
	return h, nil
}

// Fields returns the registry keys the sheet writes, in column order.
func (h *Header) Fields() []string {
	return h.fields
}

// Deal converts one data row. Empty cells become nulls. A row with no
// values at all returns (nil, nil).
func (h *Header) Deal(reg *model.FieldRegistry, row []string) (*model.Deal, error) {
	raw := make(map[string]string, len(h.fields))
	blank := true
	for i, col := range h.cols {
		v := cell(row, col)
		if v != "" {
			blank = false
		}
		raw[h.fields[i]] = v
	}
	id := cell(row, h.idCol)
	if blank && id == "" {
		return nil, nil
	}

	values, err := model.ParseFieldValues(reg, raw)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &model.Deal{ID: id, Values: values}, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Import reads path and upserts its rows into st. Rows that fail coercion
// are skipped and reported; existing deals keep any field the sheet does
// not carry.
func Import(ctx context.Context, st store.Store, path string, opts Options) (*Report, error) {
	rows, err := ReadRows(path, opts.ReadOptions)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &model.ValidationError{Message: "file has no header row"}
	}

	reg := model.DealFields
	header, err := ParseHeader(reg, rows[0])
	if err != nil {
		return nil, eris.Wrap(err, "dealimport: header")
	}

	report := &Report{Fields: header.Fields(), Skipped: []RowError{}}
	deals := make([]model.Deal, 0, len(rows)-1)
	for i, row := range rows[1:] {
		d, err := header.Deal(reg, row)
		if err != nil {
			report.Skipped = append(report.Skipped, RowError{Row: i + 2, Error: err.Error()})
			continue
		}
		if d == nil {
			continue
		}
		report.Rows++
		deals = append(deals, *d)
	}
	report.Rows += len(report.Skipped)
	report.Accepted = len(deals)

	log := zap.L().With(zap.String("path", path))
	for _, s := range report.Skipped {
		log.Warn("dealimport: row skipped", zap.Int("row", s.Row), zap.String("error", s.Error))
	}
	if opts.DryRun {
		log.Info("dealimport: dry run", zap.Int("accepted", report.Accepted), zap.Int("skipped", len(report.Skipped)))
		return report, nil
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	for start := 0; start < len(deals); start += batch {
		end := min(start+batch, len(deals))
		n, err := st.UpsertDeals(ctx, header.Fields(), deals[start:end])
		if err != nil {
			return report, eris.Wrap(err, fmt.Sprintf("dealimport: upsert rows %d-%d", start+2, end+1))
		}
		report.Upserted += n
	}

	log.Info("dealimport: complete",
		zap.Int("rows", report.Rows),
		zap.Int64("upserted", report.Upserted),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}
