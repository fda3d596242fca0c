package model

import (
	"time"
)

// FieldValues holds typed deal field values keyed by registry key. A missing
// key is null. Values are string, float64 or time.Time.
type FieldValues map[string]any

// Deal is the authoritative record for an acquisition target.
type Deal struct {
	ID        string      `json:"id"`
	Values    FieldValues `json:"fields"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Get returns the value for key, or nil.
func (d *Deal) Get(key string) any {
	if d.Values == nil {
		return nil
	}
	return d.Values[key]
}

// Name returns the deal name, falling back to the company name.
func (d *Deal) Name() string {
	if s, ok := d.Get("deal_name").(string); ok && s != "" {
		return s
	}
	if s, ok := d.Get("company_name").(string); ok {
		return s
	}
	return ""
}

// Snapshot returns every registry field with JSON-friendly values; unset
// fields are nil. Dates are rendered in DateLayout.
func (d *Deal) Snapshot(reg *FieldRegistry) map[string]any {
	out := make(map[string]any, len(reg.Fields)+1)
	out["id"] = d.ID
	for _, f := range reg.Fields {
		v := d.Get(f.Key)
		if t, ok := v.(time.Time); ok {
			v = t.Format(DateLayout)
		}
		out[f.Key] = v
	}
	return out
}

// ParseFieldValues validates and coerces raw text input (direct edits, imports)
// into typed values. Empty text clears the field.
func ParseFieldValues(reg *FieldRegistry, raw map[string]string) (FieldValues, error) {
	out := make(FieldValues, len(raw))
	for name, text := range raw {
		f := reg.Lookup(name)
		if f == nil {
			return nil, &UnknownFieldError{Field: name}
		}
		if text == "" {
			out[f.Key] = nil
			continue
		}
		v, err := Coerce(f, text)
		if err != nil {
			return nil, err
		}
		out[f.Key] = v
	}
	return out, nil
}

// DealFilter specifies criteria for listing deals.
type DealFilter struct {
	Status string `json:"status,omitempty"`
	Sector string `json:"sector,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
