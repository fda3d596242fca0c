package model

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FieldType is the semantic type of a deal field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
)

// FieldMapping describes one writable deal attribute.
type FieldMapping struct {
	Key   string    `json:"key" yaml:"key"`
	Label string    `json:"label" yaml:"label"`
	Type  FieldType `json:"type" yaml:"type"`
}

// FieldRegistry is the closed set of deal fields. Candidate updates naming a
// key outside the registry are rejected when applied.
type FieldRegistry struct {
	Fields  []FieldMapping
	byKey   map[string]*FieldMapping
	byLabel map[string]*FieldMapping
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups. Labels are
// derived from keys when empty.
func NewFieldRegistry(fields []FieldMapping) *FieldRegistry {
	r := &FieldRegistry{
		Fields:  fields,
		byKey:   make(map[string]*FieldMapping, len(fields)),
		byLabel: make(map[string]*FieldMapping, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Label == "" {
			f.Label = HumanizeKey(f.Key)
		}
		r.byKey[f.Key] = f
		r.byLabel[strings.ToLower(f.Label)] = f
	}
	return r
}

// ByKey returns the field mapping for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldMapping {
	return r.byKey[key]
}

// Lookup resolves a key or a human label (case-insensitive), as found in
// spreadsheet headers.
func (r *FieldRegistry) Lookup(name string) *FieldMapping {
	name = strings.TrimSpace(name)
	if f := r.byKey[name]; f != nil {
		return f
	}
	if f := r.byKey[strings.ToLower(strings.ReplaceAll(name, " ", "_"))]; f != nil {
		return f
	}
	return r.byLabel[strings.ToLower(name)]
}

// Keys returns all field keys in sorted order.
func (r *FieldRegistry) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		keys = append(keys, f.Key)
	}
	sort.Strings(keys)
	return keys
}

// KeysOfType returns the sorted keys of every field with the given type.
func (r *FieldRegistry) KeysOfType(t FieldType) []string {
	var keys []string
	for _, f := range r.Fields {
		if f.Type == t {
			keys = append(keys, f.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

var titleCaser = cases.Title(language.English)

// HumanizeKey turns a snake_case key into a display label
// ("valuation_ask" -> "Valuation Ask").
func HumanizeKey(key string) string {
	return titleCaser.String(strings.ReplaceAll(key, "_", " "))
}

// DealFields is the deal schema shared by the store, the extraction prompt and
// reconciliation.
var DealFields = NewFieldRegistry([]FieldMapping{
	// Descriptive
	{Key: "deal_name", Type: FieldText},
	{Key: "company_name", Type: FieldText},
	{Key: "status", Type: FieldText},
	{Key: "sector", Type: FieldText},
	{Key: "geography", Type: FieldText},
	{Key: "analyst_owner", Type: FieldText},
	{Key: "executive_summary", Type: FieldText},
	{Key: "key_risks", Type: FieldText},
	{Key: "meeting_notes", Type: FieldText},

	// Headline financials
	{Key: "revenue", Type: FieldNumber},
	{Key: "ebitda", Type: FieldNumber, Label: "EBITDA"},
	{Key: "valuation_ask", Type: FieldNumber},

	// Recurring revenue and unit economics
	{Key: "arr", Type: FieldNumber, Label: "ARR"},
	{Key: "mrr", Type: FieldNumber, Label: "MRR"},
	{Key: "arr_growth_rate", Type: FieldNumber, Label: "ARR Growth Rate"},
	{Key: "gross_margin", Type: FieldNumber},
	{Key: "ebitda_margin", Type: FieldNumber, Label: "EBITDA Margin"},
	{Key: "burn_rate", Type: FieldNumber},
	{Key: "runway_months", Type: FieldNumber},
	{Key: "cac", Type: FieldNumber, Label: "CAC"},
	{Key: "ltv", Type: FieldNumber, Label: "LTV"},
	{Key: "ltv_cac_ratio", Type: FieldNumber, Label: "LTV/CAC Ratio"},
	{Key: "net_revenue_retention", Type: FieldNumber},
	{Key: "gross_revenue_retention", Type: FieldNumber},
	{Key: "payback_period_months", Type: FieldNumber},
	{Key: "rule_of_40", Type: FieldNumber, Label: "Rule Of 40"},
	{Key: "customer_count", Type: FieldNumber},
	{Key: "average_contract_value", Type: FieldNumber},
	{Key: "churn_rate", Type: FieldNumber},
	{Key: "revenue_per_employee", Type: FieldNumber},
	{Key: "employee_count", Type: FieldNumber},

	// Balance sheet and valuation
	{Key: "cash_balance", Type: FieldNumber},
	{Key: "total_funding", Type: FieldNumber},
	{Key: "last_round_valuation", Type: FieldNumber},
	{Key: "debt_balance", Type: FieldNumber},
	{Key: "ev_revenue_multiple", Type: FieldNumber, Label: "EV/Revenue Multiple"},
	{Key: "ev_ebitda_multiple", Type: FieldNumber, Label: "EV/EBITDA Multiple"},

	// Timeline
	{Key: "expected_close_date", Type: FieldDate},
	{Key: "last_contact_date", Type: FieldDate},
	{Key: "loi_date", Type: FieldDate, Label: "LOI Date"},
})
