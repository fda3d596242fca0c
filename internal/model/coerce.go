package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical text form of date fields.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"Jan 2, 2006",
	"January 2, 2006",
	"01/02/2006",
}

var numberSuffixes = map[byte]float64{
	'k': 1e3,
	'm': 1e6,
	'b': 1e9,
}

// Coerce converts the text form of a candidate value into the semantic type of
// field: float64 for numbers, time.Time for dates, string otherwise. It never
// produces NaN or a zero value on bad input; it returns a CoercionError.
func Coerce(field *FieldMapping, text string) (any, error) {
	switch field.Type {
	case FieldNumber:
		return ParseNumber(field.Key, text)
	case FieldDate:
		return ParseDate(field.Key, text)
	default:
		return text, nil
	}
}

// ParseNumber accepts plain decimals plus the forms analysts and models
// commonly write: "$1,250,000", "42%", "400k", "1.2M".
func ParseNumber(key, text string) (float64, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, &CoercionError{Field: key, Value: text, Type: FieldNumber}
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)

	mul := 1.0
	if n := len(s); n > 1 {
		if m, ok := numberSuffixes[lower(s[n-1])]; ok {
			mul = m
			s = strings.TrimSpace(s[:n-1])
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &CoercionError{Field: key, Value: text, Type: FieldNumber}
	}
	v *= mul
	if neg {
		v = -v
	}
	return v, nil
}

// ParseDate parses the supported date layouts and returns a UTC date.
func ParseDate(key, text string) (time.Time, error) {
	s := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, &CoercionError{Field: key, Value: text, Type: FieldDate}
}

// FormatValue renders a stored or extracted value as ledger text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(DateLayout)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
