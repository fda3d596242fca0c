package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"500000", 500000},
		{"400000.50", 400000.5},
		{"$1,250,000", 1250000},
		{"42%", 42},
		{"400k", 400000},
		{"1.2M", 1200000},
		{"3B", 3e9},
		{"-15", -15},
		{" 7 ", 7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseNumber("revenue", tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestParseNumber_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "about 400", "NaN", "Inf", "k", "12..5", "four hundred"} {
		_, err := ParseNumber("revenue", in)
		require.Error(t, err, in)
		var ce *CoercionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "revenue", ce.Field)
		assert.Equal(t, FieldNumber, ce.Type)
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-03-14", "2025-03-14T09:30:00Z", "Mar 14, 2025", "March 14, 2025", "03/14/2025"} {
		got, err := ParseDate("loi_date", in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}

	_, err := ParseDate("loi_date", "next quarter")
	var ce *CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, FieldDate, ce.Type)
}

func TestCoerce_ByFieldType(t *testing.T) {
	t.Parallel()

	v, err := Coerce(DealFields.ByKey("revenue"), "500000")
	require.NoError(t, err)
	assert.Equal(t, 500000.0, v)

	v, err = Coerce(DealFields.ByKey("status"), "loi_signed")
	require.NoError(t, err)
	assert.Equal(t, "loi_signed", v)

	v, err = Coerce(DealFields.ByKey("expected_close_date"), "2025-06-30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), v)

	_, err = Coerce(DealFields.ByKey("ebitda"), "unknown")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "40000", FormatValue(40000.0))
	assert.Equal(t, "0.25", FormatValue(0.25))
	assert.Equal(t, "12", FormatValue(12))
	assert.Equal(t, "400000", FormatValue(json.Number("400000")))
	assert.Equal(t, "true", FormatValue(true))
	assert.Equal(t, "2025-01-02", FormatValue(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "hello", FormatValue("hello"))
	assert.Equal(t, `["a","b"]`, FormatValue([]string{"a", "b"}))
}

func TestParseFieldValues(t *testing.T) {
	t.Parallel()

	vals, err := ParseFieldValues(DealFields, map[string]string{
		"revenue":   "$2M",
		"Sector":    "Healthcare",
		"key_risks": "",
		"loi_date":  "2025-02-01",
	})
	require.NoError(t, err)
	assert.Equal(t, 2e6, vals["revenue"])
	assert.Equal(t, "Healthcare", vals["sector"])
	assert.Contains(t, vals, "key_risks")
	assert.Nil(t, vals["key_risks"])

	_, err = ParseFieldValues(DealFields, map[string]string{"pricing": "10"})
	var ue *UnknownFieldError
	require.ErrorAs(t, err, &ue)

	_, err = ParseFieldValues(DealFields, map[string]string{"revenue": "lots"})
	var ce *CoercionError
	require.ErrorAs(t, err, &ce)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(TranscriptPending, TranscriptExtracted))
	assert.True(t, CanTransition(TranscriptExtracted, TranscriptApproved))
	assert.True(t, CanTransition(TranscriptExtracted, TranscriptRejected))

	assert.False(t, CanTransition(TranscriptPending, TranscriptApproved))
	assert.False(t, CanTransition(TranscriptExtracted, TranscriptPending))
	assert.False(t, CanTransition(TranscriptApproved, TranscriptRejected))
	assert.False(t, CanTransition(TranscriptRejected, TranscriptApproved))
}

func TestDealSnapshot(t *testing.T) {
	t.Parallel()

	d := &Deal{ID: "d1", Values: FieldValues{
		"revenue":  40000.0,
		"loi_date": time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}}
	snap := d.Snapshot(DealFields)
	assert.Equal(t, "d1", snap["id"])
	assert.Equal(t, 40000.0, snap["revenue"])
	assert.Equal(t, "2025-05-01", snap["loi_date"])
	v, ok := snap["ebitda"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Len(t, snap, len(DealFields.Fields)+1)
}
