package dealimport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/dealflow-cli/internal/model"
	"github.com/sells-group/dealflow-cli/internal/store"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "deals.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestReadRows_XLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Pipeline": {
			{"Deal Name", " Revenue "},
			{"Acme", "$1.2M"},
		},
	})

	rows, err := ReadRows(path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Deal Name", "Revenue"}, {"Acme", "$1.2M"}}, rows)

	rows, err = ReadRows(path, ReadOptions{SheetName: "Pipeline"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = ReadRows(path, ReadOptions{SheetName: "Missing"})
	assert.Contains(t, err.Error(), `sheet "Missing" not found`)

	_, err = ReadRows(path, ReadOptions{SheetIndex: 3})
	assert.Contains(t, err.Error(), "out of range")
}

func TestReadRows_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deals.csv")
	require.NoError(t, os.WriteFile(path, []byte("deal_name,ebitda\n\"Acme, Inc\", 250k\nBeta\n"), 0o644))

	rows, err := ReadRows(path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"deal_name", "ebitda"}, {"Acme, Inc", "250k"}, {"Beta"}}, rows)
}

func TestReadRows_Errors(t *testing.T) {
	_, err := ReadRows("/nonexistent/deals.xlsx", ReadOptions{})
	assert.Contains(t, err.Error(), "xlsx: open file")

	_, err = ReadRows("deals.json", ReadOptions{})
	assert.Contains(t, err.Error(), "unsupported file type")

	bad := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, os.WriteFile(bad, []byte("not a workbook"), 0o644))
	_, err = ReadRows(bad, ReadOptions{})
	assert.Contains(t, err.Error(), "xlsx: open file")
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader(model.DealFields, []string{"ID", "Deal Name", "", "EBITDA", "expected_close_date"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.idCol)
	assert.Equal(t, []string{"deal_name", "ebitda", "expected_close_date"}, h.Fields())

	_, err = ParseHeader(model.DealFields, []string{"deal_name", "Favorite Color"})
	var unk *model.UnknownFieldError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "Favorite Color", unk.Field)

	_, err = ParseHeader(model.DealFields, []string{"revenue", "Revenue"})
	assert.Contains(t, err.Error(), "duplicate column")

	_, err = ParseHeader(model.DealFields, []string{"id"})
	assert.Error(t, err)
}

func TestHeaderDeal(t *testing.T) {
	h, err := ParseHeader(model.DealFields, []string{"id", "deal_name", "revenue", "loi_date"})
	require.NoError(t, err)

	d, err := h.Deal(model.DealFields, []string{"d-1", "Acme", "400k", "2025-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "d-1", d.ID)
	assert.Equal(t, "Acme", d.Get("deal_name"))
	assert.Equal(t, 400000.0, d.Get("revenue"))
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), d.Get("loi_date"))

	d, err = h.Deal(model.DealFields, []string{"", "Beta"})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID, "new deals get an id")
	assert.Nil(t, d.Get("revenue"))

	d, err = h.Deal(model.DealFields, []string{"", "", ""})
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = h.Deal(model.DealFields, []string{"d-2", "Gamma", "a lot"})
	var ce *model.CoercionError
	assert.ErrorAs(t, err, &ce)
}

func TestImport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	existing, err := st.CreateDeal(ctx, model.FieldValues{"deal_name": "Acme", "sector": "Software", "revenue": 100.0})
	require.NoError(t, err)

	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Deal ID", "Deal Name", "Revenue"},
			{existing.ID, "Acme Holdings", "$2M"},
			{"", "Newco", "750k"},
			{"", "", ""},
			{"", "Broken", "n/a"},
		},
	})

	report, err := Import(ctx, st, path, Options{BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"deal_name", "revenue"}, report.Fields)
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, int64(2), report.Upserted)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, 5, report.Skipped[0].Row)

	got, err := st.GetDeal(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Holdings", got.Get("deal_name"))
	assert.Equal(t, 2000000.0, got.Get("revenue"))
	assert.Equal(t, "Software", got.Get("sector"), "columns absent from the sheet are kept")

	deals, err := st.ListDeals(ctx, model.DealFilter{})
	require.NoError(t, err)
	require.Len(t, deals, 2)
	var names []string
	for i := range deals {
		names = append(names, deals[i].Name())
	}
	assert.ElementsMatch(t, []string{"Acme Holdings", "Newco"}, names)
}

func TestImport_DryRun(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "deals.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"deal_name,status",
		"Acme,Sourcing",
	}, "\n")), 0o644))

	report, err := Import(context.Background(), st, path, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Zero(t, report.Upserted)

	deals, err := st.ListDeals(context.Background(), model.DealFilter{})
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestImport_BadHeader(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "deals.csv")
	require.NoError(t, os.WriteFile(path, []byte("deal_name,shoe_size\nAcme,11\n"), 0o644))

	_, err := Import(context.Background(), st, path, Options{})
	var unk *model.UnknownFieldError
	assert.ErrorAs(t, err, &unk)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = Import(context.Background(), st, empty, Options{})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}
