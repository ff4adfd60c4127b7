package collector

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/outreach-cli/internal/model"
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
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "prospects.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestCollectXLSX_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Email", "Name", "Company", "Title", "Channel"},
			{"jane.doe@acme.com", "Jane Doe", "Acme", "VP Sales", "Email"},
			{"+1 (555) 010-0200", "Bob Lee", "Globex", "", "WhatsApp"},
		},
	})

	records, err := CollectXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "jane.doe@acme.com", records[0].Identity)
	assert.Equal(t, "Jane Doe", records[0].Fields.Name)
	assert.Equal(t, "Acme", records[0].Fields.Company)
	assert.Equal(t, "VP Sales", records[0].Fields.Title)
	assert.Equal(t, model.ChannelEmail, records[0].Fields.Channel)
	assert.Equal(t, "xlsx:prospects.xlsx", records[0].SourceTag)
	assert.Equal(t, "jane.doe@acme.com", records[0].Payload["email"])

	assert.Equal(t, "+1 (555) 010-0200", records[1].Identity)
	assert.Equal(t, model.ChannelWhatsApp, records[1].Fields.Channel)
}

func TestCollectXLSX_DerivedIdempotencyKeys(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Email", "Name"},
			{"a@x.com", "A"},
			{"b@x.com", "B"},
		},
	})

	records, err := CollectXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "prospects.xlsx#2", records[0].IdempotencyKey)
	assert.Equal(t, "prospects.xlsx#3", records[1].IdempotencyKey)

	// Same file parsed twice yields the same keys.
	again, err := CollectXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, records[0].IdempotencyKey, again[0].IdempotencyKey)
}

func TestCollectXLSX_ExplicitIdempotencyKeyColumn(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Email", "Idempotency_Key"},
			{"a@x.com", "export-2026-08-01:a"},
		},
	})

	records, err := CollectXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "export-2026-08-01:a", records[0].IdempotencyKey)
}

func TestCollectXLSX_BlankRowsSkippedMissingIdentityKept(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Email", "Name"},
			{"", ""},
			{"", "No Contact"},
			{"c@x.com", "C"},
		},
	})

	records, err := CollectXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2, "blank row dropped, identity-less row kept for the merge report")
	assert.Empty(t, records[0].Identity)
	assert.Equal(t, "No Contact", records[0].Fields.Name)
	assert.Equal(t, "c@x.com", records[1].Identity)
}

func TestCollectXLSX_SheetSelection(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Ignore":    {{"Email"}, {"x@x.com"}},
		"Prospects": {{"Email"}, {"y@x.com"}},
	})

	records, err := CollectXLSX(path, XLSXOptions{SheetName: "Prospects"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "y@x.com", records[0].Identity)

	_, err = CollectXLSX(path, XLSXOptions{SheetName: "Missing"})
	require.Error(t, err)

	_, err = CollectXLSX(path, XLSXOptions{SheetIndex: 9})
	require.Error(t, err)
}

func TestCollectXLSX_FileNotFound(t *testing.T) {
	_, err := CollectXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), XLSXOptions{})
	require.Error(t, err)
}
