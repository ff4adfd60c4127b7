// Package collector turns external prospect sources (spreadsheets, the
// Notion queue) into merge records. Collectors only read and shape; all
// dedup and persistence happens in the merge layer.
package collector

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/outreach-cli/internal/merge"
	"github.com/sells-group/outreach-cli/internal/model"
)

// XLSXOptions configures the spreadsheet parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	// SourceTag labels the observations; defaults to "xlsx:<filename>".
	SourceTag string
}

// Recognized header names, matched case-insensitively. The identity column
// is required; everything else is optional profile data.
var identityHeaders = map[string]bool{
	"email": true, "identity": true, "contact": true, "phone": true, "profile": true,
}

// CollectXLSX reads prospect rows from a spreadsheet. The first row must be
// a header row; rows missing an identity cell are emitted with an empty
// identity so the merger reports them as invalid instead of silently
// dropping them. Rows without an explicit idempotency_key column get a
// deterministic key derived from the file name and row number, so importing
// the same file twice is a no-op.
func CollectXLSX(path string, opts XLSXOptions) ([]merge.Record, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "collector: open xlsx")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("collector: %s: empty sheet", filepath.Base(path))
	}

	headers := rowToStrings(sheet.Rows[0])
	for i := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(headers[i]))
	}

	sourceTag := opts.SourceTag
	if sourceTag == "" {
		sourceTag = "xlsx:" + filepath.Base(path)
	}

	now := time.Now().UTC()
	records := make([]merge.Record, 0, len(sheet.Rows)-1)
	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if blankRow(cells) {
			continue
		}

		rec := merge.Record{
			SourceTag:  sourceTag,
			ObservedAt: now,
			Payload:    map[string]any{},
		}
		for j, h := range headers {
			if j >= len(cells) {
				break
			}
			val := strings.TrimSpace(cells[j])
			if val == "" {
				continue
			}
			rec.Payload[h] = val

			switch {
			case identityHeaders[h]:
				if rec.Identity == "" {
					rec.Identity = val
				}
			case h == "idempotency_key":
				rec.IdempotencyKey = val
			case h == "name":
				rec.Fields.Name = val
			case h == "company":
				rec.Fields.Company = val
			case h == "title":
				rec.Fields.Title = val
			case h == "channel":
				rec.Fields.Channel = model.Channel(strings.ToLower(val))
			}
		}

		if rec.IdempotencyKey == "" {
			// Row numbers are 1-based and include the header, matching
			// what a spreadsheet user sees.
			rec.IdempotencyKey = fmt.Sprintf("%s#%d", filepath.Base(path), i+2)
		}
		rec.Fields.Source = sourceTag
		records = append(records, rec)
	}

	return records, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("collector: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("collector: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
