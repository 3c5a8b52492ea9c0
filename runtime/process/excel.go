package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// headerScanRows bounds how deep header detection looks into a sheet.
const headerScanRows = 20

// ExcelProcessor converts workbooks into one CSV child asset per non-empty
// sheet, each with its own row children. Header rows are detected per sheet
// rather than assumed to be first.
type ExcelProcessor struct {
	assets store.AssetStore
	blobs  store.BlobStore
	log    telemetry.Logger
}

// NewExcelProcessor constructs an Excel processor.
func NewExcelProcessor(assets store.AssetStore, blobs store.BlobStore, log telemetry.Logger) *ExcelProcessor {
	return &ExcelProcessor{assets: assets, blobs: blobs, log: log}
}

// Process opens the workbook and creates a CSV child per non-empty sheet.
// Row assets hang off the sheet asset, not the workbook.
func (p *ExcelProcessor) Process(ctx context.Context, a *asset.Asset, opts Options) error {
	if a.BlobPath == "" {
		return fault.Processing("excel asset %d has no blob", a.ID)
	}
	rc, err := p.blobs.Get(ctx, a.BlobPath)
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", a.BlobPath, err)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(fault.KindProcessing, "open workbook", err)
	}
	defer wb.Close()

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var sheetSummaries []string
	sheetsProcessed := 0
	for sheetIndex, name := range wb.GetSheetList() {
		rows, err := wb.GetRows(name)
		if err != nil {
			return fault.Wrap(fault.KindProcessing, fmt.Sprintf("sheet %q", name), err)
		}
		if emptySheet(rows) {
			continue
		}

		headerIdx, header := detectHeaderRow(rows)
		sheet := p.sheetAsset(a, name, sheetIndex, rows, headerIdx, header)
		if err := p.assets.CreateAsset(ctx, sheet); err != nil {
			return err
		}

		rowCount := 0
		for i := headerIdx + 1; i < len(rows) && rowCount < maxRows; i++ {
			cells := normalizeRow(rows[i], len(header))
			if blankRow(cells) {
				continue
			}
			child := p.rowAsset(sheet, header, cells, rowCount)
			if err := p.assets.CreateAsset(ctx, child); err != nil {
				return err
			}
			rowCount++
			if rowCount%yieldInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				p.log.Debug(ctx, "excel row processing progress", "asset_id", a.ID, "sheet", name, "rows", rowCount)
			}
		}

		sheet.SetMeta("rows_processed", rowCount)
		sheet.MarkReady()
		if err := p.assets.UpdateAsset(ctx, sheet); err != nil {
			return err
		}
		sheetSummaries = append(sheetSummaries, fmt.Sprintf("Sheet %s: %d rows", name, rowCount))
		sheetsProcessed++
	}

	if sheetsProcessed == 0 {
		return fault.Processing("workbook has no non-empty sheets")
	}
	a.TextContent = strings.Join(sheetSummaries, "\n")
	a.SetMeta("sheets_processed", sheetsProcessed)
	return nil
}

// sheetAsset builds the per-sheet CSV child carrying the sheet rendered as
// quoted CSV text and the header-detection outcome in its metadata.
func (p *ExcelProcessor) sheetAsset(parent *asset.Asset, name string, sheetIndex int, rows [][]string, headerIdx int, header []string) *asset.Asset {
	sheet := asset.New(asset.KindCSV, parent.InfospaceID, parent.UserID)
	sheet.ParentAssetID = &parent.ID
	sheet.SourceID = parent.SourceID
	idx := sheetIndex
	sheet.PartIndex = &idx
	sheet.Title = name
	sheet.TextContent = renderCSV(rows)
	sheet.SetMeta("sheet_name", name)
	sheet.SetMeta("columns", header)
	sheet.SetMeta("header_row_index", headerIdx)
	sheet.SetMeta("data_starts_at_row", headerIdx+1)
	return sheet
}

func (p *ExcelProcessor) rowAsset(sheet *asset.Asset, header, cells []string, rowIndex int) *asset.Asset {
	child := asset.New(asset.KindCSVRow, sheet.InfospaceID, sheet.UserID)
	child.ParentAssetID = &sheet.ID
	child.SourceID = sheet.SourceID
	idx := rowIndex
	child.PartIndex = &idx
	child.TextContent = strings.Join(cells, " | ")
	child.Title = rowTitle(cells, rowIndex)
	values := make(map[string]any, len(header))
	for i, h := range header {
		values[h] = cells[i]
	}
	child.SetMeta("row_values", values)
	return child
}

// detectHeaderRow scans the first rows of a sheet and picks the most
// header-like one: rows with two or fewer non-empty cells are skipped, the
// rest are scored by cell count weighted by how label-like the average cell
// length is, and the winner must be followed by a data row at least half as
// populated. Empty header cells are named Column_{n}.
func detectHeaderRow(rows [][]string) (int, []string) {
	type candidate struct {
		index int
		score float64
		count int
	}
	var candidates []candidate

	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}
	for i := 0; i < limit; i++ {
		count, avgLen := rowStats(rows[i])
		if count <= 2 {
			continue
		}
		lengthScore := 0.5
		if avgLen >= 5 && avgLen <= 30 {
			lengthScore = 1.0
		}
		candidates = append(candidates, candidate{index: i, score: float64(count) * lengthScore, count: count})
	}
	if len(candidates) == 0 {
		return 0, namedHeader(firstRow(rows))
	}

	// Sort by score descending, stable on index.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	for _, c := range candidates[:minInt(2, len(candidates))] {
		if c.index+1 >= len(rows) {
			return c.index, namedHeader(rows[c.index])
		}
		nextCount, _ := rowStats(rows[c.index+1])
		if float64(nextCount) >= 0.5*float64(c.count) {
			return c.index, namedHeader(rows[c.index])
		}
	}
	best := candidates[0]
	return best.index, namedHeader(rows[best.index])
}

func rowStats(row []string) (nonEmpty int, avgLen float64) {
	total := 0
	for _, c := range row {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		nonEmpty++
		total += len(c)
	}
	if nonEmpty > 0 {
		avgLen = float64(total) / float64(nonEmpty)
	}
	return nonEmpty, avgLen
}

func namedHeader(row []string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		c = strings.TrimSpace(c)
		if c == "" {
			c = fmt.Sprintf("Column_%d", i+1)
		}
		out[i] = c
	}
	return out
}

func firstRow(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// renderCSV renders sheet rows as CSV text, quoting cells that contain a
// comma, newline or quote and doubling internal quotes.
func renderCSV(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quoteCell(cell))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func quoteCell(cell string) string {
	if !strings.ContainsAny(cell, ",\n\"") {
		return cell
	}
	return `"` + strings.ReplaceAll(cell, `"`, `""`) + `"`
}

func emptySheet(rows [][]string) bool {
	for _, row := range rows {
		for _, c := range row {
			if strings.TrimSpace(c) != "" {
				return false
			}
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
