package process

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// DefaultMaxRows caps row-asset creation per CSV file.
const DefaultMaxRows = 50000

// yieldInterval is how often row processing logs progress and checks for
// cancellation.
const yieldInterval = 1000

// delimiterCandidates are the separators the detector considers.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

// CSVProcessor parses delimited text files into one child asset per row.
type CSVProcessor struct {
	assets store.AssetStore
	blobs  store.BlobStore
	log    telemetry.Logger
}

// NewCSVProcessor constructs a CSV processor.
func NewCSVProcessor(assets store.AssetStore, blobs store.BlobStore, log telemetry.Logger) *CSVProcessor {
	return &CSVProcessor{assets: assets, blobs: blobs, log: log}
}

// Process reads the asset's blob, decodes it, detects the delimiter, and
// creates a CSV_ROW child per data row. The parent's text content becomes a
// header line plus per-row summaries, and its metadata records columns,
// delimiter, encoding and row count.
func (p *CSVProcessor) Process(ctx context.Context, a *asset.Asset, opts Options) error {
	if a.BlobPath == "" {
		return fault.Processing("csv asset %d has no blob", a.ID)
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

	text, encodingUsed := decodeText(raw, opts.Encoding)
	lines := splitLines(text)
	if opts.SkipRows > 0 {
		if opts.SkipRows >= len(lines) {
			return fault.Processing("CSV has fewer rows than skip_rows=%d", opts.SkipRows)
		}
		lines = lines[opts.SkipRows:]
	}

	delimiter := detectDelimiter(lines, opts.Delimiter)

	reader := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := readHeader(reader)
	if err != nil {
		return err
	}

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	summaries := make([]string, 0, 64)
	rowIndex := 0
	for rowIndex < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fault.Wrap(fault.KindProcessing, fmt.Sprintf("row %d", rowIndex+1), err)
		}
		cells := normalizeRow(record, len(header))
		if blankRow(cells) {
			continue
		}
		child := p.rowAsset(a, header, cells, rowIndex)
		if err := p.assets.CreateAsset(ctx, child); err != nil {
			return err
		}
		summaries = append(summaries, child.Title)
		rowIndex++
		if rowIndex%yieldInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.log.Debug(ctx, "csv row processing progress", "asset_id", a.ID, "rows", rowIndex)
		}
	}

	a.TextContent = "CSV Headers: " + strings.Join(header, ", ") + "\n" + strings.Join(summaries, "\n")
	a.SetMeta("columns", header)
	a.SetMeta("delimiter_used", string(delimiter))
	a.SetMeta("encoding_used", encodingUsed)
	a.SetMeta("rows_processed", rowIndex)
	return nil
}

// rowAsset builds the child asset for one data row.
func (p *CSVProcessor) rowAsset(parent *asset.Asset, header, cells []string, rowIndex int) *asset.Asset {
	child := asset.New(asset.KindCSVRow, parent.InfospaceID, parent.UserID)
	child.ParentAssetID = &parent.ID
	child.SourceID = parent.SourceID
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

// rowTitle is "{n} | first three non-empty cells truncated to 25 chars", or
// "Row {n}" when the row has no usable cells. n is 1-based.
func rowTitle(cells []string, rowIndex int) string {
	n := rowIndex + 1
	parts := make([]string, 0, 3)
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > 25 {
			c = c[:25]
		}
		parts = append(parts, c)
		if len(parts) == 3 {
			break
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Row %d", n)
	}
	return fmt.Sprintf("%d | %s", n, strings.Join(parts, " "))
}

// readHeader reads and cleans the header row: cells are stripped and empty
// trailing cells dropped. An empty header fails the file.
func readHeader(reader *csv.Reader) ([]string, error) {
	record, err := reader.Read()
	if err != nil {
		return nil, fault.Wrap(fault.KindProcessing, "csv header", err)
	}
	header := make([]string, 0, len(record))
	for _, h := range record {
		h = strings.TrimSpace(stripNulls(h))
		if h != "" {
			header = append(header, h)
		}
	}
	if len(header) == 0 {
		return nil, fault.Processing("csv header row is empty")
	}
	return header, nil
}

// normalizeRow pads or truncates the record to the header width and strips
// null bytes.
func normalizeRow(record []string, width int) []string {
	cells := make([]string, width)
	for i := 0; i < width; i++ {
		if i < len(record) {
			cells[i] = stripNulls(record[i])
		}
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

func stripNulls(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

// decodeText decodes raw bytes trying the requested encoding first, then the
// fallback chain utf-8, latin1, cp1252. Undecodable bytes are replaced, so
// the last fallback always succeeds.
func decodeText(raw []byte, requested string) (string, string) {
	order := []string{"utf-8", "latin1", "cp1252"}
	if requested != "" && requested != "utf-8" {
		order = append([]string{requested}, order...)
	}
	for _, enc := range order {
		if text, ok := decodeAs(raw, enc); ok {
			return text, enc
		}
	}
	// Replacement-mode UTF-8 as the terminal fallback.
	return strings.ToValidUTF8(string(raw), "�"), "utf-8"
}

func decodeAs(raw []byte, encoding string) (string, bool) {
	switch strings.ToLower(encoding) {
	case "utf-8", "utf8":
		s := string(raw)
		if utf8.ValidString(s) {
			return s, true
		}
		return "", false
	case "latin1", "iso-8859-1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", false
		}
		return string(out), true
	case "cp1252", "windows-1252":
		out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", false
		}
		return string(out), true
	default:
		return "", false
	}
}

// detectDelimiter picks the field separator: the explicit option wins, then
// field-count consistency across sample lines, defaulting to a comma.
func detectDelimiter(lines []string, explicit string) rune {
	if explicit != "" {
		return []rune(explicit)[0]
	}
	sample := sampleLines(lines, 10)
	if len(sample) == 0 {
		return ','
	}

	best := ','
	bestScore := 0.0
	for _, cand := range delimiterCandidates {
		counts := fieldCounts(sample, cand)
		if len(counts) == 0 {
			continue
		}
		if !consistent(counts) {
			continue
		}
		score := scoreDelimiter(counts)
		if score > bestScore {
			best = cand
			bestScore = score
		}
	}
	return best
}

func sampleLines(lines []string, n int) []string {
	out := make([]string, 0, n)
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
		if len(out) == n {
			break
		}
	}
	return out
}

// fieldCounts parses up to five sample lines with the candidate delimiter
// and returns per-line field counts.
func fieldCounts(sample []string, delim rune) []int {
	limit := len(sample)
	if limit > 5 {
		limit = 5
	}
	counts := make([]int, 0, limit)
	for _, line := range sample[:limit] {
		r := csv.NewReader(strings.NewReader(line))
		r.Comma = delim
		r.LazyQuotes = true
		record, err := r.Read()
		if err != nil {
			continue
		}
		counts = append(counts, len(record))
	}
	return counts
}

// consistent rejects candidates whose field-count spread across sample rows
// exceeds max(2, 20% of the average).
func consistent(counts []int) bool {
	min, max, sum := counts[0], counts[0], 0
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
		sum += c
	}
	avg := float64(sum) / float64(len(counts))
	tolerance := 0.2 * avg
	if tolerance < 2 {
		tolerance = 2
	}
	return float64(max-min) <= tolerance
}

// scoreDelimiter scores a candidate by field-count consistency (weight 0.7)
// and field richness (weight 0.3). Candidates averaging a single field score
// zero: a delimiter that never splits is no delimiter.
func scoreDelimiter(counts []int) float64 {
	modal := make(map[int]int)
	sum := 0
	for _, c := range counts {
		modal[c]++
		sum += c
	}
	avg := float64(sum) / float64(len(counts))
	if avg <= 1 {
		return 0
	}
	most := 0
	for _, n := range modal {
		if n > most {
			most = n
		}
	}
	consistency := float64(most) / float64(len(counts))
	richness := avg / 10
	if richness > 1 {
		richness = 1
	}
	return consistency*0.7 + richness*0.3
}
