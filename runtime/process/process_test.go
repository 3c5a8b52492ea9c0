package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/telemetry"
)

// memAssets is a minimal in-memory asset store for processor tests.
type memAssets struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*asset.Asset
}

func newMemAssets() *memAssets {
	return &memAssets{byID: map[int64]*asset.Asset{}}
}

func (s *memAssets) CreateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.byID[a.ID] = a
	return nil
}

func (s *memAssets) UpdateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
	return nil
}

func (s *memAssets) GetAsset(_ context.Context, id int64) (*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, fault.NotFound("asset", id)
	}
	return a, nil
}

func (s *memAssets) GetAssetByUUID(_ context.Context, id uuid.UUID) (*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.UUID == id {
			return a, nil
		}
	}
	return nil, fault.NotFound("asset", id)
}

func (s *memAssets) ListChildren(_ context.Context, parentID int64) ([]*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*asset.Asset
	for _, a := range s.byID {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memAssets) DeleteChildren(_ context.Context, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.byID {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			delete(s.byID, id)
		}
	}
	return nil
}

func (s *memAssets) DeleteAsset(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *memAssets) ListBySource(_ context.Context, sourceID int64) ([]*asset.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*asset.Asset
	for _, a := range s.byID {
		if a.SourceID != nil && *a.SourceID == sourceID {
			out = append(out, a)
		}
	}
	return out, nil
}

// memBlobs is an in-memory blob store.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]
	if !ok {
		return nil, fault.NotFound("blob", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, path)
	return nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[path]
	return ok, nil
}

func storedAsset(t *testing.T, assets *memAssets, kind asset.Kind, blobPath string) *asset.Asset {
	t.Helper()
	a := asset.New(kind, 1, 1)
	a.BlobPath = blobPath
	require.NoError(t, assets.CreateAsset(context.Background(), a))
	return a
}

func TestCSVProcessorCreatesRowChildren(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	csvData := "name,city,age\nAda,London,36\nGrace,New York,45\n\nLin,,29\n"
	require.NoError(t, blobs.Put(context.Background(), "f.csv", bytes.NewReader([]byte(csvData))))
	a := storedAsset(t, assets, asset.KindCSV, "f.csv")

	p := NewCSVProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))

	children, err := assets.ListChildren(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)

	first := children[0]
	assert.Equal(t, asset.KindCSVRow, first.Kind)
	assert.Equal(t, 0, *first.PartIndex)
	assert.Equal(t, "Ada | London | 36", first.TextContent)
	assert.Equal(t, "1 | Ada London 36", first.Title)
	values := first.SourceMetadata["row_values"].(map[string]any)
	assert.Equal(t, "Ada", values["name"])

	// The blank line was skipped; row numbering stays contiguous.
	assert.Equal(t, 2, *children[2].PartIndex)
	assert.Equal(t, "Lin |  | 29", children[2].TextContent)

	assert.Contains(t, a.TextContent, "CSV Headers: name, city, age")
	assert.Equal(t, ",", a.MetaString("delimiter_used"))
	assert.Equal(t, 3, a.SourceMetadata["rows_processed"])
}

func TestCSVProcessorDetectsSemicolonDelimiter(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	csvData := "name;city;age\nAda;London;36\nGrace;New York;45\n"
	require.NoError(t, blobs.Put(context.Background(), "f.csv", bytes.NewReader([]byte(csvData))))
	a := storedAsset(t, assets, asset.KindCSV, "f.csv")

	p := NewCSVProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))
	assert.Equal(t, ";", a.MetaString("delimiter_used"))
}

func TestCSVProcessorLatin1Fallback(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	// 0xE9 is é in latin1 and invalid UTF-8.
	csvData := []byte("name,caf\xe9\nAda,oui\n")
	require.NoError(t, blobs.Put(context.Background(), "f.csv", bytes.NewReader(csvData)))
	a := storedAsset(t, assets, asset.KindCSV, "f.csv")

	p := NewCSVProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))
	assert.Equal(t, "latin1", a.MetaString("encoding_used"))
	assert.Contains(t, a.TextContent, "café")
}

func TestCSVProcessorSkipRowsBeyondContentFails(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	require.NoError(t, blobs.Put(context.Background(), "f.csv", bytes.NewReader([]byte("a,b\n1,2\n"))))
	a := storedAsset(t, assets, asset.KindCSV, "f.csv")

	p := NewCSVProcessor(assets, blobs, telemetry.NopLogger{})
	err := p.Process(context.Background(), a, Options{SkipRows: 10})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProcessing))
	assert.Contains(t, err.Error(), "CSV has fewer rows than skip_rows=10")
}

func TestCSVProcessorMaxRows(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	var buf bytes.Buffer
	buf.WriteString("n,v\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&buf, "%d,x\n", i)
	}
	require.NoError(t, blobs.Put(context.Background(), "f.csv", bytes.NewReader(buf.Bytes())))
	a := storedAsset(t, assets, asset.KindCSV, "f.csv")

	p := NewCSVProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{MaxRows: 4}))
	children, _ := assets.ListChildren(context.Background(), a.ID)
	assert.Len(t, children, 4)
}

func TestDetectHeaderRowSkipsPreamble(t *testing.T) {
	rows := [][]string{
		{"Quarterly Report"},
		{"", "2024"},
		{"Customer Name", "Region Code", "Order Total", "Order Date"},
		{"Acme Corp", "EU-West", "1203.50", "2024-03-01"},
		{"Globex", "US-East", "220.00", "2024-03-02"},
	}
	idx, header := detectHeaderRow(rows)
	assert.Equal(t, 2, idx)
	assert.Equal(t, []string{"Customer Name", "Region Code", "Order Total", "Order Date"}, header)
}

func TestDetectHeaderRowNamesEmptyCells(t *testing.T) {
	rows := [][]string{
		{"alpha", "", "gamma", "delta"},
		{"a", "b", "c", "d"},
	}
	_, header := detectHeaderRow(rows)
	assert.Equal(t, "Column_2", header[1])
}

func TestExcelProcessorCreatesSheetAndRowChildren(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	cells := [][]any{
		{"product_name", "unit_price", "stock_count"},
		{"widget", 9.99, 42},
		{"gadget", 19.99, 7},
	}
	for r, row := range cells {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, wb.SetCellValue(sheet, cell, v))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))

	assets, blobs := newMemAssets(), newMemBlobs()
	require.NoError(t, blobs.Put(context.Background(), "wb.xlsx", bytes.NewReader(buf.Bytes())))
	a := storedAsset(t, assets, asset.KindCSV, "wb.xlsx")

	p := NewExcelProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))

	sheets, err := assets.ListChildren(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, sheets, 1)
	sheetAsset := sheets[0]
	assert.Equal(t, asset.KindCSV, sheetAsset.Kind)
	assert.Equal(t, 0, sheetAsset.SourceMetadata["header_row_index"])
	assert.Contains(t, sheetAsset.TextContent, "product_name,unit_price,stock_count")

	rows, err := assets.ListChildren(context.Background(), sheetAsset.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, asset.KindCSVRow, rows[0].Kind)
	assert.Contains(t, rows[0].TextContent, "widget")
}

func TestRenderCSVQuoting(t *testing.T) {
	out := renderCSV([][]string{{`plain`, `has,comma`, "has\nnewline", `has"quote`}})
	assert.Equal(t, "plain,\"has,comma\",\"has\nnewline\",\"has\"\"quote\"\n", out)
}

// scriptedScraper returns a fixed result or error.
type scriptedScraper struct {
	result *ScrapeResult
	err    error
}

func (s *scriptedScraper) Scrape(context.Context, string) (*ScrapeResult, error) {
	return s.result, s.err
}

func TestWebProcessorPopulatesParentAndImages(t *testing.T) {
	published := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	scraper := &scriptedScraper{result: &ScrapeResult{
		Title:           "Article Title",
		TextContent:     "article body",
		PublicationDate: &published,
		TopImage:        "https://cdn.example.com/hero.jpg",
		Images: []string{
			"https://cdn.example.com/hero.jpg",       // duplicate of top image
			"https://cdn.example.com/site-logo.png",  // chrome token
			"https://cdn.example.com/icon-16x16.png", // size token
			"https://cdn.example.com/figure1.jpg",
			"https://cdn.example.com/figure2.jpg",
		},
	}}

	assets := newMemAssets()
	a := asset.New(asset.KindWeb, 1, 1)
	a.SourceIdentifier = "https://example.com/post"
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	p := NewWebProcessor(assets, scraper, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))

	assert.Equal(t, "article body", a.TextContent)
	assert.Equal(t, "Article Title", a.Title)
	require.NotNil(t, a.EventTimestamp)
	assert.Equal(t, published, *a.EventTimestamp)

	children, _ := assets.ListChildren(context.Background(), a.ID)
	require.Len(t, children, 3) // featured + 2 content figures
	assert.Equal(t, "featured", children[0].MetaString("role"))
	assert.Equal(t, 0, *children[0].PartIndex)
	assert.Equal(t, "https://cdn.example.com/figure1.jpg", children[1].SourceIdentifier)
	assert.Equal(t, 1, *children[1].PartIndex)
}

func TestWebProcessorMaxImages(t *testing.T) {
	images := make([]string, 12)
	for i := range images {
		images[i] = fmt.Sprintf("https://cdn.example.com/figure%d.jpg", i)
	}
	scraper := &scriptedScraper{result: &ScrapeResult{TextContent: "body", Images: images}}

	assets := newMemAssets()
	a := asset.New(asset.KindWeb, 1, 1)
	a.SourceIdentifier = "https://example.com/post"
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	p := NewWebProcessor(assets, scraper, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{MaxImages: 3}))
	children, _ := assets.ListChildren(context.Background(), a.ID)
	assert.Len(t, children, 3)
}

func TestWebProcessorRequiresText(t *testing.T) {
	scraper := &scriptedScraper{result: &ScrapeResult{TextContent: "   "}}
	assets := newMemAssets()
	a := asset.New(asset.KindWeb, 1, 1)
	a.SourceIdentifier = "https://example.com/post"
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	p := NewWebProcessor(assets, scraper, telemetry.NopLogger{})
	err := p.Process(context.Background(), a, Options{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProcessing))
}

func TestWebProcessorScrapeFailure(t *testing.T) {
	scraper := &scriptedScraper{err: errors.New("timeout")}
	assets := newMemAssets()
	a := asset.New(asset.KindWeb, 1, 1)
	a.SourceIdentifier = "https://example.com/post"
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	p := NewWebProcessor(assets, scraper, telemetry.NopLogger{})
	err := p.Process(context.Background(), a, Options{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindProvider))
}

func TestRegistryExtensionOverridesKind(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	r := DefaultRegistry(assets, blobs, &scriptedScraper{}, telemetry.NopLogger{})

	xlsx := asset.New(asset.KindCSV, 1, 1)
	xlsx.BlobPath = "user_1/data.XLSX"
	p, ok := r.For(xlsx)
	require.True(t, ok)
	_, isExcel := p.(*ExcelProcessor)
	assert.True(t, isExcel)

	plain := asset.New(asset.KindCSV, 1, 1)
	plain.BlobPath = "user_1/data.csv"
	p, ok = r.For(plain)
	require.True(t, ok)
	_, isCSV := p.(*CSVProcessor)
	assert.True(t, isCSV)
}

func TestRegistryRunMarksFailed(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	r := DefaultRegistry(assets, blobs, &scriptedScraper{err: errors.New("boom")}, telemetry.NopLogger{})

	a := asset.New(asset.KindWeb, 1, 1)
	a.SourceIdentifier = "https://example.com"
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	err := r.Run(context.Background(), assets, telemetry.NopLogger{}, a, Options{})
	require.Error(t, err)
	assert.Equal(t, asset.StatusFailed, a.ProcessingStatus)
	assert.NotEmpty(t, a.ProcessingError)
}

func TestShouldProcessImmediately(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	csvAsset := asset.New(asset.KindCSV, 1, 1)
	webAsset := asset.New(asset.KindWeb, 1, 1)
	textAsset := asset.New(asset.KindText, 1, 1)

	cases := []struct {
		name string
		a    *asset.Asset
		pref *bool
		size int64
		want bool
	}{
		{"user preference wins", csvAsset, boolPtr(true), 20 * mib, true},
		{"over 10MB defers", textAsset, nil, 11 * mib, false},
		{"heavy kind over 5MB defers", csvAsset, nil, 6 * mib, false},
		{"small file immediate", csvAsset, nil, 1 * mib, true},
		{"web immediate", webAsset, nil, 0, true},
		{"heavy kind unknown size defers", csvAsset, nil, 0, false},
		{"default immediate", textAsset, nil, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldProcessImmediately(tc.a, tc.pref, tc.size))
		})
	}
}
