package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"rsc.io/pdf"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// DefaultMaxPages caps page extraction per PDF.
const DefaultMaxPages = 1000

// uploadedTitlePrefix marks placeholder titles that document metadata may
// overwrite.
const uploadedTitlePrefix = "Uploaded"

// PDFProcessor extracts per-page text and creates one PDF_PAGE child per
// page that yields any text.
type PDFProcessor struct {
	assets store.AssetStore
	blobs  store.BlobStore
	log    telemetry.Logger
}

// NewPDFProcessor constructs a PDF processor.
func NewPDFProcessor(assets store.AssetStore, blobs store.BlobStore, log telemetry.Logger) *PDFProcessor {
	return &PDFProcessor{assets: assets, blobs: blobs, log: log}
}

// Process opens the blob as a PDF and walks its pages. Pages with no
// extractable text produce no child. The parent's text is the concatenation
// of all page texts, and its title is replaced by the document title when
// the current one is an upload placeholder.
func (p *PDFProcessor) Process(ctx context.Context, a *asset.Asset, opts Options) error {
	if a.BlobPath == "" {
		return fault.Processing("pdf asset %d has no blob", a.ID)
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

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fault.Wrap(fault.KindProcessing, "open pdf", err)
	}

	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	pageCount := reader.NumPage()
	if pageCount > maxPages {
		p.log.Warn(ctx, "pdf exceeds page cap, truncating", "asset_id", a.ID, "pages", pageCount, "max_pages", maxPages)
		pageCount = maxPages
	}

	var full strings.Builder
	processedPages := 0
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := extractPageText(reader, pageNum+1)
		text = strings.TrimSpace(stripNulls(text))
		if text == "" {
			continue
		}
		full.WriteString(text)
		full.WriteByte('\n')

		child := asset.New(asset.KindPDFPage, a.InfospaceID, a.UserID)
		child.ParentAssetID = &a.ID
		child.SourceID = a.SourceID
		idx := pageNum
		child.PartIndex = &idx
		child.Title = fmt.Sprintf("Page %d", pageNum+1)
		child.TextContent = text
		child.SetMeta("page_number", pageNum)
		child.SetMeta("char_count", len(text))
		if err := p.assets.CreateAsset(ctx, child); err != nil {
			return err
		}
		processedPages++
	}

	a.TextContent = full.String()
	a.SetMeta("page_count", reader.NumPage())
	a.SetMeta("processed_pages", processedPages)

	if title := documentTitle(reader); title != "" && strings.HasPrefix(a.Title, uploadedTitlePrefix) {
		a.Title = title
	}
	return nil
}

// extractPageText flattens a page's glyphs into a string. The content parser
// reports one glyph per entry and elides space characters, so words are
// rebuilt from glyph positions: a vertical move starts a new line, and a
// horizontal gap wider than a third of the font size becomes a space.
// Malformed page content is tolerated and yields an empty string.
func extractPageText(reader *pdf.Reader, pageNum int) (text string) {
	defer func() {
		// The pdf content parser panics on malformed streams.
		if recover() != nil {
			text = ""
		}
	}()
	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return ""
	}
	var b strings.Builder
	var prev pdf.Text
	for i, t := range page.Content().Text {
		if i > 0 {
			switch {
			case t.Y != prev.Y:
				b.WriteByte('\n')
			case t.X-(prev.X+prev.W) > t.FontSize/3:
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.S)
		prev = t
	}
	return b.String()
}

// documentTitle reads the Info dictionary's Title entry, if any.
func documentTitle(reader *pdf.Reader) (title string) {
	defer func() {
		if recover() != nil {
			title = ""
		}
	}()
	v := reader.Trailer().Key("Info").Key("Title")
	if v.Kind() != pdf.String {
		return ""
	}
	return strings.TrimSpace(v.RawString())
}
