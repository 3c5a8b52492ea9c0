package process

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/asset"
	"tessera/runtime/telemetry"
)

// buildPDF assembles a minimal PDF with one content stream per page and a
// document Info title. Object offsets are computed so the xref table is
// valid.
func buildPDF(title string, pageContents []string) []byte {
	n := len(pageContents)
	fontNum := 3 + 2*n
	infoNum := fontNum + 1

	kids := make([]string, n)
	for i := range pageContents {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
	}
	for i, content := range pageContents {
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", fontNum, 4+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	// Glyph widths drive the extractor's word-gap detection.
	widths := strings.TrimSpace(strings.Repeat("500 ", 95))
	objects = append(objects,
		fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /FirstChar 32 /LastChar 126 /Widths [%s] >>", widths),
		fmt.Sprintf("<< /Title (%s) >>", title),
	)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, len(objects))
	for i, body := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, infoNum, xrefPos)
	return buf.Bytes()
}

func pageText(s string) string {
	return fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", s)
}

func TestPDFProcessorSkipsEmptyPages(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	doc := buildPDF("Quarterly Report", []string{
		pageText("Revenue grew in the first quarter"),
		"",
		pageText("Outlook remains stable"),
	})
	require.NoError(t, blobs.Put(context.Background(), "doc.pdf", bytes.NewReader(doc)))
	a := storedAsset(t, assets, asset.KindPDF, "doc.pdf")
	a.Title = "Uploaded doc.pdf"

	p := NewPDFProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))

	children, err := assets.ListChildren(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	first := children[0]
	assert.Equal(t, asset.KindPDFPage, first.Kind)
	assert.Equal(t, 0, *first.PartIndex)
	assert.Equal(t, "Page 1", first.Title)
	assert.Contains(t, first.TextContent, "Revenue grew")
	assert.Equal(t, 0, first.SourceMetadata["page_number"])
	assert.Equal(t, len(first.TextContent), first.SourceMetadata["char_count"])

	// The empty page 2 produced no child; part_index keeps the page position.
	assert.Equal(t, 2, *children[1].PartIndex)
	assert.Equal(t, "Page 3", children[1].Title)

	assert.Equal(t, 3, a.SourceMetadata["page_count"])
	assert.Equal(t, 2, a.SourceMetadata["processed_pages"])
	assert.Contains(t, a.TextContent, "Outlook remains stable")

	// The Info title replaces the upload placeholder.
	assert.Equal(t, "Quarterly Report", a.Title)
}

func TestPDFProcessorZeroExtractablePages(t *testing.T) {
	assets, blobs := newMemAssets(), newMemBlobs()
	doc := buildPDF("Scanned", []string{""})
	require.NoError(t, blobs.Put(context.Background(), "scan.pdf", bytes.NewReader(doc)))
	a := storedAsset(t, assets, asset.KindPDF, "scan.pdf")

	p := NewPDFProcessor(assets, blobs, telemetry.NopLogger{})
	require.NoError(t, p.Process(context.Background(), a, Options{}))

	children, err := assets.ListChildren(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
	assert.Empty(t, a.TextContent)
	assert.Equal(t, 1, a.SourceMetadata["page_count"])
	assert.Equal(t, 0, a.SourceMetadata["processed_pages"])
}

func TestPDFProcessorRequiresBlob(t *testing.T) {
	assets := newMemAssets()
	a := asset.New(asset.KindPDF, 1, 1)
	require.NoError(t, assets.CreateAsset(context.Background(), a))

	p := NewPDFProcessor(assets, newMemBlobs(), telemetry.NopLogger{})
	err := p.Process(context.Background(), a, Options{})
	require.Error(t, err)
}
