// Package process turns raw ingested assets into text and child assets:
// CSV and Excel files into row assets, PDFs into page assets, web pages into
// scraped articles with image children. Processors are selected through a
// registry keyed by asset kind with per-extension overrides.
package process

import (
	"context"
	"path/filepath"
	"strings"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

type (
	// Options tunes a single processing pass. Zero values select defaults.
	Options struct {
		// Encoding is the expected text encoding for CSV files ("utf-8",
		// "latin1", "cp1252"). Decoding falls back through all three.
		Encoding string
		// Delimiter overrides delimiter detection for CSV files.
		Delimiter string
		// SkipRows drops leading lines before the CSV header.
		SkipRows int
		// MaxRows caps row-asset creation per CSV (default 50000).
		MaxRows int
		// MaxPages caps page extraction per PDF (default 1000).
		MaxPages int
		// MaxImages caps content-image children per web page (default 8).
		MaxImages int
		// TimeoutSeconds bounds the scrape call for web assets (default 30).
		TimeoutSeconds int
	}

	// Processor transforms one asset in place, creating children through the
	// asset store. Implementations mark the asset ready or failed.
	Processor interface {
		Process(ctx context.Context, a *asset.Asset, opts Options) error
	}

	// Registry selects the processor for an asset. Extension overrides beat
	// kind defaults, so an .xlsx stored under the CSV kind still routes to
	// the Excel processor.
	Registry struct {
		byKind map[asset.Kind]Processor
		byExt  map[string]Processor
	}
)

// NewRegistry constructs an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[asset.Kind]Processor),
		byExt:  make(map[string]Processor),
	}
}

// RegisterKind installs the default processor for a kind.
func (r *Registry) RegisterKind(k asset.Kind, p Processor) { r.byKind[k] = p }

// RegisterExtension installs an extension override (".xlsx"). Extensions are
// matched case-insensitively against the asset's blob path.
func (r *Registry) RegisterExtension(ext string, p Processor) {
	r.byExt[strings.ToLower(ext)] = p
}

// For returns the processor for an asset: extension match on the blob path
// first, then the kind default.
func (r *Registry) For(a *asset.Asset) (Processor, bool) {
	if a.BlobPath != "" {
		ext := strings.ToLower(filepath.Ext(a.BlobPath))
		if p, ok := r.byExt[ext]; ok {
			return p, true
		}
	}
	p, ok := r.byKind[a.Kind]
	return p, ok
}

// Run processes one asset through its registered processor, managing the
// status lifecycle: processing while running, ready on success, failed with
// the error recorded on the asset otherwise. Reprocessing an asset deletes
// its existing children first so processors own child creation exclusively.
func (r *Registry) Run(ctx context.Context, assets store.AssetStore, log telemetry.Logger, a *asset.Asset, opts Options) error {
	p, ok := r.For(a)
	if !ok {
		return fault.Processing("no processor registered for kind %s", a.Kind)
	}
	if err := assets.DeleteChildren(ctx, a.ID); err != nil {
		return err
	}
	a.ProcessingStatus = asset.StatusProcessing
	if err := assets.UpdateAsset(ctx, a); err != nil {
		return err
	}
	if err := p.Process(ctx, a, opts); err != nil {
		log.Warn(ctx, "asset processing failed", "asset_id", a.ID, "kind", string(a.Kind), "error", err.Error())
		a.MarkFailed(err.Error())
		if uerr := assets.UpdateAsset(ctx, a); uerr != nil {
			return uerr
		}
		return err
	}
	a.MarkReady()
	return assets.UpdateAsset(ctx, a)
}

// DefaultRegistry wires the standard processors: CSV, Excel (as the .xls and
// .xlsx extension override), PDF and Web.
func DefaultRegistry(assets store.AssetStore, blobs store.BlobStore, scraper Scraper, log telemetry.Logger) *Registry {
	r := NewRegistry()
	csv := NewCSVProcessor(assets, blobs, log)
	excel := NewExcelProcessor(assets, blobs, log)
	r.RegisterKind(asset.KindCSV, csv)
	r.RegisterExtension(".xlsx", excel)
	r.RegisterExtension(".xls", excel)
	r.RegisterKind(asset.KindPDF, NewPDFProcessor(assets, blobs, log))
	r.RegisterKind(asset.KindWeb, NewWebProcessor(assets, scraper, log))
	return r
}
