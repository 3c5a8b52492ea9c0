package process

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// Service bundles the asset-maintenance operations built on top of the
// processors: regenerating CSV blobs from row children, updating CSV content
// in place without orphaning annotations, and reprocessing.
type Service struct {
	assets   store.AssetStore
	blobs    store.BlobStore
	registry *Registry
	log      telemetry.Logger
}

// NewService constructs a Service.
func NewService(assets store.AssetStore, blobs store.BlobStore, registry *Registry, log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Service{assets: assets, blobs: blobs, registry: registry, log: log}
}

// MaterializeCSV regenerates a CSV blob from the asset's row children using
// the column order recorded at processing time, uploads it and points the
// asset's blob path at it. Reparsing the materialized blob yields the same
// header and row order.
func (s *Service) MaterializeCSV(ctx context.Context, a *asset.Asset) error {
	if a.Kind != asset.KindCSV {
		return fault.Validation("asset %d is not a csv", a.ID)
	}
	header := metaColumns(a)
	if len(header) == 0 {
		return fault.Processing("asset %d has no recorded columns to materialize", a.ID)
	}
	rows, err := s.orderedRows(ctx, a.ID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		values, _ := row.SourceMetadata["row_values"].(map[string]any)
		for i, col := range header {
			if v, ok := values[col]; ok {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	path := a.BlobPath
	if path == "" {
		path = fmt.Sprintf("user_%d/%s.csv", a.UserID, a.UUID)
	}
	if err := s.blobs.Put(ctx, path, bytes.NewReader(buf.Bytes())); err != nil {
		return err
	}
	a.BlobPath = path
	a.SetMeta("materialized", true)
	return s.assets.UpdateAsset(ctx, a)
}

// UpdateCSVContent overwrites the asset's blob with new CSV data and
// reparses it in place. Row assets are updated positionally rather than
// recreated, so annotations referencing surviving rows stay attached; extra
// rows are created and surplus rows deleted.
func (s *Service) UpdateCSVContent(ctx context.Context, a *asset.Asset, data []byte, opts Options) error {
	if a.Kind != asset.KindCSV {
		return fault.Validation("asset %d is not a csv", a.ID)
	}
	if a.BlobPath == "" {
		a.BlobPath = fmt.Sprintf("user_%d/%s.csv", a.UserID, a.UUID)
	}
	if err := s.blobs.Put(ctx, a.BlobPath, bytes.NewReader(data)); err != nil {
		return err
	}

	existing, err := s.orderedRows(ctx, a.ID)
	if err != nil {
		return err
	}

	// Reparse into a staging parent so existing children are untouched,
	// then reconcile positionally.
	staging := *a
	staging.SourceMetadata = make(map[string]any)
	stagingRows, header, err := s.parseRows(ctx, &staging, opts)
	if err != nil {
		return err
	}

	for i, fresh := range stagingRows {
		if i < len(existing) {
			row := existing[i]
			row.TextContent = fresh.TextContent
			row.Title = fresh.Title
			row.SetMeta("row_values", fresh.SourceMetadata["row_values"])
			if err := s.assets.UpdateAsset(ctx, row); err != nil {
				return err
			}
			continue
		}
		fresh.ParentAssetID = &a.ID
		if err := s.assets.CreateAsset(ctx, fresh); err != nil {
			return err
		}
	}
	for i := len(stagingRows); i < len(existing); i++ {
		if err := s.assets.DeleteAsset(ctx, existing[i].ID); err != nil {
			return err
		}
	}

	a.TextContent = staging.TextContent
	a.SetMeta("columns", header)
	a.SetMeta("rows_processed", len(stagingRows))
	a.MarkReady()
	return s.assets.UpdateAsset(ctx, a)
}

// Reprocess deletes the asset's children and runs its processor again.
func (s *Service) Reprocess(ctx context.Context, a *asset.Asset, opts Options) error {
	return s.registry.Run(ctx, s.assets, s.log, a, opts)
}

// orderedRows lists CSV_ROW children sorted by part index.
func (s *Service) orderedRows(ctx context.Context, parentID int64) ([]*asset.Asset, error) {
	children, err := s.assets.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rows := children[:0]
	for _, c := range children {
		if c.Kind == asset.KindCSVRow {
			rows = append(rows, c)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return derefInt(rows[i].PartIndex) < derefInt(rows[j].PartIndex)
	})
	return rows, nil
}

// parseRows runs the CSV parsing path against a detached copy of the asset,
// collecting the row assets it would create instead of persisting them.
func (s *Service) parseRows(ctx context.Context, a *asset.Asset, opts Options) ([]*asset.Asset, []string, error) {
	collector := &collectingStore{}
	p := NewCSVProcessor(collector, s.blobs, s.log)
	if err := p.Process(ctx, a, opts); err != nil {
		return nil, nil, err
	}
	header, _ := a.SourceMetadata["columns"].([]string)
	return collector.created, header, nil
}

// collectingStore captures created assets without persisting them. Only
// CreateAsset is exercised by the CSV parsing path.
type collectingStore struct {
	store.AssetStore
	created []*asset.Asset
}

func (c *collectingStore) CreateAsset(_ context.Context, a *asset.Asset) error {
	c.created = append(c.created, a)
	return nil
}

func metaColumns(a *asset.Asset) []string {
	switch cols := a.SourceMetadata["columns"].(type) {
	case []string:
		return cols
	case []any:
		out := make([]string, 0, len(cols))
		for _, c := range cols {
			out = append(out, strings.TrimSpace(fmt.Sprintf("%v", c)))
		}
		return out
	default:
		return nil
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
