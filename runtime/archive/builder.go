package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"tessera/runtime/annotate"
	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/schema"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// textContentFileThreshold is the text length beyond which text content may
// be externalized into files/ instead of inlined in the manifest.
const textContentFileThreshold = 1024

// defaultMaxAnnotationsPerAsset bounds inlined annotations per asset.
const defaultMaxAnnotationsPerAsset = 100

// hierarchicalKinds are the kinds whose children are embedded when building
// source and full-content packages.
var hierarchicalKinds = map[asset.Kind]bool{
	asset.KindPDF:     true,
	asset.KindCSV:     true,
	asset.KindWeb:     true,
	asset.KindMBox:    true,
	asset.KindArticle: true,
}

type (
	// BuildOptions tunes package construction.
	BuildOptions struct {
		// IncludeTextContentAsFile externalizes long text content into
		// files/ with a manifest reference.
		IncludeTextContentAsFile bool
		// EmbedFullContent embeds full asset records (not just references)
		// in bundle packages.
		EmbedFullContent bool
		// MaxAnnotationsPerAsset bounds inlined annotations (default 100).
		MaxAnnotationsPerAsset int
	}

	// Builder writes resource packages. Every blob referenced by an
	// embedded record is copied into the package's files/ directory.
	Builder struct {
		assets      store.AssetStore
		sources     store.SourceStore
		bundles     store.BundleStore
		blobs       store.BlobStore
		schemas     store.SchemaStore
		runs        store.RunStore
		annotations store.AnnotationStore
		instanceID  string
		log         telemetry.Logger
	}

	// BuilderOptions configures a Builder.
	BuilderOptions struct {
		Assets      store.AssetStore
		Sources     store.SourceStore
		Bundles     store.BundleStore
		Blobs       store.BlobStore
		Schemas     store.SchemaStore
		Runs        store.RunStore
		Annotations store.AnnotationStore
		// InstanceID identifies this deployment in package provenance.
		InstanceID string
		Logger     telemetry.Logger
	}

	// packageWriter tracks the open ZIP and the files/ namespace.
	packageWriter struct {
		zw    *zip.Writer
		namer *fileNamer
	}
)

// NewBuilder constructs a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	return &Builder{
		assets:      opts.Assets,
		sources:     opts.Sources,
		bundles:     opts.Bundles,
		blobs:       opts.Blobs,
		schemas:     opts.Schemas,
		runs:        opts.Runs,
		annotations: opts.Annotations,
		instanceID:  opts.InstanceID,
		log:         opts.Logger,
	}
}

func newPackageWriter(w io.Writer) *packageWriter {
	return &packageWriter{zw: zip.NewWriter(w), namer: newFileNamer()}
}

// addFile stores data under files/ and returns the manifest reference.
func (pw *packageWriter) addFile(original string, data []byte) (string, error) {
	name := "files/" + pw.namer.Claim(original)
	f, err := pw.zw.Create(name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return name, nil
}

func (pw *packageWriter) finish(m *Manifest) error {
	data, err := marshalManifest(m)
	if err != nil {
		return err
	}
	f, err := pw.zw.Create("manifest.json")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return pw.zw.Close()
}

// BuildAssetPackage packages one asset with its blob, bounded annotations
// and embedded children.
func (b *Builder) BuildAssetPackage(ctx context.Context, w io.Writer, assetID int64, opts BuildOptions) error {
	a, err := b.assets.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	pw := newPackageWriter(w)
	record, err := b.assetRecord(ctx, pw, a, opts, true)
	if err != nil {
		return err
	}
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageAsset, b.instanceID, a.UUID, a.ID, a.Title),
		Content:  map[string]any{"asset": record},
	})
}

// BuildSourcePackage packages a source with every asset it produced, blobs
// and child assets embedded.
func (b *Builder) BuildSourcePackage(ctx context.Context, w io.Writer, sourceID int64, opts BuildOptions) error {
	src, err := b.sources.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	assets, err := b.assets.ListBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	pw := newPackageWriter(w)
	records := make([]any, 0, len(assets))
	for _, a := range assets {
		if a.ParentAssetID != nil {
			// Children ride along under their parent's children_assets.
			continue
		}
		record, err := b.assetRecord(ctx, pw, a, opts, true)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageSource, b.instanceID, src.UUID, src.ID, src.Name),
		Content: map[string]any{
			"source": sourceRecord(src),
			"assets": records,
		},
	})
}

// BuildSchemaPackage packages one schema record verbatim.
func (b *Builder) BuildSchemaPackage(ctx context.Context, w io.Writer, schemaID int64) error {
	s, err := b.schemas.GetSchema(ctx, schemaID)
	if err != nil {
		return err
	}
	pw := newPackageWriter(w)
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageSchema, b.instanceID, s.UUID, s.ID, s.Name),
		Content:  map[string]any{"schema": schemaRecord(s)},
	})
}

// BuildRunPackage packages a run's configuration, schema references and
// annotations with asset references and justifications.
func (b *Builder) BuildRunPackage(ctx context.Context, w io.Writer, runID int64) error {
	run, err := b.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	schemaRefs := make([]any, 0, len(run.TargetSchemaIDs))
	for _, id := range run.TargetSchemaIDs {
		s, err := b.schemas.GetSchema(ctx, id)
		if err != nil {
			return err
		}
		schemaRefs = append(schemaRefs, schemaReference(s))
	}
	annotations, err := b.annotations.ListAnnotationsByRun(ctx, runID)
	if err != nil {
		return err
	}
	annRecords := make([]any, 0, len(annotations))
	for _, ann := range annotations {
		record, err := b.annotationRecord(ctx, ann, true)
		if err != nil {
			return err
		}
		annRecords = append(annRecords, record)
	}
	pw := newPackageWriter(w)
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageRun, b.instanceID, run.UUID, run.ID, run.Name),
		Content: map[string]any{
			"run":                      runRecord(run),
			"target_schema_references": schemaRefs,
			"annotations":              annRecords,
		},
	})
}

// BuildBundlePackage packages a bundle: asset references by uuid, plus full
// embedded content when requested.
func (b *Builder) BuildBundlePackage(ctx context.Context, w io.Writer, bundleID int64, opts BuildOptions) error {
	bundle, err := b.bundles.GetBundle(ctx, bundleID)
	if err != nil {
		return err
	}
	members, err := b.bundles.ListBundleAssets(ctx, bundleID)
	if err != nil {
		return err
	}
	pw := newPackageWriter(w)

	refs := make([]any, 0, len(members))
	var full []any
	for _, a := range members {
		refs = append(refs, a.UUID.String())
		if opts.EmbedFullContent {
			record, err := b.assetRecord(ctx, pw, a, opts, true)
			if err != nil {
				return err
			}
			full = append(full, record)
		}
	}
	content := map[string]any{
		"bundle":           bundleRecord(bundle),
		"asset_references": refs,
	}
	if opts.EmbedFullContent {
		content["full_content"] = full
	}
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageBundle, b.instanceID, bundle.UUID, bundle.ID, bundle.Name),
		Content:  content,
	})
}

// BuildDatasetPackage packages embedded assets plus the schemas and runs
// (metadata only) they were annotated with.
func (b *Builder) BuildDatasetPackage(ctx context.Context, w io.Writer, name string, assetIDs, schemaIDs, runIDs []int64, opts BuildOptions) error {
	pw := newPackageWriter(w)

	assets := make([]any, 0, len(assetIDs))
	for _, id := range assetIDs {
		a, err := b.assets.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		record, err := b.assetRecord(ctx, pw, a, opts, true)
		if err != nil {
			return err
		}
		assets = append(assets, record)
	}
	schemas := make([]any, 0, len(schemaIDs))
	for _, id := range schemaIDs {
		s, err := b.schemas.GetSchema(ctx, id)
		if err != nil {
			return err
		}
		schemas = append(schemas, schemaRecord(s))
	}
	runs := make([]any, 0, len(runIDs))
	for _, id := range runIDs {
		run, err := b.runs.GetRun(ctx, id)
		if err != nil {
			return err
		}
		runs = append(runs, runRecord(run))
	}
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageDataset, b.instanceID, uuid.Nil, 0, name),
		Content: map[string]any{
			"assets":  assets,
			"schemas": schemas,
			"runs":    runs,
		},
	})
}

// BuildMixedPackage packages standalone assets and bundles together.
func (b *Builder) BuildMixedPackage(ctx context.Context, w io.Writer, name string, assetIDs, bundleIDs []int64, opts BuildOptions) error {
	pw := newPackageWriter(w)

	assets := make([]any, 0, len(assetIDs))
	for _, id := range assetIDs {
		a, err := b.assets.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		record, err := b.assetRecord(ctx, pw, a, opts, true)
		if err != nil {
			return err
		}
		assets = append(assets, record)
	}
	bundles := make([]any, 0, len(bundleIDs))
	for _, id := range bundleIDs {
		bundle, err := b.bundles.GetBundle(ctx, id)
		if err != nil {
			return err
		}
		members, err := b.bundles.ListBundleAssets(ctx, id)
		if err != nil {
			return err
		}
		memberRecords := make([]any, 0, len(members))
		for _, a := range members {
			record, err := b.assetRecord(ctx, pw, a, opts, true)
			if err != nil {
				return err
			}
			memberRecords = append(memberRecords, record)
		}
		entry := bundleRecord(bundle)
		entry["assets"] = memberRecords
		bundles = append(bundles, entry)
	}
	return pw.finish(&Manifest{
		Metadata: newMetadata(PackageMixed, b.instanceID, uuid.Nil, 0, name),
		Content: map[string]any{
			"assets":  assets,
			"bundles": bundles,
		},
	})
}

// assetRecord renders one asset into its manifest form, embedding its blob,
// optionally externalizing long text, inlining bounded annotations and
// recursing into children for hierarchical kinds.
func (b *Builder) assetRecord(ctx context.Context, pw *packageWriter, a *asset.Asset, opts BuildOptions, embedChildren bool) (map[string]any, error) {
	record := map[string]any{
		"id":                a.ID,
		"uuid":              a.UUID,
		"kind":              string(a.Kind),
		"title":             a.Title,
		"infospace_id":      a.InfospaceID,
		"user_id":           a.UserID,
		"source_metadata":   a.SourceMetadata,
		"processing_status": string(a.ProcessingStatus),
		"created_at":        a.CreatedAt,
	}
	if a.SourceID != nil {
		record["source_id"] = *a.SourceID
	}
	if a.ParentAssetID != nil {
		record["parent_asset_id"] = *a.ParentAssetID
	}
	if a.PartIndex != nil {
		record["part_index"] = *a.PartIndex
	}
	if a.SourceIdentifier != "" {
		record["source_identifier"] = a.SourceIdentifier
	}
	if a.ContentHash != "" {
		record["content_hash"] = a.ContentHash
	}
	if a.EventTimestamp != nil {
		record["event_timestamp"] = a.EventTimestamp
	}

	if a.BlobPath != "" {
		record["blob_path"] = a.BlobPath
		ref, err := b.embedBlob(ctx, pw, a.BlobPath)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			record["blob_file_reference"] = ref
		}
	}

	if a.TextContent != "" {
		if opts.IncludeTextContentAsFile && len(a.TextContent) > textContentFileThreshold {
			ref, err := pw.addFile(fmt.Sprintf("%s_text.txt", a.UUID), []byte(a.TextContent))
			if err != nil {
				return nil, err
			}
			record["text_content_file_reference"] = ref
		} else {
			record["text_content"] = a.TextContent
		}
	}

	annotations, err := b.inlineAnnotations(ctx, a.ID, opts)
	if err != nil {
		return nil, err
	}
	if len(annotations) > 0 {
		record["annotations"] = annotations
	}

	if embedChildren && hierarchicalKinds[a.Kind] {
		children, err := b.assets.ListChildren(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			childRecords := make([]any, 0, len(children))
			for _, child := range children {
				cr, err := b.assetRecord(ctx, pw, child, opts, true)
				if err != nil {
					return nil, err
				}
				childRecords = append(childRecords, cr)
			}
			record["children_assets"] = childRecords
		}
	}
	return record, nil
}

// embedBlob copies a blob into files/, returning its reference. A missing
// blob is tolerated with a warning so exports of partially ingested data
// still succeed.
func (b *Builder) embedBlob(ctx context.Context, pw *packageWriter, blobPath string) (string, error) {
	rc, err := b.blobs.Get(ctx, blobPath)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			b.log.Warn(ctx, "blob missing during package build", "blob_path", blobPath)
			return "", nil
		}
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return pw.addFile(blobPath, data)
}

func (b *Builder) inlineAnnotations(ctx context.Context, assetID int64, opts BuildOptions) ([]any, error) {
	if b.annotations == nil {
		return nil, nil
	}
	annotations, err := b.annotations.ListAnnotationsByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	limit := opts.MaxAnnotationsPerAsset
	if limit <= 0 {
		limit = defaultMaxAnnotationsPerAsset
	}
	if len(annotations) > limit {
		annotations = annotations[:limit]
	}
	out := make([]any, 0, len(annotations))
	for _, ann := range annotations {
		record, err := b.annotationRecord(ctx, ann, false)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// annotationRecord renders one annotation; withAssetRef adds the asset
// reference used by run packages.
func (b *Builder) annotationRecord(ctx context.Context, ann *annotate.Annotation, withAssetRef bool) (map[string]any, error) {
	record := map[string]any{
		"uuid":       ann.UUID,
		"value":      ann.Value,
		"status":     string(ann.Status),
		"created_at": ann.CreatedAt,
	}
	if ann.ErrorMessage != "" {
		record["error_message"] = ann.ErrorMessage
	}
	if len(ann.Region) > 0 {
		record["region"] = ann.Region
	}
	if len(ann.Links) > 0 {
		record["links"] = ann.Links
	}
	if s, err := b.schemas.GetSchema(ctx, ann.SchemaID); err == nil {
		record["schema_reference"] = schemaReference(s)
	}
	if run, err := b.runs.GetRun(ctx, ann.RunID); err == nil {
		record["run_reference"] = map[string]any{"uuid": run.UUID, "id": run.ID, "name": run.Name}
	}
	if withAssetRef {
		if a, err := b.assets.GetAsset(ctx, ann.AssetID); err == nil {
			record["asset_reference"] = map[string]any{"uuid": a.UUID, "id": a.ID, "title": a.Title}
		}
	}
	justifications, err := b.annotations.ListJustifications(ctx, ann.ID)
	if err != nil {
		return nil, err
	}
	if len(justifications) > 0 {
		jr := make([]any, 0, len(justifications))
		for _, j := range justifications {
			entry := map[string]any{
				"field_name": j.FieldName,
				"reasoning":  j.Reasoning,
			}
			if j.Score != nil {
				entry["score"] = *j.Score
			}
			if j.ModelName != "" {
				entry["model_name"] = j.ModelName
			}
			if len(j.EvidencePayload) > 0 {
				entry["evidence_payload"] = j.EvidencePayload
			}
			jr = append(jr, entry)
		}
		record["justifications"] = jr
	}
	return record, nil
}

func sourceRecord(src *asset.Source) map[string]any {
	return map[string]any{
		"id":         src.ID,
		"uuid":       src.UUID,
		"name":       src.Name,
		"kind":       src.Kind,
		"details":    src.Details,
		"status":     src.Status,
		"created_at": src.CreatedAt,
	}
}

func bundleRecord(bundle *asset.Bundle) map[string]any {
	return map[string]any{
		"id":          bundle.ID,
		"uuid":        bundle.UUID,
		"name":        bundle.Name,
		"purpose":     bundle.Purpose,
		"asset_count": bundle.AssetCount,
		"created_at":  bundle.CreatedAt,
	}
}

func schemaRecord(s *schema.AnnotationSchema) map[string]any {
	configs := make(map[string]any, len(s.FieldJustifications))
	for field, cfg := range s.FieldJustifications {
		configs[field] = map[string]any{"enabled": cfg.Enabled, "prompt": cfg.Prompt}
	}
	return map[string]any{
		"id":                                   s.ID,
		"uuid":                                 s.UUID,
		"name":                                 s.Name,
		"version":                              s.Version,
		"output_contract":                      s.OutputContract,
		"instructions":                         s.Instructions,
		"field_specific_justification_configs": configs,
		"target_level":                         s.TargetLevel,
		"created_at":                           s.CreatedAt,
	}
}

func schemaReference(s *schema.AnnotationSchema) map[string]any {
	return map[string]any{
		"uuid":    s.UUID,
		"id":      s.ID,
		"name":    s.Name,
		"version": s.Version,
	}
}

func runRecord(run *annotate.Run) map[string]any {
	return map[string]any{
		"id":                     run.ID,
		"uuid":                   run.UUID,
		"name":                   run.Name,
		"status":                 string(run.Status),
		"configuration":          run.Configuration,
		"include_parent_context": run.IncludeParentContext,
		"context_window":         run.ContextWindow,
		"created_at":             run.CreatedAt,
	}
}
