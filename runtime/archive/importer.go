package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"tessera/runtime/annotate"
	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/process"
	"tessera/runtime/schema"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

type (
	// ImportOptions targets a package import at an infospace.
	ImportOptions struct {
		InfospaceID int64
		UserID      int64
		// TriggerProcessing reprocesses imported assets whose kind requires
		// it and whose package carried no children.
		TriggerProcessing bool
	}

	// ImportResult summarizes what an import created and skipped.
	ImportResult struct {
		PackageType        PackageType
		AssetsCreated      int
		AssetsSkipped      int
		SourcesCreated     int
		SchemasCreated     int
		RunsCreated        int
		BundlesCreated     int
		AnnotationsCreated int
	}

	// Importer restores packages built by Builder. Imports are idempotent per
	// entity UUID: an entity that already exists locally is skipped and its
	// local identity reused for reference resolution.
	Importer struct {
		assets      store.AssetStore
		sources     store.SourceStore
		bundles     store.BundleStore
		blobs       store.BlobStore
		schemas     store.SchemaStore
		runs        store.RunStore
		annotations store.AnnotationStore
		processors  *process.Registry
		log         telemetry.Logger
	}

	// ImporterOptions configures an Importer.
	ImporterOptions struct {
		Assets      store.AssetStore
		Sources     store.SourceStore
		Bundles     store.BundleStore
		Blobs       store.BlobStore
		Schemas     store.SchemaStore
		Runs        store.RunStore
		Annotations store.AnnotationStore
		Processors  *process.Registry
		Logger      telemetry.Logger
	}

	// mappedEntity is the local identity assigned to an imported entity.
	mappedEntity struct {
		localID   int64
		localUUID uuid.UUID
	}

	// importState tracks one import: the package contents, the target, and
	// the source-UUID to local-identity map used to resolve cross references.
	importState struct {
		files   map[string]*zip.File
		opts    ImportOptions
		uuidMap map[string]map[string]mappedEntity
		result  *ImportResult
		// pending are newly created assets that may need processing after
		// the import commits.
		pending []*asset.Asset
	}
)

// NewImporter constructs an Importer.
func NewImporter(opts ImporterOptions) *Importer {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	return &Importer{
		assets:      opts.Assets,
		sources:     opts.Sources,
		bundles:     opts.Bundles,
		blobs:       opts.Blobs,
		schemas:     opts.Schemas,
		runs:        opts.Runs,
		annotations: opts.Annotations,
		processors:  opts.Processors,
		log:         opts.Logger,
	}
}

// ImportPackage reads a package ZIP and restores its contents into the
// target infospace. Unknown manifest keys and unrecognized files in the
// archive are ignored.
func (imp *Importer) ImportPackage(ctx context.Context, r io.ReaderAt, size int64, opts ImportOptions) (*ImportResult, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fault.Validation("package is not a valid ZIP archive: %v", err)
	}
	files, manifest, err := readManifest(zr)
	if err != nil {
		return nil, err
	}

	st := &importState{
		files:   files,
		opts:    opts,
		uuidMap: make(map[string]map[string]mappedEntity),
		result:  &ImportResult{PackageType: manifest.Metadata.PackageType},
	}

	switch manifest.Metadata.PackageType {
	case PackageAsset:
		err = imp.importAssetPackage(ctx, st, manifest.Content)
	case PackageSource:
		err = imp.importSourcePackage(ctx, st, manifest.Content)
	case PackageSchema:
		err = imp.importSchemaPackage(ctx, st, manifest.Content)
	case PackageRun:
		err = imp.importRunPackage(ctx, st, manifest.Content)
	case PackageBundle:
		err = imp.importBundlePackage(ctx, st, manifest.Content)
	case PackageDataset:
		err = imp.importDatasetPackage(ctx, st, manifest.Content)
	case PackageMixed:
		err = imp.importMixedPackage(ctx, st, manifest.Content)
	default:
		return nil, fault.Validation("unsupported package type %q", manifest.Metadata.PackageType)
	}
	if err != nil {
		return nil, err
	}

	if opts.TriggerProcessing {
		imp.triggerProcessing(ctx, st)
	}
	return st.result, nil
}

// readManifest locates manifest.json, tolerating one wrapping directory
// around the package contents (common when archives are re-zipped).
func readManifest(zr *zip.Reader) (map[string]*zip.File, *Manifest, error) {
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}
	prefix := ""
	if _, ok := byName["manifest.json"]; !ok {
		prefix = singleTopDir(zr.File)
		if prefix == "" {
			return nil, nil, fault.Validation("package has no manifest.json")
		}
		if _, ok := byName[prefix+"manifest.json"]; !ok {
			return nil, nil, fault.Validation("package has no manifest.json")
		}
	}
	files := make(map[string]*zip.File, len(byName))
	for name, f := range byName {
		files[strings.TrimPrefix(name, prefix)] = f
	}
	data, err := readZipFile(files["manifest.json"])
	if err != nil {
		return nil, nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fault.Validation("package manifest is not valid JSON: %v", err)
	}
	return files, &m, nil
}

// singleTopDir returns the shared top-level directory prefix ("dir/") when
// every archive entry lives under exactly one, "" otherwise.
func singleTopDir(files []*zip.File) string {
	prefix := ""
	for _, f := range files {
		i := strings.Index(f.Name, "/")
		if i < 0 {
			return ""
		}
		top := f.Name[:i+1]
		if prefix == "" {
			prefix = top
		} else if prefix != top {
			return ""
		}
	}
	return prefix
}

func readZipFile(f *zip.File) ([]byte, error) {
	if f == nil {
		return nil, fault.Validation("package file missing")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (st *importState) readFile(ref string) ([]byte, error) {
	f, ok := st.files[ref]
	if !ok {
		return nil, fault.Validation("package references missing file %q", ref)
	}
	return readZipFile(f)
}

// record registers an imported entity's local identity under its source UUID.
func (st *importState) record(resourceType, sourceUUID string, localID int64, localUUID uuid.UUID) {
	m, ok := st.uuidMap[resourceType]
	if !ok {
		m = make(map[string]mappedEntity)
		st.uuidMap[resourceType] = m
	}
	m[sourceUUID] = mappedEntity{localID: localID, localUUID: localUUID}
}

func (st *importState) lookup(resourceType, sourceUUID string) (mappedEntity, bool) {
	m, ok := st.uuidMap[resourceType][sourceUUID]
	return m, ok
}

func (imp *Importer) importAssetPackage(ctx context.Context, st *importState, content map[string]any) error {
	record, ok := getMap(content, "asset")
	if !ok {
		return fault.Validation("asset package has no asset record")
	}
	_, err := imp.importAsset(ctx, st, record, nil, nil)
	return err
}

func (imp *Importer) importSourcePackage(ctx context.Context, st *importState, content map[string]any) error {
	srcRecord, ok := getMap(content, "source")
	if !ok {
		return fault.Validation("source package has no source record")
	}
	src, err := imp.importSource(ctx, st, srcRecord)
	if err != nil {
		return err
	}
	var sourceID *int64
	if src != nil {
		sourceID = &src.ID
	}
	for _, item := range getSlice(content, "assets") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importAsset(ctx, st, record, nil, sourceID); err != nil {
			return err
		}
	}
	return nil
}

func (imp *Importer) importSchemaPackage(ctx context.Context, st *importState, content map[string]any) error {
	record, ok := getMap(content, "schema")
	if !ok {
		return fault.Validation("schema package has no schema record")
	}
	_, err := imp.importSchema(ctx, st, record)
	return err
}

func (imp *Importer) importRunPackage(ctx context.Context, st *importState, content map[string]any) error {
	record, ok := getMap(content, "run")
	if !ok {
		return fault.Validation("run package has no run record")
	}
	// Schema references resolve against local schemas; a run package does
	// not carry full schema records.
	for _, item := range getSlice(content, "target_schema_references") {
		ref, ok := item.(map[string]any)
		if !ok {
			continue
		}
		imp.resolveSchemaRef(ctx, st, ref)
	}
	run, err := imp.importRun(ctx, st, record)
	if err != nil {
		return err
	}
	for _, item := range getSlice(content, "annotations") {
		annRecord, ok := item.(map[string]any)
		if !ok {
			continue
		}
		imp.importAnnotation(ctx, st, annRecord, run)
	}
	return nil
}

func (imp *Importer) importBundlePackage(ctx context.Context, st *importState, content map[string]any) error {
	record, ok := getMap(content, "bundle")
	if !ok {
		return fault.Validation("bundle package has no bundle record")
	}
	for _, item := range getSlice(content, "full_content") {
		assetRecord, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importAsset(ctx, st, assetRecord, nil, nil); err != nil {
			return err
		}
	}
	_, err := imp.importBundle(ctx, st, record, getSlice(content, "asset_references"))
	return err
}

// importDatasetPackage restores schemas and runs before assets so the
// annotations inlined on asset records can resolve their references.
func (imp *Importer) importDatasetPackage(ctx context.Context, st *importState, content map[string]any) error {
	for _, item := range getSlice(content, "schemas") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importSchema(ctx, st, record); err != nil {
			return err
		}
	}
	for _, item := range getSlice(content, "runs") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importRun(ctx, st, record); err != nil {
			return err
		}
	}
	for _, item := range getSlice(content, "assets") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importAsset(ctx, st, record, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (imp *Importer) importMixedPackage(ctx context.Context, st *importState, content map[string]any) error {
	for _, item := range getSlice(content, "assets") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importAsset(ctx, st, record, nil, nil); err != nil {
			return err
		}
	}
	for _, item := range getSlice(content, "bundles") {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var refs []any
		for _, member := range getSlice(record, "assets") {
			memberRecord, ok := member.(map[string]any)
			if !ok {
				continue
			}
			if _, err := imp.importAsset(ctx, st, memberRecord, nil, nil); err != nil {
				return err
			}
			if u, ok := memberRecord["uuid"].(string); ok {
				refs = append(refs, u)
			}
		}
		if _, err := imp.importBundle(ctx, st, record, refs); err != nil {
			return err
		}
	}
	return nil
}

// importAsset restores one asset record, its blob, its annotations and its
// embedded children. Existing assets (matched by UUID) are reused as-is.
func (imp *Importer) importAsset(ctx context.Context, st *importState, record map[string]any, parentID, sourceID *int64) (*asset.Asset, error) {
	sourceUUID := getString(record, "uuid")
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return nil, fault.Validation("asset record carries invalid uuid %q", sourceUUID)
	}
	if existing, err := imp.assets.GetAssetByUUID(ctx, id); err == nil {
		st.record("asset", sourceUUID, existing.ID, existing.UUID)
		st.result.AssetsSkipped++
		return existing, nil
	}

	a := asset.New(asset.Kind(getString(record, "kind")), st.opts.InfospaceID, st.opts.UserID)
	// Preserve the source UUID: it is the dedup key for future imports.
	a.UUID = id
	a.Title = getString(record, "title")
	a.SourceIdentifier = getString(record, "source_identifier")
	a.ContentHash = getString(record, "content_hash")
	a.ParentAssetID = parentID
	a.SourceID = sourceID
	if v, ok := getInt(record, "part_index"); ok {
		a.PartIndex = &v
	}
	if meta, ok := getMap(record, "source_metadata"); ok {
		a.SourceMetadata = meta
	}
	a.SetMeta("imported_from_uuid", sourceUUID)
	if ts := getString(record, "event_timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			a.EventTimestamp = &parsed
		}
	}

	if ref := getString(record, "text_content_file_reference"); ref != "" {
		data, err := st.readFile(ref)
		if err != nil {
			return nil, err
		}
		a.TextContent = string(data)
	} else {
		a.TextContent = getString(record, "text_content")
	}

	if ref := getString(record, "blob_file_reference"); ref != "" {
		data, err := st.readFile(ref)
		if err != nil {
			return nil, err
		}
		blobPath := fmt.Sprintf("infospaces/%d/imported_package_files/%s_%s",
			st.opts.InfospaceID, randomHex(5), SafeFilename(ref))
		if err := imp.blobs.Put(ctx, blobPath, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		a.BlobPath = blobPath
	}

	children := getSlice(record, "children_assets")
	switch status := asset.ProcessingStatus(getString(record, "processing_status")); status {
	case asset.StatusReady, asset.StatusFailed:
		a.ProcessingStatus = status
	default:
		a.ProcessingStatus = asset.StatusPending
	}

	if err := imp.assets.CreateAsset(ctx, a); err != nil {
		return nil, err
	}
	st.record("asset", sourceUUID, a.ID, a.UUID)
	st.result.AssetsCreated++
	if parentID == nil && len(children) == 0 && asset.NeedsProcessing(a.Kind) {
		st.pending = append(st.pending, a)
	}

	for _, item := range children {
		childRecord, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, err := imp.importAsset(ctx, st, childRecord, &a.ID, sourceID); err != nil {
			return nil, err
		}
	}
	for _, item := range getSlice(record, "annotations") {
		annRecord, ok := item.(map[string]any)
		if !ok {
			continue
		}
		imp.importAssetAnnotation(ctx, st, annRecord, a)
	}
	return a, nil
}

func (imp *Importer) importSource(ctx context.Context, st *importState, record map[string]any) (*asset.Source, error) {
	sourceUUID := getString(record, "uuid")
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return nil, fault.Validation("source record carries invalid uuid %q", sourceUUID)
	}
	if existing, err := imp.sources.GetSourceByUUID(ctx, id); err == nil {
		st.record("source", sourceUUID, existing.ID, existing.UUID)
		return existing, nil
	}
	src := &asset.Source{
		UUID:        id,
		Name:        getString(record, "name"),
		Kind:        getString(record, "kind"),
		InfospaceID: st.opts.InfospaceID,
		UserID:      st.opts.UserID,
		Status:      getString(record, "status"),
		CreatedAt:   time.Now().UTC(),
	}
	if details, ok := getMap(record, "details"); ok {
		src.Details = details
	} else {
		src.Details = make(map[string]any)
	}
	src.Details["imported_from_uuid"] = sourceUUID
	if err := imp.sources.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	st.record("source", sourceUUID, src.ID, src.UUID)
	st.result.SourcesCreated++
	return src, nil
}

func (imp *Importer) importSchema(ctx context.Context, st *importState, record map[string]any) (*schema.AnnotationSchema, error) {
	sourceUUID := getString(record, "uuid")
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return nil, fault.Validation("schema record carries invalid uuid %q", sourceUUID)
	}
	if existing, err := imp.schemas.GetSchemaByUUID(ctx, id); err == nil {
		st.record("schema", sourceUUID, existing.ID, existing.UUID)
		return existing, nil
	}
	contract, _ := getMap(record, "output_contract")
	version := 1
	if v, ok := getInt(record, "version"); ok {
		version = v
	}
	s, err := schema.New(getString(record, "name"), version, contract,
		getString(record, "instructions"), st.opts.InfospaceID, st.opts.UserID)
	if err != nil {
		return nil, err
	}
	s.UUID = id
	s.TargetLevel = getString(record, "target_level")
	if configs, ok := getMap(record, "field_specific_justification_configs"); ok {
		s.FieldJustifications = make(map[string]schema.JustificationConfig, len(configs))
		for field, raw := range configs {
			cfg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			enabled, _ := cfg["enabled"].(bool)
			prompt, _ := cfg["prompt"].(string)
			s.FieldJustifications[field] = schema.JustificationConfig{Enabled: enabled, Prompt: prompt}
		}
	}
	if err := imp.schemas.CreateSchema(ctx, s); err != nil {
		return nil, err
	}
	st.record("schema", sourceUUID, s.ID, s.UUID)
	st.result.SchemasCreated++
	return s, nil
}

func (imp *Importer) importRun(ctx context.Context, st *importState, record map[string]any) (*annotate.Run, error) {
	sourceUUID := getString(record, "uuid")
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return nil, fault.Validation("run record carries invalid uuid %q", sourceUUID)
	}
	if existing, err := imp.runs.GetRunByUUID(ctx, id); err == nil {
		st.record("run", sourceUUID, existing.ID, existing.UUID)
		return existing, nil
	}
	run := annotate.NewRun(getString(record, "name"), st.opts.InfospaceID, st.opts.UserID)
	run.UUID = id
	if cfg, ok := getMap(record, "configuration"); ok {
		run.Configuration = cfg
	}
	run.IncludeParentContext, _ = record["include_parent_context"].(bool)
	if v, ok := getInt(record, "context_window"); ok {
		run.ContextWindow = v
	}
	// Imported runs carry their recorded status directly: the lifecycle DAG
	// governs live execution, not restoration.
	switch status := annotate.RunStatus(getString(record, "status")); status {
	case annotate.RunCompleted, annotate.RunCompletedWithErrors, annotate.RunFailed, annotate.RunPaused:
		run.Status = status
	}
	if err := imp.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	st.record("run", sourceUUID, run.ID, run.UUID)
	st.result.RunsCreated++
	return run, nil
}

func (imp *Importer) importBundle(ctx context.Context, st *importState, record map[string]any, refs []any) (*asset.Bundle, error) {
	sourceUUID := getString(record, "uuid")
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return nil, fault.Validation("bundle record carries invalid uuid %q", sourceUUID)
	}
	if existing, err := imp.bundles.GetBundleByUUID(ctx, id); err == nil {
		st.record("bundle", sourceUUID, existing.ID, existing.UUID)
		return existing, nil
	}
	bundle := &asset.Bundle{
		UUID:        id,
		Name:        getString(record, "name"),
		Purpose:     getString(record, "purpose"),
		InfospaceID: st.opts.InfospaceID,
		UserID:      st.opts.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := imp.bundles.CreateBundle(ctx, bundle); err != nil {
		return nil, err
	}
	linked := 0
	for _, item := range refs {
		ref, ok := item.(string)
		if !ok {
			continue
		}
		target, ok := imp.resolveAsset(ctx, st, ref)
		if !ok {
			imp.log.Warn(ctx, "bundle member not resolvable during import", "asset_uuid", ref)
			continue
		}
		created, err := imp.bundles.LinkAsset(ctx, bundle.ID, target.localID)
		if err != nil {
			return nil, err
		}
		if created {
			linked++
		}
	}
	bundle.AssetCount = linked
	if err := imp.bundles.UpdateBundle(ctx, bundle); err != nil {
		return nil, err
	}
	st.record("bundle", sourceUUID, bundle.ID, bundle.UUID)
	st.result.BundlesCreated++
	return bundle, nil
}

// importAnnotation restores a run-package annotation, resolving its asset
// and schema references. Annotations whose references cannot be resolved are
// skipped with a warning rather than failing the import.
func (imp *Importer) importAnnotation(ctx context.Context, st *importState, record map[string]any, run *annotate.Run) {
	assetRef, _ := getMap(record, "asset_reference")
	assetUUID := getString(assetRef, "uuid")
	target, ok := imp.resolveAsset(ctx, st, assetUUID)
	if !ok {
		imp.log.Warn(ctx, "annotation skipped, asset not resolvable", "asset_uuid", assetUUID)
		return
	}
	imp.createAnnotation(ctx, st, record, run.ID, target.localID)
}

// importAssetAnnotation restores an annotation inlined on an asset record.
func (imp *Importer) importAssetAnnotation(ctx context.Context, st *importState, record map[string]any, a *asset.Asset) {
	runRef, _ := getMap(record, "run_reference")
	runID := int64(0)
	if run, ok := imp.resolveRun(ctx, st, getString(runRef, "uuid")); ok {
		runID = run.localID
	}
	imp.createAnnotation(ctx, st, record, runID, a.ID)
}

func (imp *Importer) createAnnotation(ctx context.Context, st *importState, record map[string]any, runID, assetID int64) {
	schemaRef, _ := getMap(record, "schema_reference")
	schemaEntity, ok := imp.resolveSchemaRef(ctx, st, schemaRef)
	if !ok {
		imp.log.Warn(ctx, "annotation skipped, schema not resolvable", "schema_uuid", getString(schemaRef, "uuid"))
		return
	}
	ann := &annotate.Annotation{
		UUID:      uuid.New(),
		AssetID:   assetID,
		SchemaID:  schemaEntity.localID,
		RunID:     runID,
		Status:    annotate.AnnotationStatus(getString(record, "status")),
		CreatedAt: time.Now().UTC(),
	}
	if ann.Status == "" {
		ann.Status = annotate.AnnotationSuccess
	}
	if value, ok := getMap(record, "value"); ok {
		ann.Value = value
	}
	if region, ok := getMap(record, "region"); ok {
		ann.Region = region
	}
	if links, ok := getMap(record, "links"); ok {
		ann.Links = links
	}
	ann.ErrorMessage = getString(record, "error_message")
	if err := imp.annotations.CreateAnnotation(ctx, ann); err != nil {
		imp.log.Warn(ctx, "annotation import failed", "error", err.Error())
		return
	}
	st.result.AnnotationsCreated++
	for _, item := range getSlice(record, "justifications") {
		jr, ok := item.(map[string]any)
		if !ok {
			continue
		}
		j := &annotate.Justification{
			AnnotationID: ann.ID,
			FieldName:    getString(jr, "field_name"),
			Reasoning:    getString(jr, "reasoning"),
			ModelName:    getString(jr, "model_name"),
		}
		if score, ok := jr["score"].(float64); ok {
			j.Score = &score
		}
		if evidence, ok := getMap(jr, "evidence_payload"); ok {
			j.EvidencePayload = evidence
		}
		if err := imp.annotations.CreateJustification(ctx, j); err != nil {
			imp.log.Warn(ctx, "justification import failed", "error", err.Error())
		}
	}
}

// resolveAsset maps a package asset UUID to a local asset, first through the
// import's UUID map, then by direct local lookup.
func (imp *Importer) resolveAsset(ctx context.Context, st *importState, sourceUUID string) (mappedEntity, bool) {
	if m, ok := st.lookup("asset", sourceUUID); ok {
		return m, true
	}
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return mappedEntity{}, false
	}
	a, err := imp.assets.GetAssetByUUID(ctx, id)
	if err != nil {
		return mappedEntity{}, false
	}
	m := mappedEntity{localID: a.ID, localUUID: a.UUID}
	st.record("asset", sourceUUID, a.ID, a.UUID)
	return m, true
}

func (imp *Importer) resolveRun(ctx context.Context, st *importState, sourceUUID string) (mappedEntity, bool) {
	if m, ok := st.lookup("run", sourceUUID); ok {
		return m, true
	}
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return mappedEntity{}, false
	}
	run, err := imp.runs.GetRunByUUID(ctx, id)
	if err != nil {
		return mappedEntity{}, false
	}
	m := mappedEntity{localID: run.ID, localUUID: run.UUID}
	st.record("run", sourceUUID, run.ID, run.UUID)
	return m, true
}

func (imp *Importer) resolveSchemaRef(ctx context.Context, st *importState, ref map[string]any) (mappedEntity, bool) {
	sourceUUID := getString(ref, "uuid")
	if m, ok := st.lookup("schema", sourceUUID); ok {
		return m, true
	}
	id, err := uuid.Parse(sourceUUID)
	if err != nil {
		return mappedEntity{}, false
	}
	s, err := imp.schemas.GetSchemaByUUID(ctx, id)
	if err != nil {
		return mappedEntity{}, false
	}
	m := mappedEntity{localID: s.ID, localUUID: s.UUID}
	st.record("schema", sourceUUID, s.ID, s.UUID)
	return m, true
}

// triggerProcessing reprocesses imported assets that need it. Failures are
// recorded on the asset by the processing registry, never failing the
// completed import.
func (imp *Importer) triggerProcessing(ctx context.Context, st *importState) {
	if imp.processors == nil {
		return
	}
	for _, a := range st.pending {
		if err := imp.processors.Run(ctx, imp.assets, imp.log, a, process.Options{}); err != nil {
			imp.log.Warn(ctx, "post-import processing failed", "asset_id", a.ID, "error", err.Error())
		}
	}
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// getInt reads a numeric manifest value; JSON decoding yields float64.
func getInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func getSlice(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}
