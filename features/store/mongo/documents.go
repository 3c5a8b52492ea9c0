package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"tessera/runtime/annotate"
	"tessera/runtime/asset"
	"tessera/runtime/schema"
)

// Document types mirror the runtime entities with bson field names. UUIDs
// are stored as canonical strings so documents stay readable in the shell.

type (
	assetDoc struct {
		ID               int64          `bson:"_id"`
		UUID             string         `bson:"uuid"`
		Kind             string         `bson:"kind"`
		Title            string         `bson:"title,omitempty"`
		InfospaceID      int64          `bson:"infospace_id"`
		UserID           int64          `bson:"user_id"`
		SourceID         *int64         `bson:"source_id,omitempty"`
		ParentAssetID    *int64         `bson:"parent_asset_id,omitempty"`
		PartIndex        *int           `bson:"part_index,omitempty"`
		BlobPath         string         `bson:"blob_path,omitempty"`
		TextContent      string         `bson:"text_content,omitempty"`
		SourceIdentifier string         `bson:"source_identifier,omitempty"`
		SourceMetadata   map[string]any `bson:"source_metadata,omitempty"`
		EventTimestamp   *time.Time     `bson:"event_timestamp,omitempty"`
		ContentHash      string         `bson:"content_hash,omitempty"`
		ProcessingStatus string         `bson:"processing_status"`
		ProcessingError  string         `bson:"processing_error,omitempty"`
		CreatedAt        time.Time      `bson:"created_at"`
		UpdatedAt        time.Time      `bson:"updated_at"`
	}

	sourceDoc struct {
		ID           int64          `bson:"_id"`
		UUID         string         `bson:"uuid"`
		Name         string         `bson:"name"`
		Kind         string         `bson:"kind"`
		InfospaceID  int64          `bson:"infospace_id"`
		UserID       int64          `bson:"user_id"`
		Details      map[string]any `bson:"details,omitempty"`
		Status       string         `bson:"status,omitempty"`
		ErrorMessage string         `bson:"error_message,omitempty"`
		CreatedAt    time.Time      `bson:"created_at"`
	}

	bundleDoc struct {
		ID          int64     `bson:"_id"`
		UUID        string    `bson:"uuid"`
		Name        string    `bson:"name"`
		Purpose     string    `bson:"purpose,omitempty"`
		InfospaceID int64     `bson:"infospace_id"`
		UserID      int64     `bson:"user_id"`
		AssetCount  int       `bson:"asset_count"`
		CreatedAt   time.Time `bson:"created_at"`
	}

	linkDoc struct {
		BundleID int64 `bson:"bundle_id"`
		AssetID  int64 `bson:"asset_id"`
	}

	schemaDoc struct {
		ID                  int64                                 `bson:"_id"`
		UUID                string                                `bson:"uuid"`
		Name                string                                `bson:"name"`
		Version             int                                   `bson:"version"`
		OutputContract      map[string]any                        `bson:"output_contract"`
		Instructions        string                                `bson:"instructions,omitempty"`
		FieldJustifications map[string]schema.JustificationConfig `bson:"field_justifications,omitempty"`
		TargetLevel         string                                `bson:"target_level,omitempty"`
		InfospaceID         int64                                 `bson:"infospace_id"`
		UserID              int64                                 `bson:"user_id"`
		CreatedAt           time.Time                             `bson:"created_at"`
	}

	runDoc struct {
		ID                   int64          `bson:"_id"`
		UUID                 string         `bson:"uuid"`
		Name                 string         `bson:"name"`
		Status               string         `bson:"status"`
		Configuration        map[string]any `bson:"configuration,omitempty"`
		TargetSchemaIDs      []int64        `bson:"target_schema_ids,omitempty"`
		TargetAssetIDs       []int64        `bson:"target_asset_ids,omitempty"`
		IncludeParentContext bool           `bson:"include_parent_context"`
		ContextWindow        int            `bson:"context_window,omitempty"`
		InfospaceID          int64          `bson:"infospace_id"`
		UserID               int64          `bson:"user_id"`
		ErrorMessage         string         `bson:"error_message,omitempty"`
		CreatedAt            time.Time      `bson:"created_at"`
		UpdatedAt            time.Time      `bson:"updated_at"`
	}

	annotationDoc struct {
		ID           int64          `bson:"_id"`
		UUID         string         `bson:"uuid"`
		AssetID      int64          `bson:"asset_id"`
		SchemaID     int64          `bson:"schema_id"`
		RunID        int64          `bson:"run_id"`
		Value        map[string]any `bson:"value,omitempty"`
		Status       string         `bson:"status"`
		Region       map[string]any `bson:"region,omitempty"`
		Links        map[string]any `bson:"links,omitempty"`
		ErrorMessage string         `bson:"error_message,omitempty"`
		CreatedAt    time.Time      `bson:"created_at"`
	}

	justificationDoc struct {
		ID              int64          `bson:"_id"`
		AnnotationID    int64          `bson:"annotation_id"`
		FieldName       string         `bson:"field_name,omitempty"`
		Reasoning       string         `bson:"reasoning,omitempty"`
		EvidencePayload map[string]any `bson:"evidence_payload,omitempty"`
		Score           *float64       `bson:"score,omitempty"`
		ModelName       string         `bson:"model_name,omitempty"`
	}
)

func toAssetDoc(a *asset.Asset) *assetDoc {
	return &assetDoc{
		ID:               a.ID,
		UUID:             a.UUID.String(),
		Kind:             string(a.Kind),
		Title:            a.Title,
		InfospaceID:      a.InfospaceID,
		UserID:           a.UserID,
		SourceID:         a.SourceID,
		ParentAssetID:    a.ParentAssetID,
		PartIndex:        a.PartIndex,
		BlobPath:         a.BlobPath,
		TextContent:      a.TextContent,
		SourceIdentifier: a.SourceIdentifier,
		SourceMetadata:   a.SourceMetadata,
		EventTimestamp:   a.EventTimestamp,
		ContentHash:      a.ContentHash,
		ProcessingStatus: string(a.ProcessingStatus),
		ProcessingError:  a.ProcessingError,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func fromAssetDoc(doc *assetDoc) (*asset.Asset, error) {
	id, err := parseUUID("asset", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &asset.Asset{
		ID:               doc.ID,
		UUID:             id,
		Kind:             asset.Kind(doc.Kind),
		Title:            doc.Title,
		InfospaceID:      doc.InfospaceID,
		UserID:           doc.UserID,
		SourceID:         doc.SourceID,
		ParentAssetID:    doc.ParentAssetID,
		PartIndex:        doc.PartIndex,
		BlobPath:         doc.BlobPath,
		TextContent:      doc.TextContent,
		SourceIdentifier: doc.SourceIdentifier,
		SourceMetadata:   doc.SourceMetadata,
		EventTimestamp:   doc.EventTimestamp,
		ContentHash:      doc.ContentHash,
		ProcessingStatus: asset.ProcessingStatus(doc.ProcessingStatus),
		ProcessingError:  doc.ProcessingError,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

func toSourceDoc(src *asset.Source) *sourceDoc {
	return &sourceDoc{
		ID:           src.ID,
		UUID:         src.UUID.String(),
		Name:         src.Name,
		Kind:         src.Kind,
		InfospaceID:  src.InfospaceID,
		UserID:       src.UserID,
		Details:      src.Details,
		Status:       src.Status,
		ErrorMessage: src.ErrorMessage,
		CreatedAt:    src.CreatedAt,
	}
}

func fromSourceDoc(doc *sourceDoc) (*asset.Source, error) {
	id, err := parseUUID("source", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &asset.Source{
		ID:           doc.ID,
		UUID:         id,
		Name:         doc.Name,
		Kind:         doc.Kind,
		InfospaceID:  doc.InfospaceID,
		UserID:       doc.UserID,
		Details:      doc.Details,
		Status:       doc.Status,
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func toBundleDoc(b *asset.Bundle) *bundleDoc {
	return &bundleDoc{
		ID:          b.ID,
		UUID:        b.UUID.String(),
		Name:        b.Name,
		Purpose:     b.Purpose,
		InfospaceID: b.InfospaceID,
		UserID:      b.UserID,
		AssetCount:  b.AssetCount,
		CreatedAt:   b.CreatedAt,
	}
}

func fromBundleDoc(doc *bundleDoc) (*asset.Bundle, error) {
	id, err := parseUUID("bundle", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &asset.Bundle{
		ID:          doc.ID,
		UUID:        id,
		Name:        doc.Name,
		Purpose:     doc.Purpose,
		InfospaceID: doc.InfospaceID,
		UserID:      doc.UserID,
		AssetCount:  doc.AssetCount,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func toSchemaDoc(s *schema.AnnotationSchema) *schemaDoc {
	return &schemaDoc{
		ID:                  s.ID,
		UUID:                s.UUID.String(),
		Name:                s.Name,
		Version:             s.Version,
		OutputContract:      s.OutputContract,
		Instructions:        s.Instructions,
		FieldJustifications: s.FieldJustifications,
		TargetLevel:         s.TargetLevel,
		InfospaceID:         s.InfospaceID,
		UserID:              s.UserID,
		CreatedAt:           s.CreatedAt,
	}
}

func fromSchemaDoc(doc *schemaDoc) (*schema.AnnotationSchema, error) {
	id, err := parseUUID("schema", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &schema.AnnotationSchema{
		ID:                  doc.ID,
		UUID:                id,
		Name:                doc.Name,
		Version:             doc.Version,
		OutputContract:      doc.OutputContract,
		Instructions:        doc.Instructions,
		FieldJustifications: doc.FieldJustifications,
		TargetLevel:         doc.TargetLevel,
		InfospaceID:         doc.InfospaceID,
		UserID:              doc.UserID,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func toRunDoc(r *annotate.Run) *runDoc {
	return &runDoc{
		ID:                   r.ID,
		UUID:                 r.UUID.String(),
		Name:                 r.Name,
		Status:               string(r.Status),
		Configuration:        r.Configuration,
		TargetSchemaIDs:      r.TargetSchemaIDs,
		TargetAssetIDs:       r.TargetAssetIDs,
		IncludeParentContext: r.IncludeParentContext,
		ContextWindow:        r.ContextWindow,
		InfospaceID:          r.InfospaceID,
		UserID:               r.UserID,
		ErrorMessage:         r.ErrorMessage,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func fromRunDoc(doc *runDoc) (*annotate.Run, error) {
	id, err := parseUUID("run", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &annotate.Run{
		ID:                   doc.ID,
		UUID:                 id,
		Name:                 doc.Name,
		Status:               annotate.RunStatus(doc.Status),
		Configuration:        doc.Configuration,
		TargetSchemaIDs:      doc.TargetSchemaIDs,
		TargetAssetIDs:       doc.TargetAssetIDs,
		IncludeParentContext: doc.IncludeParentContext,
		ContextWindow:        doc.ContextWindow,
		InfospaceID:          doc.InfospaceID,
		UserID:               doc.UserID,
		ErrorMessage:         doc.ErrorMessage,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}, nil
}

func toAnnotationDoc(a *annotate.Annotation) *annotationDoc {
	return &annotationDoc{
		ID:           a.ID,
		UUID:         a.UUID.String(),
		AssetID:      a.AssetID,
		SchemaID:     a.SchemaID,
		RunID:        a.RunID,
		Value:        a.Value,
		Status:       string(a.Status),
		Region:       a.Region,
		Links:        a.Links,
		ErrorMessage: a.ErrorMessage,
		CreatedAt:    a.CreatedAt,
	}
}

func fromAnnotationDoc(doc *annotationDoc) (*annotate.Annotation, error) {
	id, err := parseUUID("annotation", doc.ID, doc.UUID)
	if err != nil {
		return nil, err
	}
	return &annotate.Annotation{
		ID:           doc.ID,
		UUID:         id,
		AssetID:      doc.AssetID,
		SchemaID:     doc.SchemaID,
		RunID:        doc.RunID,
		Value:        doc.Value,
		Status:       annotate.AnnotationStatus(doc.Status),
		Region:       doc.Region,
		Links:        doc.Links,
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func toJustificationDoc(j *annotate.Justification) *justificationDoc {
	return &justificationDoc{
		ID:              j.ID,
		AnnotationID:    j.AnnotationID,
		FieldName:       j.FieldName,
		Reasoning:       j.Reasoning,
		EvidencePayload: j.EvidencePayload,
		Score:           j.Score,
		ModelName:       j.ModelName,
	}
}

func fromJustificationDoc(doc *justificationDoc) *annotate.Justification {
	return &annotate.Justification{
		ID:              doc.ID,
		AnnotationID:    doc.AnnotationID,
		FieldName:       doc.FieldName,
		Reasoning:       doc.Reasoning,
		EvidencePayload: doc.EvidencePayload,
		Score:           doc.Score,
		ModelName:       doc.ModelName,
	}
}

func parseUUID(entity string, id int64, raw string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("mongo store: %s %d has malformed uuid %q: %w", entity, id, raw, err)
	}
	return parsed, nil
}
