package store

import (
	"context"

	"github.com/google/uuid"

	"tessera/runtime/annotate"
	"tessera/runtime/schema"
)

type (
	// SchemaStore persists annotation schemas.
	SchemaStore interface {
		CreateSchema(ctx context.Context, s *schema.AnnotationSchema) error
		GetSchema(ctx context.Context, id int64) (*schema.AnnotationSchema, error)
		GetSchemaByUUID(ctx context.Context, id uuid.UUID) (*schema.AnnotationSchema, error)
		ListSchemas(ctx context.Context, infospaceID int64) ([]*schema.AnnotationSchema, error)
	}

	// RunStore persists annotation runs.
	RunStore interface {
		CreateRun(ctx context.Context, r *annotate.Run) error
		UpdateRun(ctx context.Context, r *annotate.Run) error
		GetRun(ctx context.Context, id int64) (*annotate.Run, error)
		GetRunByUUID(ctx context.Context, id uuid.UUID) (*annotate.Run, error)
	}

	// AnnotationStore persists annotations and justifications. Deleting a
	// run cascades to its annotations.
	AnnotationStore interface {
		CreateAnnotation(ctx context.Context, a *annotate.Annotation) error
		GetAnnotation(ctx context.Context, id int64) (*annotate.Annotation, error)
		ListAnnotationsByAsset(ctx context.Context, assetID int64) ([]*annotate.Annotation, error)
		ListAnnotationsByRun(ctx context.Context, runID int64) ([]*annotate.Annotation, error)
		DeleteAnnotationsByRun(ctx context.Context, runID int64) error
		CreateJustification(ctx context.Context, j *annotate.Justification) error
		ListJustifications(ctx context.Context, annotationID int64) ([]*annotate.Justification, error)
	}
)
