package mongo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tessera/runtime/annotate"
	"tessera/runtime/fault"
	"tessera/runtime/schema"
)

// --- SchemaStore ---

func (s *Store) CreateSchema(ctx context.Context, as *schema.AnnotationSchema) error {
	id, err := s.nextID(ctx, colSchemas)
	if err != nil {
		return err
	}
	as.ID = id
	if _, err := s.db.Collection(colSchemas).InsertOne(ctx, toSchemaDoc(as)); err != nil {
		return fmt.Errorf("mongo store: insert schema %d: %w", as.ID, err)
	}
	return nil
}

func (s *Store) GetSchema(ctx context.Context, id int64) (*schema.AnnotationSchema, error) {
	var doc schemaDoc
	if err := s.findOne(ctx, colSchemas, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "schema", fmt.Sprint(id))
	}
	return fromSchemaDoc(&doc)
}

func (s *Store) GetSchemaByUUID(ctx context.Context, id uuid.UUID) (*schema.AnnotationSchema, error) {
	// Versions share a UUID; return the newest.
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc schemaDoc
	err := s.db.Collection(colSchemas).FindOne(ctx, bson.M{"uuid": id.String()}, opts).Decode(&doc)
	if err != nil {
		return nil, notFoundOr(err, "schema", id.String())
	}
	return fromSchemaDoc(&doc)
}

func (s *Store) ListSchemas(ctx context.Context, infospaceID int64) ([]*schema.AnnotationSchema, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colSchemas).Find(ctx, bson.M{"infospace_id": infospaceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo store: list schemas: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []schemaDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode schemas: %w", err)
	}
	out := make([]*schema.AnnotationSchema, 0, len(docs))
	for i := range docs {
		as, err := fromSchemaDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	return out, nil
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, r *annotate.Run) error {
	id, err := s.nextID(ctx, colRuns)
	if err != nil {
		return err
	}
	r.ID = id
	if _, err := s.db.Collection(colRuns).InsertOne(ctx, toRunDoc(r)); err != nil {
		return fmt.Errorf("mongo store: insert run %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r *annotate.Run) error {
	result, err := s.db.Collection(colRuns).ReplaceOne(ctx, bson.M{"_id": r.ID}, toRunDoc(r))
	if err != nil {
		return fmt.Errorf("mongo store: update run %d: %w", r.ID, err)
	}
	if result.MatchedCount == 0 {
		return fault.NotFound("run", fmt.Sprint(r.ID))
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (*annotate.Run, error) {
	var doc runDoc
	if err := s.findOne(ctx, colRuns, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "run", fmt.Sprint(id))
	}
	return fromRunDoc(&doc)
}

func (s *Store) GetRunByUUID(ctx context.Context, id uuid.UUID) (*annotate.Run, error) {
	var doc runDoc
	if err := s.findOne(ctx, colRuns, bson.M{"uuid": id.String()}, &doc); err != nil {
		return nil, notFoundOr(err, "run", id.String())
	}
	return fromRunDoc(&doc)
}

// --- AnnotationStore ---

func (s *Store) CreateAnnotation(ctx context.Context, a *annotate.Annotation) error {
	id, err := s.nextID(ctx, colAnnotations)
	if err != nil {
		return err
	}
	a.ID = id
	if _, err := s.db.Collection(colAnnotations).InsertOne(ctx, toAnnotationDoc(a)); err != nil {
		return fmt.Errorf("mongo store: insert annotation %d: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAnnotation(ctx context.Context, id int64) (*annotate.Annotation, error) {
	var doc annotationDoc
	if err := s.findOne(ctx, colAnnotations, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "annotation", fmt.Sprint(id))
	}
	return fromAnnotationDoc(&doc)
}

func (s *Store) ListAnnotationsByAsset(ctx context.Context, assetID int64) ([]*annotate.Annotation, error) {
	return s.listAnnotations(ctx, bson.M{"asset_id": assetID})
}

func (s *Store) ListAnnotationsByRun(ctx context.Context, runID int64) ([]*annotate.Annotation, error) {
	return s.listAnnotations(ctx, bson.M{"run_id": runID})
}

func (s *Store) listAnnotations(ctx context.Context, filter bson.M) ([]*annotate.Annotation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colAnnotations).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo store: list annotations: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []annotationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode annotations: %w", err)
	}
	out := make([]*annotate.Annotation, 0, len(docs))
	for i := range docs {
		a, err := fromAnnotationDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAnnotationsByRun removes the run's annotations and their
// justifications.
func (s *Store) DeleteAnnotationsByRun(ctx context.Context, runID int64) error {
	cursor, err := s.db.Collection(colAnnotations).Find(ctx, bson.M{"run_id": runID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("mongo store: find run %d annotations: %w", runID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []struct {
		ID int64 `bson:"_id"`
	}
	if err := cursor.All(ctx, &ids); err != nil {
		return fmt.Errorf("mongo store: decode run %d annotation ids: %w", runID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	annotationIDs := make([]int64, len(ids))
	for i, doc := range ids {
		annotationIDs[i] = doc.ID
	}
	filter := bson.M{"annotation_id": bson.M{"$in": annotationIDs}}
	if _, err := s.db.Collection(colJustifications).DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongo store: delete run %d justifications: %w", runID, err)
	}
	if _, err := s.db.Collection(colAnnotations).DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("mongo store: delete run %d annotations: %w", runID, err)
	}
	return nil
}

func (s *Store) CreateJustification(ctx context.Context, j *annotate.Justification) error {
	id, err := s.nextID(ctx, colJustifications)
	if err != nil {
		return err
	}
	j.ID = id
	if _, err := s.db.Collection(colJustifications).InsertOne(ctx, toJustificationDoc(j)); err != nil {
		return fmt.Errorf("mongo store: insert justification %d: %w", j.ID, err)
	}
	return nil
}

func (s *Store) ListJustifications(ctx context.Context, annotationID int64) ([]*annotate.Justification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colJustifications).Find(ctx, bson.M{"annotation_id": annotationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo store: list justifications: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []justificationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode justifications: %w", err)
	}
	out := make([]*annotate.Justification, 0, len(docs))
	for i := range docs {
		out = append(out, fromJustificationDoc(&docs[i]))
	}
	return out, nil
}
