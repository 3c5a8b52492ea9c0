package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
)

// --- AssetStore ---

func (s *Store) CreateAsset(ctx context.Context, a *asset.Asset) error {
	id, err := s.nextID(ctx, colAssets)
	if err != nil {
		return err
	}
	a.ID = id
	if _, err := s.db.Collection(colAssets).InsertOne(ctx, toAssetDoc(a)); err != nil {
		return fmt.Errorf("mongo store: insert asset %d: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpdateAsset(ctx context.Context, a *asset.Asset) error {
	result, err := s.db.Collection(colAssets).ReplaceOne(ctx, bson.M{"_id": a.ID}, toAssetDoc(a))
	if err != nil {
		return fmt.Errorf("mongo store: update asset %d: %w", a.ID, err)
	}
	if result.MatchedCount == 0 {
		return fault.NotFound("asset", fmt.Sprint(a.ID))
	}
	return nil
}

func (s *Store) GetAsset(ctx context.Context, id int64) (*asset.Asset, error) {
	var doc assetDoc
	if err := s.findOne(ctx, colAssets, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "asset", fmt.Sprint(id))
	}
	return fromAssetDoc(&doc)
}

func (s *Store) GetAssetByUUID(ctx context.Context, id uuid.UUID) (*asset.Asset, error) {
	var doc assetDoc
	if err := s.findOne(ctx, colAssets, bson.M{"uuid": id.String()}, &doc); err != nil {
		return nil, notFoundOr(err, "asset", id.String())
	}
	return fromAssetDoc(&doc)
}

func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]*asset.Asset, error) {
	sort := bson.D{{Key: "part_index", Value: 1}, {Key: "_id", Value: 1}}
	return s.listAssets(ctx, bson.M{"parent_asset_id": parentID}, sort)
}

func (s *Store) DeleteChildren(ctx context.Context, parentID int64) error {
	_, err := s.db.Collection(colAssets).DeleteMany(ctx, bson.M{"parent_asset_id": parentID})
	if err != nil {
		return fmt.Errorf("mongo store: delete children of asset %d: %w", parentID, err)
	}
	return nil
}

func (s *Store) DeleteAsset(ctx context.Context, id int64) error {
	result, err := s.db.Collection(colAssets).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo store: delete asset %d: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return fault.NotFound("asset", fmt.Sprint(id))
	}
	return nil
}

func (s *Store) ListBySource(ctx context.Context, sourceID int64) ([]*asset.Asset, error) {
	return s.listAssets(ctx, bson.M{"source_id": sourceID}, bson.D{{Key: "_id", Value: 1}})
}

func (s *Store) listAssets(ctx context.Context, filter bson.M, sort bson.D) ([]*asset.Asset, error) {
	cursor, err := s.db.Collection(colAssets).Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("mongo store: list assets: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []assetDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode assets: %w", err)
	}
	out := make([]*asset.Asset, 0, len(docs))
	for i := range docs {
		a, err := fromAssetDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// --- SourceStore ---

func (s *Store) CreateSource(ctx context.Context, src *asset.Source) error {
	id, err := s.nextID(ctx, colSources)
	if err != nil {
		return err
	}
	src.ID = id
	if _, err := s.db.Collection(colSources).InsertOne(ctx, toSourceDoc(src)); err != nil {
		return fmt.Errorf("mongo store: insert source %d: %w", src.ID, err)
	}
	return nil
}

func (s *Store) UpdateSource(ctx context.Context, src *asset.Source) error {
	result, err := s.db.Collection(colSources).ReplaceOne(ctx, bson.M{"_id": src.ID}, toSourceDoc(src))
	if err != nil {
		return fmt.Errorf("mongo store: update source %d: %w", src.ID, err)
	}
	if result.MatchedCount == 0 {
		return fault.NotFound("source", fmt.Sprint(src.ID))
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, id int64) (*asset.Source, error) {
	var doc sourceDoc
	if err := s.findOne(ctx, colSources, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "source", fmt.Sprint(id))
	}
	return fromSourceDoc(&doc)
}

func (s *Store) GetSourceByUUID(ctx context.Context, id uuid.UUID) (*asset.Source, error) {
	var doc sourceDoc
	if err := s.findOne(ctx, colSources, bson.M{"uuid": id.String()}, &doc); err != nil {
		return nil, notFoundOr(err, "source", id.String())
	}
	return fromSourceDoc(&doc)
}

// --- BundleStore ---

func (s *Store) CreateBundle(ctx context.Context, b *asset.Bundle) error {
	id, err := s.nextID(ctx, colBundles)
	if err != nil {
		return err
	}
	b.ID = id
	if _, err := s.db.Collection(colBundles).InsertOne(ctx, toBundleDoc(b)); err != nil {
		return fmt.Errorf("mongo store: insert bundle %d: %w", b.ID, err)
	}
	return nil
}

func (s *Store) UpdateBundle(ctx context.Context, b *asset.Bundle) error {
	result, err := s.db.Collection(colBundles).ReplaceOne(ctx, bson.M{"_id": b.ID}, toBundleDoc(b))
	if err != nil {
		return fmt.Errorf("mongo store: update bundle %d: %w", b.ID, err)
	}
	if result.MatchedCount == 0 {
		return fault.NotFound("bundle", fmt.Sprint(b.ID))
	}
	return nil
}

func (s *Store) GetBundle(ctx context.Context, id int64) (*asset.Bundle, error) {
	var doc bundleDoc
	if err := s.findOne(ctx, colBundles, bson.M{"_id": id}, &doc); err != nil {
		return nil, notFoundOr(err, "bundle", fmt.Sprint(id))
	}
	return fromBundleDoc(&doc)
}

func (s *Store) GetBundleByUUID(ctx context.Context, id uuid.UUID) (*asset.Bundle, error) {
	var doc bundleDoc
	if err := s.findOne(ctx, colBundles, bson.M{"uuid": id.String()}, &doc); err != nil {
		return nil, notFoundOr(err, "bundle", id.String())
	}
	return fromBundleDoc(&doc)
}

func (s *Store) LinkAsset(ctx context.Context, bundleID, assetID int64) (bool, error) {
	if _, err := s.GetBundle(ctx, bundleID); err != nil {
		return false, err
	}
	filter := bson.M{"bundle_id": bundleID, "asset_id": assetID}
	update := bson.M{"$setOnInsert": filter}
	result, err := s.db.Collection(colBundleLinks).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("mongo store: link asset %d to bundle %d: %w", assetID, bundleID, err)
	}
	return result.UpsertedCount > 0, nil
}

func (s *Store) UnlinkAsset(ctx context.Context, bundleID, assetID int64) error {
	if _, err := s.GetBundle(ctx, bundleID); err != nil {
		return err
	}
	_, err := s.db.Collection(colBundleLinks).DeleteOne(ctx, bson.M{"bundle_id": bundleID, "asset_id": assetID})
	if err != nil {
		return fmt.Errorf("mongo store: unlink asset %d from bundle %d: %w", assetID, bundleID, err)
	}
	return nil
}

func (s *Store) ListBundleAssets(ctx context.Context, bundleID int64) ([]*asset.Asset, error) {
	cursor, err := s.db.Collection(colBundleLinks).Find(ctx, bson.M{"bundle_id": bundleID})
	if err != nil {
		return nil, fmt.Errorf("mongo store: list bundle %d links: %w", bundleID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var links []linkDoc
	if err := cursor.All(ctx, &links); err != nil {
		return nil, fmt.Errorf("mongo store: decode bundle %d links: %w", bundleID, err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(links))
	for i, link := range links {
		ids[i] = link.AssetID
	}
	return s.listAssets(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.D{{Key: "_id", Value: 1}})
}

func (s *Store) CountLinks(ctx context.Context, bundleID int64) (int, error) {
	n, err := s.db.Collection(colBundleLinks).CountDocuments(ctx, bson.M{"bundle_id": bundleID})
	if err != nil {
		return 0, fmt.Errorf("mongo store: count bundle %d links: %w", bundleID, err)
	}
	return int(n), nil
}

// --- shared helpers ---

func (s *Store) findOne(ctx context.Context, col string, filter bson.M, out any) error {
	return s.db.Collection(col).FindOne(ctx, filter).Decode(out)
}

// notFoundOr maps the driver's no-documents sentinel to the runtime's
// not-found fault and wraps everything else.
func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fault.NotFound(entity, id)
	}
	return fmt.Errorf("mongo store: get %s %s: %w", entity, id, err)
}
