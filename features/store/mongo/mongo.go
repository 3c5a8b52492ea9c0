// Package mongo implements the runtime/store persistence contracts on
// MongoDB. Entities keep their sequential int64 identifiers via a counters
// collection; asset bytes go to a GridFS bucket.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tessera/runtime/store"
)

// DefaultDatabase is the database used when Options.Database is empty.
const DefaultDatabase = "tessera"

// Collection names.
const (
	colAssets         = "assets"
	colSources        = "sources"
	colBundles        = "bundles"
	colBundleLinks    = "bundle_links"
	colSchemas        = "annotation_schemas"
	colRuns           = "annotation_runs"
	colAnnotations    = "annotations"
	colJustifications = "justifications"
	colCounters       = "counters"
)

var (
	_ store.AssetStore      = (*Store)(nil)
	_ store.SourceStore     = (*Store)(nil)
	_ store.BundleStore     = (*Store)(nil)
	_ store.BlobStore       = (*Store)(nil)
	_ store.SchemaStore     = (*Store)(nil)
	_ store.RunStore        = (*Store)(nil)
	_ store.AnnotationStore = (*Store)(nil)
)

type (
	// Options configures the store.
	Options struct {
		// URL is a mongodb:// connection string. Required unless Client is
		// set.
		URL string

		// Client is a connected client, used instead of dialing URL.
		Client *mongo.Client

		// Database overrides the database name (default "tessera").
		Database string
	}

	// Store is a MongoDB implementation of every runtime/store contract.
	Store struct {
		db     *mongo.Database
		bucket *gridfs.Bucket
	}
)

// New connects (when needed) and builds the store.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := opts.Client
	if client == nil {
		if opts.URL == "" {
			return nil, errors.New("mongo store: client or url is required")
		}
		var err error
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(opts.URL))
		if err != nil {
			return nil, fmt.Errorf("mongo store: connect: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo store: ping: %w", err)
		}
	}
	name := opts.Database
	if name == "" {
		name = DefaultDatabase
	}
	return NewWithDatabase(client.Database(name))
}

// NewWithDatabase builds the store on an existing database handle.
func NewWithDatabase(db *mongo.Database) (*Store, error) {
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("mongo store: gridfs bucket: %w", err)
	}
	return &Store{db: db, bucket: bucket}, nil
}

// EnsureIndexes creates the indexes the store queries rely on. Safe to call
// on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		colAssets: {
			{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "parent_asset_id", Value: 1}}},
			{Keys: bson.D{{Key: "source_id", Value: 1}}},
		},
		colSources: {{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: unique}},
		colBundles: {{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: unique}},
		colBundleLinks: {
			{Keys: bson.D{{Key: "bundle_id", Value: 1}, {Key: "asset_id", Value: 1}}, Options: unique},
		},
		colSchemas: {
			{Keys: bson.D{{Key: "uuid", Value: 1}, {Key: "version", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "infospace_id", Value: 1}}},
		},
		colRuns: {{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: unique}},
		colAnnotations: {
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
			{Keys: bson.D{{Key: "asset_id", Value: 1}}},
		},
		colJustifications: {{Keys: bson.D{{Key: "annotation_id", Value: 1}}}},
	}
	for col, models := range specs {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo store: create %s indexes: %w", col, err)
		}
	}
	return nil
}

// nextID allocates the next sequential id for the named entity through an
// atomic $inc on the counters collection.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("mongo store: allocate %s id: %w", name, err)
	}
	return counter.Value, nil
}
