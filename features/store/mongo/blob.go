package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"

	"tessera/runtime/fault"
)

// The BlobStore contract is keyed by storage path; GridFS filenames carry
// the path and Put replaces any previous revision.

func (s *Store) Put(ctx context.Context, path string, r io.Reader) error {
	if err := s.deleteBlobFiles(ctx, path); err != nil {
		return err
	}
	if _, err := s.bucket.UploadFromStream(path, r); err != nil {
		return fmt.Errorf("mongo store: upload blob %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(path)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fault.NotFound("blob", path)
		}
		return nil, fmt.Errorf("mongo store: open blob %s: %w", path, err)
	}
	return stream, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	ids, err := s.blobFileIDs(ctx, path)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fault.NotFound("blob", path)
	}
	for _, id := range ids {
		if err := s.bucket.DeleteContext(ctx, id); err != nil {
			return fmt.Errorf("mongo store: delete blob %s: %w", path, err)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.bucket.GetFilesCollection().CountDocuments(ctx, bson.M{"filename": path})
	if err != nil {
		return false, fmt.Errorf("mongo store: stat blob %s: %w", path, err)
	}
	return n > 0, nil
}

func (s *Store) deleteBlobFiles(ctx context.Context, path string) error {
	ids, err := s.blobFileIDs(ctx, path)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.bucket.DeleteContext(ctx, id); err != nil {
			return fmt.Errorf("mongo store: replace blob %s: %w", path, err)
		}
	}
	return nil
}

func (s *Store) blobFileIDs(ctx context.Context, path string) ([]primitive.ObjectID, error) {
	cursor, err := s.bucket.GetFilesCollection().Find(ctx, bson.M{"filename": path})
	if err != nil {
		return nil, fmt.Errorf("mongo store: find blob %s: %w", path, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var files []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return nil, fmt.Errorf("mongo store: decode blob %s files: %w", path, err)
	}
	ids := make([]primitive.ObjectID, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids, nil
}
