// Package store defines the persistence contracts used by the runtime.
// Implementations live under features/store (in-memory, MongoDB); the
// runtime treats the relational schema as an abstract store and never
// depends on a concrete backend.
package store

import (
	"context"
	"io"

	"github.com/google/uuid"

	"tessera/runtime/asset"
)

type (
	// AssetStore persists assets and their parent/child links.
	AssetStore interface {
		CreateAsset(ctx context.Context, a *asset.Asset) error
		UpdateAsset(ctx context.Context, a *asset.Asset) error
		GetAsset(ctx context.Context, id int64) (*asset.Asset, error)
		GetAssetByUUID(ctx context.Context, id uuid.UUID) (*asset.Asset, error)
		ListChildren(ctx context.Context, parentID int64) ([]*asset.Asset, error)
		// DeleteChildren removes every child of the parent. Processors own
		// child creation exclusively: reprocessing deletes existing children
		// before creating new ones.
		DeleteChildren(ctx context.Context, parentID int64) error
		DeleteAsset(ctx context.Context, id int64) error
		ListBySource(ctx context.Context, sourceID int64) ([]*asset.Asset, error)
	}

	// SourceStore persists source records.
	SourceStore interface {
		CreateSource(ctx context.Context, s *asset.Source) error
		UpdateSource(ctx context.Context, s *asset.Source) error
		GetSource(ctx context.Context, id int64) (*asset.Source, error)
		GetSourceByUUID(ctx context.Context, id uuid.UUID) (*asset.Source, error)
	}

	// BundleStore persists bundles and their weak asset links.
	BundleStore interface {
		CreateBundle(ctx context.Context, b *asset.Bundle) error
		UpdateBundle(ctx context.Context, b *asset.Bundle) error
		GetBundle(ctx context.Context, id int64) (*asset.Bundle, error)
		GetBundleByUUID(ctx context.Context, id uuid.UUID) (*asset.Bundle, error)
		// LinkAsset links an asset into the bundle and reports whether a new
		// link was created (false when already linked). Callers increment the
		// denormalized AssetCount by the number of newly created links.
		LinkAsset(ctx context.Context, bundleID, assetID int64) (bool, error)
		UnlinkAsset(ctx context.Context, bundleID, assetID int64) error
		ListBundleAssets(ctx context.Context, bundleID int64) ([]*asset.Asset, error)
		CountLinks(ctx context.Context, bundleID int64) (int, error)
	}

	// BlobStore persists raw asset bytes under storage paths.
	BlobStore interface {
		Put(ctx context.Context, path string, r io.Reader) error
		Get(ctx context.Context, path string) (io.ReadCloser, error)
		Delete(ctx context.Context, path string) error
		Exists(ctx context.Context, path string) (bool, error)
	}

	// AccessChecker validates that a user owns or is a member of an
	// infospace. Every ingestion and packaging operation is scoped to one.
	AccessChecker interface {
		CheckAccess(ctx context.Context, infospaceID, userID int64) error
	}
)

// OpenAccess is an AccessChecker that allows everything. Used by tests and
// single-tenant bootstraps.
type OpenAccess struct{}

// CheckAccess always succeeds.
func (OpenAccess) CheckAccess(context.Context, int64, int64) error { return nil }
