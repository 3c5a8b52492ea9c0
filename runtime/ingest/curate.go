package ingest

import (
	"context"
	"fmt"

	"tessera/runtime/fault"
	"tessera/runtime/store"
	"tessera/runtime/telemetry"
)

// Curator implements bulk asset curation: deletion and transfer between
// infospaces, accumulating per-item failures instead of aborting the batch.
type Curator struct {
	assets store.AssetStore
	blobs  store.BlobStore
	access store.AccessChecker
	log    telemetry.Logger
}

// NewCurator constructs a Curator.
func NewCurator(assets store.AssetStore, blobs store.BlobStore, access store.AccessChecker, log telemetry.Logger) *Curator {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Curator{assets: assets, blobs: blobs, access: access, log: log}
}

// BulkDelete removes assets, their children and their blobs. Failed items
// are reported in the returned error; succeeded ones stay deleted.
func (c *Curator) BulkDelete(ctx context.Context, assetIDs []int64, userID int64) error {
	bulk := fault.NewBulkError()
	for _, id := range assetIDs {
		if err := c.deleteOne(ctx, id, userID); err != nil {
			bulk.RecordFailure(fmt.Sprintf("asset %d", id), err.Error())
			continue
		}
		bulk.RecordSuccess(id)
	}
	return bulk.OrNil()
}

func (c *Curator) deleteOne(ctx context.Context, id, userID int64) error {
	a, err := c.assets.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if err := c.access.CheckAccess(ctx, a.InfospaceID, userID); err != nil {
		return err
	}
	if err := c.assets.DeleteChildren(ctx, id); err != nil {
		return err
	}
	if a.BlobPath != "" {
		if err := c.blobs.Delete(ctx, a.BlobPath); err != nil {
			// Orphaned blobs are collectable later; the record still goes.
			c.log.Warn(ctx, "blob deletion failed", "asset_id", id, "blob_path", a.BlobPath, "error", err.Error())
		}
	}
	return c.assets.DeleteAsset(ctx, id)
}

// BulkTransfer moves assets and their children to another infospace. The
// caller must have access to both sides; per-item failures accumulate.
func (c *Curator) BulkTransfer(ctx context.Context, assetIDs []int64, targetInfospaceID, userID int64) error {
	if err := c.access.CheckAccess(ctx, targetInfospaceID, userID); err != nil {
		return err
	}
	bulk := fault.NewBulkError()
	for _, id := range assetIDs {
		if err := c.transferOne(ctx, id, targetInfospaceID, userID); err != nil {
			bulk.RecordFailure(fmt.Sprintf("asset %d", id), err.Error())
			continue
		}
		bulk.RecordSuccess(id)
	}
	return bulk.OrNil()
}

func (c *Curator) transferOne(ctx context.Context, id, targetInfospaceID, userID int64) error {
	a, err := c.assets.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if err := c.access.CheckAccess(ctx, a.InfospaceID, userID); err != nil {
		return err
	}
	children, err := c.assets.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	a.InfospaceID = targetInfospaceID
	if err := c.assets.UpdateAsset(ctx, a); err != nil {
		return err
	}
	for _, child := range children {
		child.InfospaceID = targetInfospaceID
		if err := c.assets.UpdateAsset(ctx, child); err != nil {
			return err
		}
	}
	return nil
}
