// Package asset defines the hierarchical content model shared by ingestion,
// processing, annotation and packaging: Assets (units of content), Sources
// (logical origins of asset batches) and Bundles (user-curated asset sets).
package asset

import (
	"time"

	"github.com/google/uuid"

	"tessera/runtime/fault"
)

// ProcessingStatus tracks where an asset is in its processing lifecycle.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusReady      ProcessingStatus = "ready"
	StatusFailed     ProcessingStatus = "failed"
)

type (
	// Asset is one unit of ingestable content: an uploaded file, a scraped web
	// page, a CSV row, a PDF page, an article image. Assets form a hierarchy
	// via ParentAssetID; children carry a PartIndex that is stable and unique
	// among siblings, matching source order (row, page, feed entry, image).
	Asset struct {
		ID            int64
		UUID          uuid.UUID
		Kind          Kind
		Title         string
		InfospaceID   int64
		UserID        int64
		SourceID      *int64
		ParentAssetID *int64
		PartIndex     *int

		// BlobPath locates the asset bytes in blob storage. Empty for assets
		// whose content is inline (TextContent) or remote (SourceIdentifier).
		BlobPath string
		// TextContent holds inline textual content.
		TextContent string
		// SourceIdentifier is the originating URL for web-derived assets.
		SourceIdentifier string

		// SourceMetadata is an open map of ingestion and processor metadata
		// (ingestion_method, ingested_at, columns, delimiter_used, ...). Values
		// must be JSON encodable.
		SourceMetadata map[string]any

		// EventTimestamp records the content's own timestamp (e.g. article
		// publication date), distinct from CreatedAt.
		EventTimestamp *time.Time

		// ContentHash is the sha256 hex digest of the blob when known. It is
		// populated by file-based handlers; consumers must tolerate empty.
		ContentHash string

		ProcessingStatus ProcessingStatus
		ProcessingError  string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Source is the logical origin record for a batch of assets: one uploaded
	// file, one feed subscription, one bulk URL ingestion. Assets may exist
	// without a Source (adhoc ingestion).
	Source struct {
		ID           int64
		UUID         uuid.UUID
		Name         string
		Kind         string
		InfospaceID  int64
		UserID       int64
		Details      map[string]any
		Status       string
		ErrorMessage string
		CreatedAt    time.Time
	}

	// Bundle is a named, user-curated set of assets. Membership is a weak
	// many-to-many link: deleting a bundle never deletes assets. AssetCount is
	// denormalized and must equal the number of distinct links.
	Bundle struct {
		ID          int64
		UUID        uuid.UUID
		Name        string
		Purpose     string
		InfospaceID int64
		UserID      int64
		AssetCount  int
		CreatedAt   time.Time
	}
)

// New constructs a pending asset of the given kind with a fresh UUID and
// initialized metadata map.
func New(kind Kind, infospaceID, userID int64) *Asset {
	now := time.Now().UTC()
	return &Asset{
		UUID:             uuid.New(),
		Kind:             kind,
		InfospaceID:      infospaceID,
		UserID:           userID,
		SourceMetadata:   make(map[string]any),
		ProcessingStatus: StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate enforces the structural invariants of the asset model: child
// kinds require a parent, and at least one of blob path, text content or
// source identifier must be present.
func (a *Asset) Validate() error {
	if IsChildKind(a.Kind) && a.ParentAssetID == nil {
		return fault.Validation("asset kind %s requires a parent asset", a.Kind)
	}
	if a.BlobPath == "" && a.TextContent == "" && a.SourceIdentifier == "" {
		return fault.Validation("asset must carry a blob path, text content or source identifier")
	}
	return nil
}

// SetMeta stores a metadata value, allocating the map if needed.
func (a *Asset) SetMeta(key string, value any) {
	if a.SourceMetadata == nil {
		a.SourceMetadata = make(map[string]any)
	}
	a.SourceMetadata[key] = value
}

// MetaString returns a string metadata value, or "" when absent or not a
// string.
func (a *Asset) MetaString(key string) string {
	if a.SourceMetadata == nil {
		return ""
	}
	s, _ := a.SourceMetadata[key].(string)
	return s
}

// StampIngestion records the handler provenance every handler must provide.
func (a *Asset) StampIngestion(method string) {
	a.SetMeta("ingestion_method", method)
	a.SetMeta("ingested_at", time.Now().UTC().Format(time.RFC3339))
}

// MarkFailed transitions the asset to failed and records the reason.
func (a *Asset) MarkFailed(reason string) {
	a.ProcessingStatus = StatusFailed
	a.ProcessingError = reason
	a.UpdatedAt = time.Now().UTC()
}

// MarkReady transitions the asset to ready and clears any prior error.
func (a *Asset) MarkReady() {
	a.ProcessingStatus = StatusReady
	a.ProcessingError = ""
	a.UpdatedAt = time.Now().UTC()
}
