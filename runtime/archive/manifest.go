// Package archive builds and imports portable ZIP packages of platform
// resources: assets with their blobs and children, sources, schemas, runs
// with annotations, bundles, datasets and mixed collections. A package is a
// ZIP holding manifest.json plus a files/ directory of referenced blobs.
package archive

import (
	"time"

	"github.com/google/uuid"
)

// FormatVersion is written into every manifest. Readers tolerate unknown
// manifest keys and unknown files, so the version only gates breaking
// layout changes.
const FormatVersion = "1.0"

// PackageType identifies the root resource of a package.
type PackageType string

const (
	PackageAsset   PackageType = "ASSET"
	PackageSource  PackageType = "SOURCE"
	PackageSchema  PackageType = "SCHEMA"
	PackageRun     PackageType = "RUN"
	PackageBundle  PackageType = "BUNDLE"
	PackageDataset PackageType = "DATASET"
	PackageMixed   PackageType = "MIXED"
)

type (
	// PackageMetadata describes a package's provenance.
	PackageMetadata struct {
		PackageUUID      string      `json:"package_uuid"`
		PackageType      PackageType `json:"package_type"`
		FormatVersion    string      `json:"format_version"`
		CreatedAt        string      `json:"created_at"`
		SourceInstanceID string      `json:"source_instance_id"`
		SourceEntityUUID string      `json:"source_entity_uuid,omitempty"`
		SourceEntityID   int64       `json:"source_entity_id,omitempty"`
		SourceEntityName string      `json:"source_entity_name,omitempty"`
	}

	// Manifest is the package root document.
	Manifest struct {
		Metadata PackageMetadata `json:"metadata"`
		Content  map[string]any  `json:"content"`
	}
)

// newMetadata stamps fresh package metadata for an entity.
func newMetadata(ptype PackageType, instanceID string, entityUUID uuid.UUID, entityID int64, entityName string) PackageMetadata {
	md := PackageMetadata{
		PackageUUID:      uuid.New().String(),
		PackageType:      ptype,
		FormatVersion:    FormatVersion,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		SourceInstanceID: instanceID,
		SourceEntityID:   entityID,
		SourceEntityName: entityName,
	}
	if entityUUID != uuid.Nil {
		md.SourceEntityUUID = entityUUID.String()
	}
	return md
}
