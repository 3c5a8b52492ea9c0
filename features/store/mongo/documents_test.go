package mongo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/annotate"
	"tessera/runtime/asset"
	"tessera/runtime/schema"
)

func TestAssetDocRoundTrip(t *testing.T) {
	sourceID := int64(4)
	parentID := int64(9)
	partIndex := 2
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &asset.Asset{
		ID:               17,
		UUID:             uuid.New(),
		Kind:             asset.KindCSVRow,
		Title:            "row 2",
		InfospaceID:      1,
		UserID:           2,
		SourceID:         &sourceID,
		ParentAssetID:    &parentID,
		PartIndex:        &partIndex,
		TextContent:      "a,b,c",
		SourceMetadata:   map[string]any{"delimiter_used": ","},
		EventTimestamp:   &published,
		ContentHash:      "abc123",
		ProcessingStatus: asset.StatusReady,
		CreatedAt:        published,
		UpdatedAt:        published,
	}

	got, err := fromAssetDoc(toAssetDoc(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestAssetDocMalformedUUIDFails(t *testing.T) {
	doc := toAssetDoc(&asset.Asset{ID: 1, UUID: uuid.New()})
	doc.UUID = "not-a-uuid"

	_, err := fromAssetDoc(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed uuid")
}

func TestSourceAndBundleDocRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &asset.Source{
		ID:          3,
		UUID:        uuid.New(),
		Name:        "harbor feed",
		Kind:        "rss",
		InfospaceID: 1,
		UserID:      2,
		Details:     map[string]any{"feed_url": "https://example.com/rss"},
		Status:      "complete",
		CreatedAt:   created,
	}
	gotSrc, err := fromSourceDoc(toSourceDoc(src))
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)

	b := &asset.Bundle{
		ID:          5,
		UUID:        uuid.New(),
		Name:        "field notes",
		Purpose:     "annotation targets",
		InfospaceID: 1,
		UserID:      2,
		AssetCount:  7,
		CreatedAt:   created,
	}
	gotBundle, err := fromBundleDoc(toBundleDoc(b))
	require.NoError(t, err)
	assert.Equal(t, b, gotBundle)
}

func TestSchemaDocRoundTrip(t *testing.T) {
	s := &schema.AnnotationSchema{
		ID:             11,
		UUID:           uuid.New(),
		Name:           "incident",
		Version:        3,
		OutputContract: map[string]any{"type": "object"},
		Instructions:   "extract incidents",
		FieldJustifications: map[string]schema.JustificationConfig{
			"severity": {Enabled: true, Prompt: "cite evidence"},
		},
		TargetLevel: "asset",
		InfospaceID: 1,
		UserID:      2,
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	got, err := fromSchemaDoc(toSchemaDoc(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestRunAndAnnotationDocRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &annotate.Run{
		ID:                   21,
		UUID:                 uuid.New(),
		Name:                 "batch 1",
		Status:               annotate.RunRunning,
		Configuration:        map[string]any{"model_name": "claude-sonnet-4-5"},
		TargetSchemaIDs:      []int64{11},
		TargetAssetIDs:       []int64{17, 18},
		IncludeParentContext: true,
		ContextWindow:        4000,
		InfospaceID:          1,
		UserID:               2,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	gotRun, err := fromRunDoc(toRunDoc(r))
	require.NoError(t, err)
	assert.Equal(t, r, gotRun)

	score := 0.9
	a := &annotate.Annotation{
		ID:        31,
		UUID:      uuid.New(),
		AssetID:   17,
		SchemaID:  11,
		RunID:     21,
		Value:     map[string]any{"severity": "high"},
		Status:    annotate.AnnotationSuccess,
		CreatedAt: now,
	}
	gotAnnotation, err := fromAnnotationDoc(toAnnotationDoc(a))
	require.NoError(t, err)
	assert.Equal(t, a, gotAnnotation)

	j := &annotate.Justification{
		ID:              41,
		AnnotationID:    31,
		FieldName:       "severity",
		Reasoning:       "the report names casualties",
		EvidencePayload: map[string]any{"text_spans": []any{"casualties"}},
		Score:           &score,
		ModelName:       "claude-sonnet-4-5",
	}
	assert.Equal(t, j, fromJustificationDoc(toJustificationDoc(j)))
}
