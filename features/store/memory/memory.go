// Package memory implements every persistence contract in runtime/store with
// in-process maps. It backs tests and single-node bootstraps; the MongoDB
// implementation under features/store/mongo is the durable counterpart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"tessera/runtime/annotate"
	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/schema"
	"tessera/runtime/store"
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

// Store holds all entities behind one lock. IDs are assigned sequentially
// per entity type on create.
type Store struct {
	mu sync.RWMutex

	nextAsset        int64
	nextSource       int64
	nextBundle       int64
	nextSchema       int64
	nextRun          int64
	nextAnnotation   int64
	nextJustification int64

	assets         map[int64]*asset.Asset
	sources        map[int64]*asset.Source
	bundles        map[int64]*asset.Bundle
	bundleLinks    map[int64]map[int64]bool
	schemas        map[int64]*schema.AnnotationSchema
	runs           map[int64]*annotate.Run
	annotations    map[int64]*annotate.Annotation
	justifications map[int64]*annotate.Justification
	blobs          map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		assets:         make(map[int64]*asset.Asset),
		sources:        make(map[int64]*asset.Source),
		bundles:        make(map[int64]*asset.Bundle),
		bundleLinks:    make(map[int64]map[int64]bool),
		schemas:        make(map[int64]*schema.AnnotationSchema),
		runs:           make(map[int64]*annotate.Run),
		annotations:    make(map[int64]*annotate.Annotation),
		justifications: make(map[int64]*annotate.Justification),
		blobs:          make(map[string][]byte),
	}
}

// --- AssetStore ---

func (s *Store) CreateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAsset++
	a.ID = s.nextAsset
	s.assets[a.ID] = a
	return nil
}

func (s *Store) UpdateAsset(_ context.Context, a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; !ok {
		return fault.NotFound("asset", fmt.Sprint(a.ID))
	}
	s.assets[a.ID] = a
	return nil
}

func (s *Store) GetAsset(_ context.Context, id int64) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, fault.NotFound("asset", fmt.Sprint(id))
	}
	return a, nil
}

func (s *Store) GetAssetByUUID(_ context.Context, id uuid.UUID) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.UUID == id {
			return a, nil
		}
	}
	return nil, fault.NotFound("asset", id.String())
}

func (s *Store) ListChildren(_ context.Context, parentID int64) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asset.Asset
	for _, a := range s.assets {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := partIndex(out[i]), partIndex(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteChildren(_ context.Context, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.assets {
		if a.ParentAssetID != nil && *a.ParentAssetID == parentID {
			delete(s.assets, id)
		}
	}
	return nil
}

func (s *Store) DeleteAsset(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[id]; !ok {
		return fault.NotFound("asset", fmt.Sprint(id))
	}
	delete(s.assets, id)
	return nil
}

func (s *Store) ListBySource(_ context.Context, sourceID int64) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asset.Asset
	for _, a := range s.assets {
		if a.SourceID != nil && *a.SourceID == sourceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func partIndex(a *asset.Asset) int {
	if a.PartIndex == nil {
		return -1
	}
	return *a.PartIndex
}

// --- SourceStore ---

func (s *Store) CreateSource(_ context.Context, src *asset.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSource++
	src.ID = s.nextSource
	s.sources[src.ID] = src
	return nil
}

func (s *Store) UpdateSource(_ context.Context, src *asset.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; !ok {
		return fault.NotFound("source", fmt.Sprint(src.ID))
	}
	s.sources[src.ID] = src
	return nil
}

func (s *Store) GetSource(_ context.Context, id int64) (*asset.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, fault.NotFound("source", fmt.Sprint(id))
	}
	return src, nil
}

func (s *Store) GetSourceByUUID(_ context.Context, id uuid.UUID) (*asset.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.UUID == id {
			return src, nil
		}
	}
	return nil, fault.NotFound("source", id.String())
}

// --- BundleStore ---

func (s *Store) CreateBundle(_ context.Context, b *asset.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBundle++
	b.ID = s.nextBundle
	s.bundles[b.ID] = b
	s.bundleLinks[b.ID] = make(map[int64]bool)
	return nil
}

func (s *Store) UpdateBundle(_ context.Context, b *asset.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[b.ID]; !ok {
		return fault.NotFound("bundle", fmt.Sprint(b.ID))
	}
	s.bundles[b.ID] = b
	return nil
}

func (s *Store) GetBundle(_ context.Context, id int64) (*asset.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, fault.NotFound("bundle", fmt.Sprint(id))
	}
	return b, nil
}

func (s *Store) GetBundleByUUID(_ context.Context, id uuid.UUID) (*asset.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles {
		if b.UUID == id {
			return b, nil
		}
	}
	return nil, fault.NotFound("bundle", id.String())
}

func (s *Store) LinkAsset(_ context.Context, bundleID, assetID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, ok := s.bundleLinks[bundleID]
	if !ok {
		return false, fault.NotFound("bundle", fmt.Sprint(bundleID))
	}
	if links[assetID] {
		return false, nil
	}
	links[assetID] = true
	return true, nil
}

func (s *Store) UnlinkAsset(_ context.Context, bundleID, assetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, ok := s.bundleLinks[bundleID]
	if !ok {
		return fault.NotFound("bundle", fmt.Sprint(bundleID))
	}
	delete(links, assetID)
	return nil
}

func (s *Store) ListBundleAssets(_ context.Context, bundleID int64) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*asset.Asset
	for assetID := range s.bundleLinks[bundleID] {
		if a, ok := s.assets[assetID]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountLinks(_ context.Context, bundleID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundleLinks[bundleID]), nil
}

// --- BlobStore ---

func (s *Store) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = data
	return nil
}

func (s *Store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, fault.NotFound("blob", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return fault.NotFound("blob", path)
	}
	delete(s.blobs, path)
	return nil
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

// --- SchemaStore ---

func (s *Store) CreateSchema(_ context.Context, as *schema.AnnotationSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSchema++
	as.ID = s.nextSchema
	s.schemas[as.ID] = as
	return nil
}

func (s *Store) GetSchema(_ context.Context, id int64) (*schema.AnnotationSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	as, ok := s.schemas[id]
	if !ok {
		return nil, fault.NotFound("schema", fmt.Sprint(id))
	}
	return as, nil
}

func (s *Store) GetSchemaByUUID(_ context.Context, id uuid.UUID) (*schema.AnnotationSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, as := range s.schemas {
		if as.UUID == id {
			return as, nil
		}
	}
	return nil, fault.NotFound("schema", id.String())
}

func (s *Store) ListSchemas(_ context.Context, infospaceID int64) ([]*schema.AnnotationSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.AnnotationSchema
	for _, as := range s.schemas {
		if as.InfospaceID == infospaceID {
			out = append(out, as)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- RunStore ---

func (s *Store) CreateRun(_ context.Context, r *annotate.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	r.ID = s.nextRun
	s.runs[r.ID] = r
	return nil
}

func (s *Store) UpdateRun(_ context.Context, r *annotate.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return fault.NotFound("run", fmt.Sprint(r.ID))
	}
	s.runs[r.ID] = r
	return nil
}

func (s *Store) GetRun(_ context.Context, id int64) (*annotate.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fault.NotFound("run", fmt.Sprint(id))
	}
	return r, nil
}

func (s *Store) GetRunByUUID(_ context.Context, id uuid.UUID) (*annotate.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.UUID == id {
			return r, nil
		}
	}
	return nil, fault.NotFound("run", id.String())
}

// --- AnnotationStore ---

func (s *Store) CreateAnnotation(_ context.Context, a *annotate.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAnnotation++
	a.ID = s.nextAnnotation
	s.annotations[a.ID] = a
	return nil
}

func (s *Store) GetAnnotation(_ context.Context, id int64) (*annotate.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[id]
	if !ok {
		return nil, fault.NotFound("annotation", fmt.Sprint(id))
	}
	return a, nil
}

func (s *Store) ListAnnotationsByAsset(_ context.Context, assetID int64) ([]*annotate.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*annotate.Annotation
	for _, a := range s.annotations {
		if a.AssetID == assetID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAnnotationsByRun(_ context.Context, runID int64) ([]*annotate.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*annotate.Annotation
	for _, a := range s.annotations {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAnnotationsByRun(_ context.Context, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.annotations {
		if a.RunID == runID {
			for jid, j := range s.justifications {
				if j.AnnotationID == id {
					delete(s.justifications, jid)
				}
			}
			delete(s.annotations, id)
		}
	}
	return nil
}

func (s *Store) CreateJustification(_ context.Context, j *annotate.Justification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJustification++
	j.ID = s.nextJustification
	s.justifications[j.ID] = j
	return nil
}

func (s *Store) ListJustifications(_ context.Context, annotationID int64) ([]*annotate.Justification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*annotate.Justification
	for _, j := range s.justifications {
		if j.AnnotationID == annotationID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
