package geo

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
)

// Store holds loaded layers keyed by dataset id. Any number of readers may
// hold a layer at once; a replacement of one id is writer-exclusive and waits
// for that id's readers to finish. Layers are immutable, so a reader sees
// either the old or the new layer, never a mix.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	version uint64
	bus     eventbus.EventBus
}

type entry struct {
	// rw guards layer; readers hold it for the duration of a read.
	rw    sync.RWMutex
	layer *Layer

	// refresh serializes rebuilds of this id so concurrent fetches do not race.
	refresh sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEventBus publishes layer replacement events.
func WithEventBus(bus eventbus.EventBus) StoreOption {
	return func(s *Store) {
		s.bus = bus
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(id string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// Put validates and inserts or replaces a layer, returning its new version.
func (s *Store) Put(ctx context.Context, layer *Layer) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errbuilder.WrapIfContextDone(ctx, err)
	}
	if err := layer.Validate(); err != nil {
		return 0, err
	}

	e := s.lookup(layer.ID(), true)
	e.refresh.Lock()
	defer e.refresh.Unlock()
	return s.swap(ctx, e, layer), nil
}

// Refresh rebuilds one layer with build and swaps it in. Concurrent refreshes of
// the same id run one after the other; readers keep the old layer until the swap.
func (s *Store) Refresh(ctx context.Context, id string, build func(ctx context.Context) (*Layer, error)) (*Layer, error) {
	e := s.lookup(id, true)
	e.refresh.Lock()
	defer e.refresh.Unlock()

	layer, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if layer.ID() != id {
		return nil, fmt.Errorf("refresh of '%s' produced layer '%s'", id, layer.ID())
	}
	if err := layer.Validate(); err != nil {
		return nil, err
	}
	s.swap(ctx, e, layer)
	return layer, nil
}

// swap installs layer under the entry's write lock. Caller holds e.refresh.
func (s *Store) swap(ctx context.Context, e *entry, layer *Layer) uint64 {
	s.mu.Lock()
	s.version++
	version := s.version
	s.mu.Unlock()

	layer.Version = version
	if layer.LoadedAt.IsZero() {
		layer.LoadedAt = time.Now()
	}

	e.rw.Lock()
	e.layer = layer
	e.rw.Unlock()

	log.Printf("Layer stored (dataset: %s, records: %d, version: %d)", layer.ID(), len(layer.Records), version)
	if s.bus != nil {
		evt := eventbus.NewEvent(eventbus.EventLayerReplaced, "", layer.Descriptor, "geo.Store", map[string]interface{}{
			"dataset": layer.ID(),
			"records": len(layer.Records),
			"version": version,
		})
		if err := s.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
			log.Printf("Failed to publish layer event (dataset: %s): %v", layer.ID(), err)
		}
	}
	return version
}

// Get returns the current layer for id.
func (s *Store) Get(id string) (*Layer, error) {
	e := s.lookup(id, false)
	if e == nil {
		return nil, geoscale.NewDatasetNotFoundError("store", id)
	}
	e.rw.RLock()
	defer e.rw.RUnlock()
	if e.layer == nil {
		return nil, geoscale.NewDatasetNotFoundError("store", id)
	}
	return e.layer, nil
}

// View runs fn with the layers for ids held under their read locks. Locks are
// taken in sorted id order so concurrent multi-layer readers cannot deadlock
// with each other. fn must not call back into the store's write methods.
func (s *Store) View(ids []string, fn func(layers map[string]*Layer) error) error {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	layers := make(map[string]*Layer, len(unique))
	for _, id := range unique {
		e := s.lookup(id, false)
		if e == nil {
			return geoscale.NewDatasetNotFoundError("store", id)
		}
		e.rw.RLock()
		defer e.rw.RUnlock()
		if e.layer == nil {
			return geoscale.NewDatasetNotFoundError("store", id)
		}
		layers[id] = e.layer
	}
	return fn(layers)
}

// Version returns the current version of id, or false if it is not loaded.
func (s *Store) Version(id string) (uint64, bool) {
	layer, err := s.Get(id)
	if err != nil {
		return 0, false
	}
	return layer.Version, true
}

// Remove deletes a layer, waiting for current readers.
func (s *Store) Remove(id string) error {
	e := s.lookup(id, false)
	if e == nil {
		return geoscale.NewDatasetNotFoundError("store", id)
	}
	e.refresh.Lock()
	defer e.refresh.Unlock()

	e.rw.Lock()
	existed := e.layer != nil
	e.layer = nil
	e.rw.Unlock()
	if !existed {
		return geoscale.NewDatasetNotFoundError("store", id)
	}

	if s.bus != nil {
		evt := eventbus.NewEvent(eventbus.EventLayerRemoved, "", id, "geo.Store", map[string]interface{}{"dataset": id})
		_ = s.bus.Publish(context.Background(), evt)
	}
	return nil
}

// IDs returns the ids of all loaded layers in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	names := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		candidates = append(candidates, e)
		names = append(names, id)
	}
	s.mu.RUnlock()

	var ids []string
	for i, e := range candidates {
		e.rw.RLock()
		if e.layer != nil {
			ids = append(ids, names[i])
		}
		e.rw.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Descriptor returns the descriptor of a loaded layer.
func (s *Store) Descriptor(id string) (geoscale.DatasetDescriptor, bool) {
	layer, err := s.Get(id)
	if err != nil {
		return geoscale.DatasetDescriptor{}, false
	}
	return layer.Descriptor, true
}
