package tools

import (
	"context"
	"log"
	"reflect"
	"sync"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// Fetcher retrieves fresh layers from an external service.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*geo.Layer, error)
}

// Registrar makes fetched datasets visible to retrieval.
type Registrar interface {
	Descriptor(id string) (geoscale.DatasetDescriptor, bool)
	Register(ctx context.Context, d geoscale.DatasetDescriptor) error
	Deregister(ctx context.Context, id string) error
}

// FetchFresh pulls a street network or boundary from OpenStreetMap, stores it
// as a new layer and registers its descriptor.
type FetchFresh struct {
	base
	store     *geo.Store
	fetcher   Fetcher
	registrar Registrar

	mu sync.Mutex
}

// NewFetchFresh creates the fetch_fresh tool. Fetched layers are stored in
// store and their descriptors registered with registrar.
func NewFetchFresh(store *geo.Store, fetcher Fetcher, registrar Registrar) *FetchFresh {
	return &FetchFresh{
		store:     store,
		fetcher:   fetcher,
		registrar: registrar,
		base: base{spec: geoscale.ToolSpec{
			Name:        "fetch_fresh",
			Description: "Fetch a street network or administrative boundary for a named area from OpenStreetMap and load it as a dataset. Returns the new dataset_id, which later steps can pass to network_distance or containment_aggregate.",
			Args: []geoscale.ArgSpec{
				{Name: "area", Type: geoscale.ArgString, Required: true, Description: "place name, e.g. 'Belém, Lisboa'"},
				{Name: "kind", Type: geoscale.ArgString, Required: true, Enum: []string{fetch.KindStreetNetwork, fetch.KindBoundary}},
				{Name: "network_type", Type: geoscale.ArgString, Enum: fetch.NetworkTypes(), Description: "street networks only, default drive"},
			},
			Returns:    "scalars dataset_id, records, version, kind, area",
			Idempotent: false,
			Category:   "fetch",
		}},
	}
}

func (t *FetchFresh) Validate(args map[string]interface{}) error {
	if has(args, "network_type") && stringArg(args, "kind", "") != fetch.KindStreetNetwork {
		return geoscale.NewToolArgumentError(t.Name(), "network_type applies only to kind 'street_network'")
	}
	return nil
}

func (t *FetchFresh) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	req := fetch.Request{
		Area:        stringArg(args, "area", ""),
		Kind:        stringArg(args, "kind", ""),
		NetworkType: stringArg(args, "network_type", ""),
	}
	id := req.DatasetID()

	layer, err := t.store.Refresh(ctx, id, func(ctx context.Context) (*geo.Layer, error) {
		return t.fetcher.Fetch(ctx, req)
	})
	if err != nil {
		if _, ok := geoscale.AsError(err); ok {
			return nil, err
		}
		return nil, geoscale.NewToolExecutionError(t.Name(), err)
	}

	if err := t.register(ctx, layer.Descriptor); err != nil {
		return nil, geoscale.NewToolExecutionError(t.Name(), err)
	}

	return &geoscale.Payload{
		Scalars: map[string]interface{}{
			"dataset_id": id,
			"records":    float64(len(layer.Records)),
			"version":    float64(layer.Version),
			"kind":       string(layer.Descriptor.Kind),
			"area":       req.Area,
		},
	}, nil
}

// register replaces a previously registered descriptor when the refetch
// changed it.
func (t *FetchFresh) register(ctx context.Context, d geoscale.DatasetDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.registrar.Descriptor(d.ID); ok {
		if sameDescriptor(existing, d) {
			return nil
		}
		log.Printf("Replacing descriptor of refetched dataset (dataset: %s)", d.ID)
		if err := t.registrar.Deregister(ctx, d.ID); err != nil {
			return err
		}
	}
	return t.registrar.Register(ctx, d)
}

func sameDescriptor(a, b geoscale.DatasetDescriptor) bool {
	if len(a.Schema) == 0 && len(b.Schema) == 0 {
		a.Schema, b.Schema = nil, nil
	}
	return reflect.DeepEqual(a, b)
}
