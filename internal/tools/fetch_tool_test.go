package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

type fakeFetcher struct {
	calls int32
	err   error
	// describe, when set, varies the description per call.
	describe func(call int32) string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*geo.Layer, error) {
	call := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	layer := streetLayer()
	layer.Descriptor.ID = req.DatasetID()
	layer.Descriptor.Title = "Streets of " + req.Area
	layer.Descriptor.Description = "street network"
	if f.describe != nil {
		layer.Descriptor.Description = f.describe(call)
	}
	return layer, nil
}

func openCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFetchFresh_RegistersDataset(t *testing.T) {
	store := geo.NewStore()
	cat := openCatalog(t)
	r, err := SetupRegistry(store, &fakeFetcher{}, cat)
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "fetch_fresh", Args: map[string]interface{}{
		"area": "Belém", "kind": "street_network", "network_type": "walk",
	}})
	if !obs.Success {
		t.Fatalf("fetch_fresh failed: %+v", obs.Error)
	}
	id := obs.Payload.Scalars["dataset_id"].(string)
	if id != "fresh_street_network_walk_belem" {
		t.Errorf("unexpected dataset id %q", id)
	}
	if _, ok := cat.Descriptor(id); !ok {
		t.Error("fetched dataset was not registered")
	}
	if _, ok := store.Version(id); !ok {
		t.Error("fetched dataset was not stored")
	}

	// The new dataset is usable by the next step.
	obs = r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "network_distance", Args: map[string]interface{}{
		"network_dataset": id, "origin": []interface{}{0.0, 0.0}, "destination": []interface{}{100.0, 100.0}, "crs": "EPSG:3763",
	}})
	if !obs.Success || obs.Payload.Scalars["distance_m"] != 200.0 {
		t.Errorf("network_distance over the fetched layer failed: %+v %+v", obs.Error, obs.Payload)
	}
}

func TestFetchFresh_RefetchReplacesDescriptor(t *testing.T) {
	store := geo.NewStore()
	cat := openCatalog(t)
	fetcher := &fakeFetcher{describe: func(call int32) string { return fmt.Sprintf("street network, fetch %d", call) }}
	tool := NewFetchFresh(store, fetcher, cat)
	args := map[string]interface{}{"area": "Belém", "kind": "street_network"}

	first, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	second, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if second.Scalars["version"].(float64) <= first.Scalars["version"].(float64) {
		t.Errorf("refetch should bump the version: %v then %v", first.Scalars["version"], second.Scalars["version"])
	}
	d, _ := cat.Descriptor("fresh_street_network_drive_belem")
	if d.Description != "street network, fetch 2" {
		t.Errorf("descriptor not replaced: %q", d.Description)
	}
}

func TestFetchFresh_UpstreamFailure(t *testing.T) {
	store := geo.NewStore()
	fetcher := &fakeFetcher{err: geoscale.NewUpstreamUnavailableError("overpass", fmt.Errorf("status=504"))}
	r, err := SetupRegistry(store, fetcher, openCatalog(t), WithRetryDelay(0))
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "fetch_fresh", Args: map[string]interface{}{
		"area": "Belém", "kind": "boundary",
	}})
	if obs.Success || obs.Error.Code != geoscale.ErrCodeUpstreamUnavail {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %+v", obs.Error)
	}
	// fetch_fresh is not idempotent, so it is not retried.
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("expected one fetch, got %d", fetcher.calls)
	}
	if len(store.IDs()) != 0 {
		t.Errorf("failed fetch left layers behind: %v", store.IDs())
	}
}

func TestFetchFresh_NetworkTypeOnlyForStreets(t *testing.T) {
	r, err := SetupRegistry(geo.NewStore(), &fakeFetcher{}, openCatalog(t))
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}
	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "fetch_fresh", Args: map[string]interface{}{
		"area": "Belém", "kind": "boundary", "network_type": "walk",
	}})
	if obs.Error == nil || obs.Error.Code != geoscale.ErrCodeToolArgument {
		t.Errorf("expected TOOL_ARGUMENT, got %+v", obs.Error)
	}
}

func TestFetchFresh_ConcurrentWithReaders(t *testing.T) {
	store := geo.NewStore()
	cat := openCatalog(t)
	r, err := SetupRegistry(store, &fakeFetcher{}, cat)
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}
	fetchInv := geoscale.ToolInvocation{Tool: "fetch_fresh", Args: map[string]interface{}{"area": "Belém", "kind": "street_network"}}
	if obs := r.Invoke(context.Background(), fetchInv); !obs.Success {
		t.Fatalf("initial fetch failed: %+v", obs.Error)
	}
	readInv := geoscale.ToolInvocation{Tool: "network_distance", Args: map[string]interface{}{
		"network_dataset": "fresh_street_network_drive_belem",
		"origin":          []interface{}{0.0, 0.0},
		"destination":     []interface{}{200.0, 100.0},
		"crs":             "EPSG:3763",
	}}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if obs := r.Invoke(context.Background(), fetchInv); !obs.Success {
					errs <- fmt.Sprintf("fetch: %+v", obs.Error)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				obs := r.Invoke(context.Background(), readInv)
				if !obs.Success {
					errs <- fmt.Sprintf("read: %+v", obs.Error)
					continue
				}
				if obs.Payload.Scalars["reachable"] != true {
					errs <- "read saw a partially built layer"
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
