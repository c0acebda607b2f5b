package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

const listingsJSON = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-9.14, 38.72]}, "properties": {"name": "Flat A", "price": 300000}},
  {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-9.13, 38.72]}, "properties": {"name": "Flat B", "price": 250000}}
]}`

const listingsWithAreaJSON = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-9.14, 38.72]}, "properties": {"name": "Flat A", "price": 300000, "area_m2": 80}}
]}`

const parishesJSON = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[-9.2, 38.7], [-9.1, 38.7], [-9.1, 38.8], [-9.2, 38.8], [-9.2, 38.7]]]}, "properties": {"name": "Centro"}}
]}`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func setup(t *testing.T, cfg Config) (*Loader, *catalog.Catalog, *geo.Store) {
	t.Helper()
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	store := geo.NewStore()
	return NewLoader(cfg, c, store), c, store
}

func dataDir(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "housing/listings.geojson", listingsJSON)
	writeFile(t, root, "housing/listings.meta.yaml", "title: Housing listings\ndescription: Flats for sale in Lisbon.\n")
	writeFile(t, root, "boundaries/parishes.geojson", parishesJSON)
	writeFile(t, root, "broken.geojson", `{"type": "FeatureCollection", "features": [`)
	writeFile(t, root, "tmp/scratch.geojson", listingsJSON)
	writeFile(t, root, "notes.txt", "not a dataset")
	return root
}

func TestLoader_Discover(t *testing.T) {
	root := dataDir(t)
	l, _, _ := setup(t, Config{Root: root, Exclude: []string{"tmp/**"}})

	files, err := l.Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []string{"boundaries/parishes.geojson", "broken.geojson", "housing/listings.geojson"}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("file %d: expected %s, got %s", i, want[i], files[i])
		}
	}
}

func TestLoader_LoadAll(t *testing.T) {
	root := dataDir(t)
	l, c, store := setup(t, Config{Root: root, Exclude: []string{"tmp/**"}, Workers: 2})

	report, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(report.Loaded) != 2 || len(report.Failed) != 1 || report.Failed[0].Path != "broken.geojson" {
		t.Fatalf("unexpected report: loaded %d, failed %+v", len(report.Loaded), report.Failed)
	}

	d, ok := c.Descriptor("housing_listings")
	if !ok {
		t.Fatal("housing_listings not registered")
	}
	if d.Title != "Housing listings" || d.Description != "Flats for sale in Lisbon." || d.Category != "housing" {
		t.Errorf("sidecar and category not applied: %+v", d)
	}
	if d.Kind != geoscale.KindPoint || d.Schema["price"] != geoscale.AttrNumber || d.CRS != geo.DefaultCRS {
		t.Errorf("kind, schema or CRS not inferred: %+v", d)
	}

	p, ok := c.Descriptor("boundaries_parishes")
	if !ok || p.Kind != geoscale.KindPolygon || p.Category != catalog.BoundariesCategory || p.Title != "parishes" {
		t.Errorf("unexpected boundary descriptor: %+v", p)
	}

	layer, err := store.Get("housing_listings")
	if err != nil || len(layer.Records) != 2 {
		t.Errorf("layer not stored: %v", err)
	}
	if _, ok := c.Descriptor("tmp_scratch"); ok {
		t.Error("excluded file was loaded")
	}
}

func TestLoader_ReloadReplacesDescriptor(t *testing.T) {
	root := dataDir(t)
	l, c, store := setup(t, Config{Root: root})
	ctx := context.Background()

	if res := l.LoadFile(ctx, "housing/listings.geojson"); res.Err != nil {
		t.Fatalf("LoadFile failed: %v", res.Err)
	}
	if res := l.LoadFile(ctx, "housing/listings.geojson"); res.Err != nil {
		t.Fatalf("reloading an unchanged file failed: %v", res.Err)
	}

	writeFile(t, root, "housing/listings.geojson", listingsWithAreaJSON)
	res := l.LoadFile(ctx, "housing/listings.geojson")
	if res.Err != nil {
		t.Fatalf("reload failed: %v", res.Err)
	}
	d, _ := c.Descriptor("housing_listings")
	if !d.HasAttribute("area_m2") {
		t.Errorf("descriptor not replaced: %+v", d.Schema)
	}
	layer, _ := store.Get("housing_listings")
	if len(layer.Records) != 1 {
		t.Errorf("layer not replaced: %d records", len(layer.Records))
	}
}

func TestLoader_Unload(t *testing.T) {
	root := dataDir(t)
	l, c, store := setup(t, Config{Root: root})
	ctx := context.Background()

	if err := l.Unload(ctx, "housing/listings.geojson"); err != nil {
		t.Errorf("unloading a file that was never loaded should be a no-op: %v", err)
	}
	if res := l.LoadFile(ctx, "housing/listings.geojson"); res.Err != nil {
		t.Fatalf("LoadFile failed: %v", res.Err)
	}
	if err := l.Unload(ctx, "housing/listings.geojson"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, ok := c.Descriptor("housing_listings"); ok {
		t.Error("descriptor still registered")
	}
	if _, err := store.Get("housing_listings"); !geoscale.IsCode(err, geoscale.ErrCodeDatasetNotFound) {
		t.Errorf("expected DATASET_NOT_FOUND, got %v", err)
	}
	if _, ok := l.Loaded("housing/listings.geojson"); ok {
		t.Error("file still tracked as loaded")
	}
}

func TestLoader_DuplicateDatasetID(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "housing/listings.geojson", listingsJSON)
	writeFile(t, root, "housing/listings.json", listingsWithAreaJSON)
	l, c, store := setup(t, Config{Root: root, Workers: 4})
	ctx := context.Background()

	report, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(report.Loaded) != 1 || report.Loaded[0].Path != "housing/listings.geojson" {
		t.Fatalf("expected only listings.geojson to load, got %+v", report.Loaded)
	}
	if len(report.Failed) != 1 || report.Failed[0].Path != "housing/listings.json" ||
		!geoscale.IsCode(report.Failed[0].Err, geoscale.ErrCodeConfiguration) {
		t.Fatalf("expected listings.json to fail with a configuration error, got %+v", report.Failed)
	}
	layer, err := store.Get("housing_listings")
	if err != nil || len(layer.Records) != 2 {
		t.Fatalf("expected the two-record layer from listings.geojson, got %v", err)
	}

	// A reload of the loser must not replace the winner.
	if res := l.LoadFile(ctx, "housing/listings.json"); !geoscale.IsCode(res.Err, geoscale.ErrCodeConfiguration) {
		t.Errorf("expected a configuration error, got %v", res.Err)
	}
	if d, _ := c.Descriptor("housing_listings"); d.HasAttribute("area_m2") {
		t.Error("descriptor was replaced by the colliding file")
	}

	// Unloading the loser leaves the winner in place.
	if err := l.Unload(ctx, "housing/listings.json"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, err := store.Get("housing_listings"); err != nil {
		t.Errorf("winner removed by unloading the colliding file: %v", err)
	}

	// Once the winner is gone the other file can take the id.
	if err := l.Unload(ctx, "housing/listings.geojson"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if res := l.LoadFile(ctx, "housing/listings.json"); res.Err != nil {
		t.Fatalf("LoadFile after release failed: %v", res.Err)
	}
	if d, _ := c.Descriptor("housing_listings"); !d.HasAttribute("area_m2") {
		t.Errorf("expected the listings.json descriptor, got %+v", d.Schema)
	}
}

func TestDatasetID(t *testing.T) {
	cases := map[string]string{
		"housing/Synthetic Houses.geojson":   "housing_synthetic_houses",
		"boundaries/lisboa-freguesias.json": "boundaries_lisboa_freguesias",
		"__.geojson":                        "dataset",
	}
	for in, want := range cases {
		if got := DatasetID(in); got != want {
			t.Errorf("DatasetID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "transport/.keep", "")
	l, c, _ := setup(t, Config{Root: root})

	events := make(chan string, 8)
	w, err := NewWatcher(l, WithDebounce(20*time.Millisecond), WithReloadHook(func(rel string, err error) {
		if err != nil {
			t.Errorf("reload of %s failed: %v", rel, err)
		}
		events <- rel
	}))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	wait := func(want string) {
		t.Helper()
		select {
		case got := <-events:
			if got != filepath.FromSlash(want) {
				t.Fatalf("expected reload of %s, got %s", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reload of %s", want)
		}
	}

	writeFile(t, root, "transport/metro.geojson", listingsJSON)
	wait("transport/metro.geojson")
	if d, ok := c.Descriptor("transport_metro"); !ok || d.Category != "transport" {
		t.Fatalf("new file not registered: %+v", d)
	}

	if err := os.Remove(filepath.Join(root, "transport", "metro.geojson")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	wait("transport/metro.geojson")
	if _, ok := c.Descriptor("transport_metro"); ok {
		t.Error("removed file still registered")
	}
}
