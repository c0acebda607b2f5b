// Package ingest loads GeoJSON datasets from a data directory into the layer
// store and registers their descriptors, and keeps them current on change.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/sourcegraph/conc/pool"
	"gopkg.in/yaml.v3"
)

// DefaultInclude matches every GeoJSON file below the root.
var DefaultInclude = []string{"**/*.geojson", "**/*.json"}

// metaSuffix names the optional sidecar that overrides inferred metadata,
// e.g. housing/listings.geojson + housing/listings.meta.yaml.
const metaSuffix = ".meta.yaml"

// Registrar is the descriptor index datasets are registered in.
type Registrar interface {
	Descriptor(id string) (geoscale.DatasetDescriptor, bool)
	Register(ctx context.Context, d geoscale.DatasetDescriptor) error
	Deregister(ctx context.Context, id string) error
}

// LayerStore receives the decoded layers.
type LayerStore interface {
	Put(ctx context.Context, layer *geo.Layer) (uint64, error)
	Remove(id string) error
}

// Config selects the files to ingest.
type Config struct {
	Root    string
	Include []string
	Exclude []string
	Workers int
}

// Result is the outcome of loading one file.
type Result struct {
	Path       string                     `json:"path"`
	Descriptor geoscale.DatasetDescriptor `json:"descriptor"`
	Records    int                        `json:"records"`
	Err        error                      `json:"-"`
}

// Report summarizes a full load.
type Report struct {
	Loaded []Result
	Failed []Result
}

// Loader ingests files under a root directory.
type Loader struct {
	cfg      Config
	registry Registrar
	store    LayerStore

	// mu serializes the deregister/register pair of a reload and guards
	// loaded and owners.
	mu     sync.Mutex
	loaded map[string]string // relative path -> dataset id
	owners map[string]string // dataset id -> relative path
}

// sidecar holds the fields a .meta.yaml file may set.
type sidecar struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	CRS         string `yaml:"crs"`
}

func NewLoader(cfg Config, registry Registrar, store LayerStore) *Loader {
	if len(cfg.Include) == 0 {
		cfg.Include = DefaultInclude
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	cfg.Root = filepath.Clean(cfg.Root)
	return &Loader{cfg: cfg, registry: registry, store: store, loaded: make(map[string]string), owners: make(map[string]string)}
}

// Root returns the cleaned data root.
func (l *Loader) Root() string {
	return l.cfg.Root
}

// Matches reports whether a path relative to the root is selected by the
// include and exclude patterns. Sidecar files never match.
func (l *Loader) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, metaSuffix) {
		return false
	}
	for _, pattern := range l.cfg.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	for _, pattern := range l.cfg.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Discover lists the selected files, relative to the root, in sorted order.
func (l *Loader) Discover() ([]string, error) {
	fsys := os.DirFS(l.cfg.Root)
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range l.cfg.Include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad include pattern '%s': %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] && l.Matches(m) {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadAll loads every selected file in parallel. A file that fails to load is
// reported and skipped; the error is returned only when discovery fails or the
// context is cancelled.
func (l *Loader) LoadAll(ctx context.Context) (*Report, error) {
	files, err := l.Discover()
	if err != nil {
		return nil, err
	}
	log.Printf("Ingesting datasets (root: %s, files: %d, workers: %d)", l.cfg.Root, len(files), l.cfg.Workers)

	// Ids are claimed in path order before the parallel load, so when two
	// files map to the same id the first in sorted order wins.
	results := make([]Result, len(files))
	claimed := make([]bool, len(files))
	for i, rel := range files {
		desc, err := l.baseDescriptor(rel)
		if err == nil {
			err = l.claim(rel, desc.ID)
		}
		if err != nil {
			results[i] = Result{Path: rel, Descriptor: desc, Err: err}
			continue
		}
		claimed[i] = true
	}

	p := pool.New().WithMaxGoroutines(l.cfg.Workers)
	for i, rel := range files {
		if !claimed[i] {
			continue
		}
		i, rel := i, rel
		p.Go(func() {
			if ctx.Err() != nil {
				results[i] = Result{Path: rel, Err: ctx.Err()}
				return
			}
			results[i] = l.LoadFile(ctx, rel)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{}
	for _, r := range results {
		if r.Err != nil {
			log.Printf("Skipping dataset (path: %s, error: %v)", r.Path, r.Err)
			report.Failed = append(report.Failed, r)
			continue
		}
		report.Loaded = append(report.Loaded, r)
	}
	log.Printf("Ingestion complete (loaded: %d, failed: %d)", len(report.Loaded), len(report.Failed))
	return report, nil
}

// LoadFile decodes one file, relative to the root, stores its layer and
// registers its descriptor. Reloading a file whose descriptor changed
// replaces the registration. A file whose dataset id is already provided by
// another file fails with a configuration error.
func (l *Loader) LoadFile(ctx context.Context, rel string) (res Result) {
	res = Result{Path: rel}
	abs := filepath.Join(l.cfg.Root, rel)

	desc, err := l.baseDescriptor(rel)
	if err != nil {
		res.Err = err
		return res
	}
	res.Descriptor = desc
	if err := l.claim(rel, desc.ID); err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if res.Err != nil {
			l.release(rel, desc.ID)
		}
	}()

	data, err := os.ReadFile(abs)
	if err != nil {
		res.Err = err
		return res
	}
	layer, err := geo.DecodeLayer(desc, data)
	if err != nil {
		res.Err = err
		return res
	}
	desc = layer.Descriptor
	res.Descriptor = desc
	res.Records = len(layer.Records)

	if _, err := l.store.Put(ctx, layer); err != nil {
		res.Err = err
		return res
	}
	if err := l.register(ctx, rel, desc); err != nil {
		res.Err = err
		return res
	}
	return res
}

// claim reserves id for rel. It fails when another file already holds id.
func (l *Loader) claim(rel, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := filepath.ToSlash(rel)
	if owner, ok := l.owners[id]; ok && owner != key {
		return geoscale.NewConfigurationError(
			fmt.Sprintf("dataset id '%s' of '%s' is already provided by '%s'; rename one file or set an id in its %s", id, key, owner, metaSuffix), nil)
	}
	l.owners[id] = key
	return nil
}

// release drops a claim that did not end in a load, keeping the claim of a
// previously loaded version of the file.
func (l *Loader) release(rel, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := filepath.ToSlash(rel)
	if l.owners[id] == key && l.loaded[key] != id {
		delete(l.owners, id)
	}
}

func (l *Loader) register(ctx context.Context, rel string, desc geoscale.DatasetDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.registry.Descriptor(desc.ID); ok && !sameDescriptor(existing, desc) {
		log.Printf("Dataset descriptor changed, re-registering (id: %s)", desc.ID)
		if err := l.registry.Deregister(ctx, desc.ID); err != nil {
			return err
		}
	}
	if err := l.registry.Register(ctx, desc); err != nil {
		return err
	}
	l.loaded[filepath.ToSlash(rel)] = desc.ID
	return nil
}

// Unload removes the dataset a file provided. It is a no-op for files that
// were never loaded.
func (l *Loader) Unload(ctx context.Context, rel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := filepath.ToSlash(rel)
	id, ok := l.loaded[key]
	if !ok {
		return nil
	}
	if _, ok := l.registry.Descriptor(id); ok {
		if err := l.registry.Deregister(ctx, id); err != nil {
			return err
		}
	}
	if err := l.store.Remove(id); err != nil && !geoscale.IsCode(err, geoscale.ErrCodeDatasetNotFound) {
		return err
	}
	delete(l.loaded, key)
	if l.owners[id] == key {
		delete(l.owners, id)
	}
	log.Printf("Dataset unloaded (id: %s, path: %s)", id, rel)
	return nil
}

// Loaded returns the dataset id a file provided, if it is loaded.
func (l *Loader) Loaded(rel string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.loaded[filepath.ToSlash(rel)]
	return id, ok
}

// baseDescriptor derives id, title, category and source from the path and
// applies the sidecar, if any. Kind and schema are left for DecodeLayer.
func (l *Loader) baseDescriptor(rel string) (geoscale.DatasetDescriptor, error) {
	abs := filepath.Join(l.cfg.Root, rel)
	desc := geoscale.DatasetDescriptor{
		ID:       DatasetID(rel),
		Title:    titleFromPath(rel),
		Category: catalog.InferCategory(abs, l.cfg.Root),
		Source:   filepath.ToSlash(rel),
	}

	meta, err := readSidecar(abs)
	if err != nil {
		return desc, err
	}
	if meta != nil {
		if meta.ID != "" {
			desc.ID = meta.ID
		}
		if meta.Title != "" {
			desc.Title = meta.Title
		}
		if meta.Category != "" {
			desc.Category = meta.Category
		}
		desc.Description = meta.Description
		desc.CRS = meta.CRS
	}
	return desc, nil
}

func readSidecar(abs string) (*sidecar, error) {
	path := strings.TrimSuffix(abs, filepath.Ext(abs)) + metaSuffix
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta sidecar
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata file '%s': %w", path, err)
	}
	return &meta, nil
}

// DatasetID turns a path relative to the data root into an id:
// "housing/Synthetic Houses.geojson" becomes "housing_synthetic_houses".
func DatasetID(rel string) string {
	rel = filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(rel) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	if b.Len() == 0 {
		return "dataset"
	}
	return b.String()
}

func titleFromPath(rel string) string {
	name := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

func sameDescriptor(a, b geoscale.DatasetDescriptor) bool {
	if len(a.Schema) == 0 && len(b.Schema) == 0 {
		a.Schema, b.Schema = nil, nil
	}
	return reflect.DeepEqual(a, b)
}
