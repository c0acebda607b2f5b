// Package catalog persists the dataset descriptor index, cached description
// embeddings and user ratings of runs in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	_ "modernc.org/sqlite"
)

// Catalog is the persisted descriptor index. Descriptors are served from an
// in-memory copy that is kept in step with the database.
type Catalog struct {
	db *sql.DB
	mu sync.RWMutex

	descs      map[string]geoscale.DatasetDescriptor
	generation uint64
}

// Rating is a user's score for one run.
type Rating struct {
	RunID     string    `json:"run_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Open opens (or creates) the catalog database at path. Use ":memory:" for an
// ephemeral catalog.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	c := &Catalog{db: db, descs: make(map[string]geoscale.DatasetDescriptor)}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS descriptors (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT,
		kind TEXT NOT NULL,
		schema TEXT NOT NULL,
		crs TEXT NOT NULL,
		source TEXT,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		dataset_id TEXT NOT NULL,
		model TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (dataset_id, model)
	);

	CREATE TABLE IF NOT EXISTS ratings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ratings_run ON ratings(run_id);
	CREATE INDEX IF NOT EXISTS idx_descriptors_category ON descriptors(category)
	`

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// load fills the in-memory index from the database.
func (c *Catalog) load() error {
	rows, err := c.db.Query("SELECT id, title, description, category, kind, schema, crs, source FROM descriptors")
	if err != nil {
		return err
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var d geoscale.DatasetDescriptor
		var category, source sql.NullString
		var kind, schemaJSON string
		if err := rows.Scan(&d.ID, &d.Title, &d.Description, &category, &kind, &schemaJSON, &d.CRS, &source); err != nil {
			return err
		}
		d.Category = category.String
		d.Source = source.String
		d.Kind = geoscale.GeometryKind(kind)
		if err := json.Unmarshal([]byte(schemaJSON), &d.Schema); err != nil {
			return fmt.Errorf("descriptor '%s' has a corrupt schema: %w", d.ID, err)
		}
		c.descs[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.generation++
	log.Printf("Catalog loaded (datasets: %d)", len(c.descs))
	return nil
}

// Register adds a descriptor. Registering an identical descriptor again is a
// no-op; registering a different one under an existing id fails, since
// descriptors are immutable until deregistered.
func (c *Catalog) Register(ctx context.Context, d geoscale.DatasetDescriptor) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}
	if d.ID == "" || d.Title == "" {
		return fmt.Errorf("descriptor needs an id and a title")
	}
	if d.Schema == nil {
		d.Schema = map[string]geoscale.AttributeType{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.descs[d.ID]; ok {
		if reflect.DeepEqual(existing, d) {
			return nil
		}
		return fmt.Errorf("dataset '%s' is already registered with a different descriptor", d.ID)
	}

	schemaJSON, err := json.Marshal(d.Schema)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO descriptors (id, title, description, category, kind, schema, crs, source) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		d.ID, d.Title, d.Description, d.Category, string(d.Kind), string(schemaJSON), d.CRS, d.Source,
	)
	if err != nil {
		return err
	}

	c.descs[d.ID] = d
	c.generation++
	return nil
}

// Deregister removes a descriptor and its cached embeddings.
func (c *Catalog) Deregister(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.descs[id]; !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("dataset '%s' not registered", id), nil))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM descriptors WHERE id = ?", id); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM embeddings WHERE dataset_id = ?", id); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	delete(c.descs, id)
	c.generation++
	return nil
}

// Descriptor returns the descriptor registered under id.
func (c *Catalog) Descriptor(id string) (geoscale.DatasetDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descs[id]
	return d, ok
}

// Descriptors returns every registered descriptor sorted by id.
func (c *Catalog) Descriptors() []geoscale.DatasetDescriptor {
	c.mu.RLock()
	out := make([]geoscale.DatasetDescriptor, 0, len(c.descs))
	for _, d := range c.descs {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation changes whenever the set of descriptors changes.
func (c *Catalog) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// SaveEmbedding stores the embedding of a descriptor's text for model.
func (c *Catalog) SaveEmbedding(ctx context.Context, datasetID, model, textHash string, vector []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO embeddings (dataset_id, model, text_hash, vector) VALUES (?, ?, ?, ?)
		 ON CONFLICT(dataset_id, model) DO UPDATE SET text_hash = excluded.text_hash, vector = excluded.vector`,
		datasetID, model, textHash, encodeVector(vector),
	)
	return err
}

// Embedding returns the cached embedding for a descriptor if it was computed
// by model from text with the given hash.
func (c *Catalog) Embedding(ctx context.Context, datasetID, model, textHash string) ([]float32, bool, error) {
	var blob []byte
	var storedHash string
	err := c.db.QueryRowContext(ctx,
		"SELECT text_hash, vector FROM embeddings WHERE dataset_id = ? AND model = ?",
		datasetID, model,
	).Scan(&storedHash, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if storedHash != textHash {
		return nil, false, nil
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Rate records a rating between 1 and 5 for a run.
func (c *Catalog) Rate(ctx context.Context, r Rating) error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", r.Rating)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO ratings (run_id, rating, comment, created_at) VALUES (?, ?, ?, ?)",
		r.RunID, r.Rating, r.Comment, r.CreatedAt,
	)
	return err
}

// Ratings returns the ratings of a run, oldest first.
func (c *Catalog) Ratings(ctx context.Context, runID string) ([]Rating, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT run_id, rating, comment, created_at FROM ratings WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var r Rating
		var comment sql.NullString
		if err := rows.Scan(&r.RunID, &r.Rating, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Comment = comment.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has invalid length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
