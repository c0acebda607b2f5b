package geoscale

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeometryKind is the kind of geometry a dataset holds.
type GeometryKind string

const (
	KindPoint       GeometryKind = "point"
	KindPolygon     GeometryKind = "polygon"
	KindLineNetwork GeometryKind = "line-network"
)

// AttributeType is the semantic type of a dataset attribute.
type AttributeType string

const (
	AttrNumber  AttributeType = "number"
	AttrString  AttributeType = "string"
	AttrBoolean AttributeType = "boolean"
	// AttrJSON holds arrays, objects, or values whose type varies between
	// records. Table cells carry its values as JSON text.
	AttrJSON AttributeType = "json"
)

// DatasetDescriptor describes an available geospatial dataset without its content.
// Descriptors are immutable once registered.
type DatasetDescriptor struct {
	ID          string                   `json:"id" yaml:"id"`
	Title       string                   `json:"title" yaml:"title"`
	Description string                   `json:"description" yaml:"description"`
	Category    string                   `json:"category,omitempty" yaml:"category,omitempty"`
	Kind        GeometryKind             `json:"kind" yaml:"kind"`
	Schema      map[string]AttributeType `json:"schema" yaml:"schema"`
	CRS         string                   `json:"crs" yaml:"crs"`
	Source      string                   `json:"source,omitempty" yaml:"source,omitempty"`
}

// HasAttribute reports whether the descriptor's schema declares name.
func (d DatasetDescriptor) HasAttribute(name string) bool {
	_, ok := d.Schema[name]
	return ok
}

// AttributeNames returns the schema's attribute names in sorted order.
func (d DatasetDescriptor) AttributeNames() []string {
	names := make([]string, 0, len(d.Schema))
	for name := range d.Schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Area optionally restricts a query to a named place or bounding box.
type Area struct {
	Name string     `json:"name,omitempty"`
	BBox *orb.Bound `json:"bbox,omitempty"`
}

// Query is a single user request. It is immutable for the lifetime of a run.
type Query struct {
	Text  string `json:"text"`
	Area  *Area  `json:"area,omitempty"`
	Fresh bool   `json:"fresh,omitempty"`
}

// ToolInvocation is a request from the oracle to run a tool.
type ToolInvocation struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Column describes one table column.
type Column struct {
	Name string        `json:"name"`
	Type AttributeType `json:"type"`
}

// Table is a tabular tool result. Row values are float64, string, bool or nil.
type Table struct {
	Columns []Column        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Payload is a tool result: a table, named scalars, a geometry set, or a mix.
type Payload struct {
	Table    *Table                     `json:"table,omitempty"`
	Scalars  map[string]interface{}     `json:"scalars,omitempty"`
	Geometry *geojson.FeatureCollection `json:"geometry,omitempty"`
}

// Kinds lists which parts of the payload are populated.
func (p *Payload) Kinds() []string {
	if p == nil {
		return nil
	}
	var kinds []string
	if p.Table != nil {
		kinds = append(kinds, "table")
	}
	if len(p.Scalars) > 0 {
		kinds = append(kinds, "scalar")
	}
	if p.Geometry != nil && len(p.Geometry.Features) > 0 {
		kinds = append(kinds, "geometry")
	}
	return kinds
}

// ErrorDetail is the serialisable form of a failed observation's error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// DetailOf converts an error into an ErrorDetail.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	detail := &ErrorDetail{Code: CodeOf(err), Message: err.Error()}
	if gErr, ok := AsError(err); ok {
		detail.Retryable = gErr.Retryable
	}
	return detail
}

// Observation is the outcome of one tool invocation.
type Observation struct {
	Tool     string        `json:"tool"`
	Payload  *Payload      `json:"payload,omitempty"`
	Success  bool          `json:"success"`
	Error    *ErrorDetail  `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Step is one {oracle message, tool invocation, observation} triple.
type Step struct {
	Index         int            `json:"index"`
	OracleMessage string         `json:"oracle_message,omitempty"`
	Invocation    ToolInvocation `json:"invocation"`
	Observation   Observation    `json:"observation"`
	At            time.Time      `json:"at"`
}

// Transcript is the append-only history of one run, bounded by a maximum step count.
type Transcript struct {
	steps []Step
	max   int
}

// NewTranscript creates an empty transcript bounded by maxSteps.
func NewTranscript(maxSteps int) *Transcript {
	return &Transcript{max: maxSteps}
}

// Append adds a step. It fails once the bound is reached.
func (t *Transcript) Append(step Step) error {
	if t.max > 0 && len(t.steps) >= t.max {
		return NewStepBudgetExceededError(t.max)
	}
	step.Index = len(t.steps)
	if step.At.IsZero() {
		step.At = time.Now()
	}
	t.steps = append(t.steps, step)
	return nil
}

// Len returns the number of recorded steps.
func (t *Transcript) Len() int {
	return len(t.steps)
}

// Max returns the configured bound.
func (t *Transcript) Max() int {
	return t.max
}

// Steps returns a copy of the recorded steps.
func (t *Transcript) Steps() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Tail returns a copy of the last n steps.
func (t *Transcript) Tail(n int) []Step {
	if n <= 0 || len(t.steps) == 0 {
		return nil
	}
	if n > len(t.steps) {
		n = len(t.steps)
	}
	out := make([]Step, n)
	copy(out, t.steps[len(t.steps)-n:])
	return out
}

// FinalAnswer is the oracle's terminating output. Tables and maps are referenced
// by transcript step index so that every number shown comes from a tool.
type FinalAnswer struct {
	Summary   string `json:"summary"`
	TableStep *int   `json:"table_step,omitempty"`
	MapSteps  []int  `json:"map_steps,omitempty"`
	WantMap   bool   `json:"want_map,omitempty"`
	MapTitle  string `json:"map_title,omitempty"`
}

// Clone returns a deep copy so the loop can freeze the oracle's draft.
func (f FinalAnswer) Clone() *FinalAnswer {
	out := f
	if f.TableStep != nil {
		step := *f.TableStep
		out.TableStep = &step
	}
	if f.MapSteps != nil {
		out.MapSteps = append([]int(nil), f.MapSteps...)
	}
	return &out
}

// ArgType is the declared type of a tool argument.
type ArgType string

const (
	ArgString    ArgType = "string"
	ArgNumber    ArgType = "number"
	ArgInteger   ArgType = "integer"
	ArgBoolean   ArgType = "boolean"
	ArgPoint     ArgType = "point"
	ArgStringMap ArgType = "string_map"
)

// ArgSpec declares one tool argument.
type ArgSpec struct {
	Name         string   `json:"name"`
	Type         ArgType  `json:"type"`
	Required     bool     `json:"required"`
	Description  string   `json:"description,omitempty"`
	Enum         []string `json:"enum,omitempty"`
	Min          *float64 `json:"min,omitempty"`
	ExclusiveMin bool     `json:"exclusive_min,omitempty"`
}

// ToolSpec is the typed contract a tool advertises to the oracle.
type ToolSpec struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Args        []ArgSpec `json:"args"`
	Returns     string    `json:"returns"`
	Idempotent  bool      `json:"idempotent"`
	Category    string    `json:"category,omitempty"`
}

// OracleRequest is everything the oracle sees on one planning turn.
type OracleRequest struct {
	Query          Query               `json:"query"`
	Transcript     []Step              `json:"transcript"`
	Tools          []ToolSpec          `json:"tools"`
	Datasets       []DatasetDescriptor `json:"datasets"`
	Notices        []string            `json:"notices,omitempty"`
	StepsRemaining int                 `json:"steps_remaining"`
}

// OracleResponse is either a tool invocation or a final answer draft.
type OracleResponse struct {
	Message    string          `json:"message,omitempty"`
	Invocation *ToolInvocation `json:"tool_invocation,omitempty"`
	Final      *FinalAnswer    `json:"final_answer,omitempty"`
}

// Validate checks that exactly one of Invocation and Final is set.
func (r *OracleResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("oracle returned no response")
	}
	if (r.Invocation == nil) == (r.Final == nil) {
		return fmt.Errorf("oracle response must carry exactly one of tool_invocation or final_answer")
	}
	if r.Invocation != nil && strings.TrimSpace(r.Invocation.Tool) == "" {
		return fmt.Errorf("tool invocation has no tool name")
	}
	return nil
}

// ResponseFormat is the shape of a presentable response.
type ResponseFormat string

const (
	FormatText  ResponseFormat = "text"
	FormatTable ResponseFormat = "table"
	FormatMap   ResponseFormat = "map"
)

// MapLayer is one styled geometry set on a map.
type MapLayer struct {
	Name     string                     `json:"name"`
	Style    map[string]string          `json:"style,omitempty"`
	Features *geojson.FeatureCollection `json:"features"`
}

// MapSpec is a renderer-agnostic map description.
type MapSpec struct {
	Title  string     `json:"title,omitempty"`
	Layers []MapLayer `json:"layers"`
	Bounds *orb.Bound `json:"bounds,omitempty"`
}

// Diagnostic explains a failed run.
type Diagnostic struct {
	Code     string `json:"code"`
	Reason   string `json:"reason"`
	State    string `json:"state"`
	Steps    int    `json:"steps"`
	LastStep []Step `json:"last_steps,omitempty"`
}

// RunStatus is the caller-visible outcome of a run.
type RunStatus string

const (
	RunDone   RunStatus = "done"
	RunFailed RunStatus = "failed"
)

// Response is what the front end receives. Errors are surfaced as a Diagnostic.
type Response struct {
	RunID      string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	Format     ResponseFormat `json:"format"`
	Text       string         `json:"text"`
	Table      *Table         `json:"table,omitempty"`
	TableCSV   string         `json:"table_csv,omitempty"`
	Map        *MapSpec       `json:"map,omitempty"`
	Diagnostic *Diagnostic    `json:"diagnostic,omitempty"`
	Steps      int            `json:"steps"`
	Duration   time.Duration  `json:"duration"`
}
