// Package assembler turns a final answer and its transcript into a text, table
// or map response. It only reads tool output; nothing is recomputed.
package assembler

import (
	"fmt"
	"log"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// palette colours map layers in step order.
var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0"}

// Assembler implements geoscale.Assembler.
type Assembler struct {
	maxTextRows int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxTextRows sets how many table rows are echoed into the text answer.
func WithMaxTextRows(n int) Option {
	return func(a *Assembler) {
		a.maxTextRows = n
	}
}

func New(opts ...Option) *Assembler {
	a := &Assembler{maxTextRows: 10}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the response. References to missing or failed steps are
// dropped; a requested map without any geometry degrades to text or table.
func (a *Assembler) Assemble(answer geoscale.FinalAnswer, steps []geoscale.Step) (*geoscale.Response, error) {
	resp := &geoscale.Response{Format: geoscale.FormatText}
	var notes []string

	if answer.TableStep != nil {
		table, err := tableAt(steps, *answer.TableStep)
		if err != nil {
			log.Printf("Dropping table reference (step: %d, error: %v)", *answer.TableStep, err)
			notes = append(notes, "The referenced table is not available.")
		} else {
			csvText, err := TableCSV(table)
			if err != nil {
				return nil, fmt.Errorf("render table of step %d: %w", *answer.TableStep, err)
			}
			resp.Table = table
			resp.TableCSV = csvText
			resp.Format = geoscale.FormatTable
		}
	}

	if answer.WantMap || len(answer.MapSteps) > 0 {
		m := buildMap(answer, steps)
		if m != nil {
			resp.Map = m
			resp.Format = geoscale.FormatMap
		} else {
			notes = append(notes, "A map was requested but no step produced geometry.")
		}
	}

	resp.Text = a.text(answer, resp.Table, notes)
	return resp, nil
}

// tableAt returns the table of a successful step.
func tableAt(steps []geoscale.Step, index int) (*geoscale.Table, error) {
	step, err := stepAt(steps, index)
	if err != nil {
		return nil, err
	}
	if step.Observation.Payload == nil || step.Observation.Payload.Table == nil {
		return nil, fmt.Errorf("step %d (%s) produced no table", index, step.Invocation.Tool)
	}
	return step.Observation.Payload.Table, nil
}

func stepAt(steps []geoscale.Step, index int) (*geoscale.Step, error) {
	if index < 0 || index >= len(steps) {
		return nil, fmt.Errorf("step %d does not exist (transcript has %d steps)", index, len(steps))
	}
	step := &steps[index]
	if !step.Observation.Success {
		return nil, fmt.Errorf("step %d (%s) failed", index, step.Invocation.Tool)
	}
	return step, nil
}

// buildMap collects geometry from the referenced steps, or from every
// successful step when none are referenced.
func buildMap(answer geoscale.FinalAnswer, steps []geoscale.Step) *geoscale.MapSpec {
	indices := answer.MapSteps
	if len(indices) == 0 {
		for i := range steps {
			indices = append(indices, i)
		}
	}

	m := &geoscale.MapSpec{Title: answer.MapTitle}
	var bound orb.Bound
	for _, i := range indices {
		step, err := stepAt(steps, i)
		if err != nil {
			continue
		}
		if step.Observation.Payload == nil {
			continue
		}
		fc := step.Observation.Payload.Geometry
		if fc == nil || len(fc.Features) == 0 {
			continue
		}
		layerBound := collectionBound(fc)
		if len(m.Layers) == 0 {
			bound = layerBound
		} else {
			bound = bound.Union(layerBound)
		}
		m.Layers = append(m.Layers, geoscale.MapLayer{
			Name:     fmt.Sprintf("%d: %s", i, step.Invocation.Tool),
			Style:    map[string]string{"color": palette[len(m.Layers)%len(palette)]},
			Features: fc,
		})
	}
	if len(m.Layers) == 0 {
		return nil
	}
	m.Bounds = &bound
	return m
}

func collectionBound(fc *geojson.FeatureCollection) orb.Bound {
	b := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

func (a *Assembler) text(answer geoscale.FinalAnswer, table *geoscale.Table, notes []string) string {
	var b strings.Builder
	summary := strings.TrimSpace(answer.Summary)
	if summary == "" {
		summary = "No summary was provided."
	}
	b.WriteString(summary)

	if table != nil && a.maxTextRows > 0 {
		b.WriteString("\n\n")
		b.WriteString(renderTable(table, a.maxTextRows))
	}
	for _, n := range notes {
		b.WriteString("\n\n")
		b.WriteString(n)
	}
	return b.String()
}

// renderTable formats the first rows of table as a Markdown table.
func renderTable(table *geoscale.Table, maxRows int) string {
	var b strings.Builder
	names := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		names[i] = c.Name
	}
	b.WriteString("| " + strings.Join(names, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(names)) + "\n")

	for r, row := range table.Rows {
		if r == maxRows {
			fmt.Fprintf(&b, "\n%d more rows not shown.", len(table.Rows)-maxRows)
			break
		}
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
