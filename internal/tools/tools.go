package tools

import (
	"encoding/json"
	"fmt"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// Builtins returns the full tool catalog over store. fetcher and registrar
// may be nil, in which case fetch_fresh is left out.
func Builtins(store *geo.Store, fetcher Fetcher, registrar Registrar) []geoscale.Tool {
	tools := []geoscale.Tool{
		NewProximitySearch(store),
		NewContainmentAggregate(store),
		NewRankByMetric(store),
		NewNetworkDistance(store),
		NewNearestNeighbor(store),
		NewDescribeDataset(store),
		NewAttributeJoin(store),
		NewSpatialJoin(store),
	}
	if fetcher != nil && registrar != nil {
		tools = append(tools, NewFetchFresh(store, fetcher, registrar))
	}
	return tools
}

// SetupRegistry creates a registry holding the builtin tools.
func SetupRegistry(store *geo.Store, fetcher Fetcher, registrar Registrar, options ...RegistryOption) (*Registry, error) {
	r := NewRegistry(options...)
	if err := r.Register(Builtins(store, fetcher, registrar)...); err != nil {
		return nil, err
	}
	return r, nil
}

// base carries the spec shared by every tool.
type base struct {
	spec geoscale.ToolSpec
}

func (b base) Name() string             { return b.spec.Name }
func (b base) Spec() geoscale.ToolSpec { return b.spec }

func (b base) Validate(args map[string]interface{}) error { return nil }

// sameCRS fails with a coordinate mismatch unless both layers share a reference system.
func sameCRS(tool string, a, b *geo.Layer) error {
	if !geo.SameCRS(a.CRS(), b.CRS()) {
		return geoscale.NewCoordinateMismatchError("tool:"+tool, a.ID(), a.CRS(), b.ID(), b.CRS())
	}
	return nil
}

// pointCRS checks that coordinates given in crs can be used against layer.
func pointCRS(tool, crs string, layer *geo.Layer) error {
	if !geo.SameCRS(crs, layer.CRS()) {
		return geoscale.NewCoordinateMismatchError("tool:"+tool, "arguments", geo.NormalizeCRS(crs), layer.ID(), layer.CRS())
	}
	return nil
}

// attributeColumns lists a layer's attribute columns in schema order.
func attributeColumns(layer *geo.Layer) []geoscale.Column {
	names := layer.Descriptor.AttributeNames()
	cols := make([]geoscale.Column, len(names))
	for i, n := range names {
		cols[i] = geoscale.Column{Name: n, Type: layer.Descriptor.Schema[n]}
	}
	return cols
}

// withComputed appends computed columns to a layer's attribute columns. An
// attribute whose name a computed column takes is listed under
// geo.ShadowedName instead; rows still read it by its original name.
func withComputed(attrs []geoscale.Column, computed ...geoscale.Column) []geoscale.Column {
	taken := make(map[string]bool, len(attrs)+len(computed))
	for _, c := range attrs {
		taken[c.Name] = true
	}
	for _, c := range computed {
		taken[c.Name] = true
	}
	reserved := make(map[string]bool, len(computed))
	for _, c := range computed {
		reserved[c.Name] = true
	}

	out := make([]geoscale.Column, 0, len(attrs)+len(computed))
	for _, c := range attrs {
		if reserved[c.Name] {
			c.Name = geo.ShadowedName(c.Name, func(n string) bool { return taken[n] })
			taken[c.Name] = true
		}
		out = append(out, c)
	}
	return append(out, computed...)
}

// attributeRow renders a record's attributes for cols.
func attributeRow(rec geo.Record, cols []geoscale.Column) []interface{} {
	row := make([]interface{}, len(cols))
	for i, c := range cols {
		row[i] = cellValue(rec.Properties[c.Name])
	}
	return row
}

// cellValue reduces a property value to float64, string, bool or nil.
func cellValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// recordLabel names a record by its "name" or "id" attribute, else its index.
func recordLabel(rec geo.Record, index int) string {
	for _, key := range []string{"name", "id", "label"} {
		if v, ok := rec.Properties[key]; ok && v != nil {
			return fmt.Sprint(cellValue(v))
		}
	}
	return fmt.Sprintf("#%d", index)
}
