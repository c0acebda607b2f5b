// Package geo holds realized geospatial layers and the store that serves them
// to concurrent readers.
package geo

import (
	"fmt"
	"sort"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/paulmach/orb"
)

// Record is one geometry with its attributes.
type Record struct {
	Geometry   orb.Geometry
	Properties map[string]interface{}
}

// Number returns a numeric attribute. JSON numbers decode as float64; integer
// and boolean values set programmatically are converted.
func (r Record) Number(attr string) (float64, bool) {
	switch v := r.Properties[attr].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Layer is the realized data of one dataset. A Layer is never mutated after it
// has been handed to the Store; refreshes replace it wholesale.
type Layer struct {
	Descriptor geoscale.DatasetDescriptor
	Records    []Record
	Version    uint64
	LoadedAt   time.Time
}

// ID returns the dataset id.
func (l *Layer) ID() string {
	return l.Descriptor.ID
}

// CRS returns the normalized coordinate reference identifier.
func (l *Layer) CRS() string {
	return NormalizeCRS(l.Descriptor.CRS)
}

// Bound returns the bounding box of all records.
func (l *Layer) Bound() orb.Bound {
	var b orb.Bound
	first := true
	for _, rec := range l.Records {
		if rec.Geometry == nil {
			continue
		}
		if first {
			b = rec.Geometry.Bound()
			first = false
			continue
		}
		b = b.Union(rec.Geometry.Bound())
	}
	return b
}

// Validate checks the layer against its descriptor: geometry kind, CRS and,
// for declared schemas, attribute types.
func (l *Layer) Validate() error {
	d := l.Descriptor
	if d.ID == "" {
		return fmt.Errorf("layer has no dataset id")
	}
	if _, err := NewProjector(d.CRS, 0); err != nil {
		return fmt.Errorf("dataset '%s': %w", d.ID, err)
	}
	for i, rec := range l.Records {
		if rec.Geometry == nil {
			return fmt.Errorf("dataset '%s': record %d has no geometry", d.ID, i)
		}
		if !kindAccepts(d.Kind, rec.Geometry) {
			return fmt.Errorf("dataset '%s': record %d has %s geometry, expected %s", d.ID, i, rec.Geometry.GeoJSONType(), d.Kind)
		}
		for attr, typ := range d.Schema {
			v, ok := rec.Properties[attr]
			if !ok || v == nil {
				continue
			}
			if !valueMatches(typ, v) {
				return fmt.Errorf("dataset '%s': record %d attribute '%s' is %T, expected %s", d.ID, i, attr, v, typ)
			}
		}
	}
	return nil
}

func kindAccepts(kind geoscale.GeometryKind, g orb.Geometry) bool {
	switch kind {
	case geoscale.KindPoint:
		_, ok := g.(orb.Point)
		return ok
	case geoscale.KindPolygon:
		switch g.(type) {
		case orb.Polygon, orb.MultiPolygon:
			return true
		}
	case geoscale.KindLineNetwork:
		switch g.(type) {
		case orb.LineString, orb.MultiLineString:
			return true
		}
	}
	return false
}

func valueMatches(typ geoscale.AttributeType, v interface{}) bool {
	switch typ {
	case geoscale.AttrNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case geoscale.AttrString:
		_, ok := v.(string)
		return ok
	case geoscale.AttrBoolean:
		_, ok := v.(bool)
		return ok
	}
	return true
}

// InferSchema derives an attribute schema from record values. Numbers,
// strings and booleans keep their type when every non-null value agrees;
// nested values and attributes of mixed type become AttrJSON.
func InferSchema(records []Record) map[string]geoscale.AttributeType {
	schema := make(map[string]geoscale.AttributeType)
	for _, rec := range records {
		for attr, v := range rec.Properties {
			if v == nil {
				continue
			}
			typ := valueType(v)
			if prev, seen := schema[attr]; seen && prev != typ {
				typ = geoscale.AttrJSON
			}
			schema[attr] = typ
		}
	}
	return schema
}

func valueType(v interface{}) geoscale.AttributeType {
	switch v.(type) {
	case float64, float32, int, int64:
		return geoscale.AttrNumber
	case bool:
		return geoscale.AttrBoolean
	case string:
		return geoscale.AttrString
	}
	return geoscale.AttrJSON
}

// InferKind derives the geometry kind from the first record.
func InferKind(records []Record) (geoscale.GeometryKind, error) {
	if len(records) == 0 || records[0].Geometry == nil {
		return "", fmt.Errorf("cannot infer geometry kind from an empty layer")
	}
	for _, kind := range []geoscale.GeometryKind{geoscale.KindPoint, geoscale.KindPolygon, geoscale.KindLineNetwork} {
		if kindAccepts(kind, records[0].Geometry) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unsupported geometry type %s", records[0].Geometry.GeoJSONType())
}

// Filter returns the indexes of records whose attributes equal every filter value.
// Numbers compare numerically; other values compare by their string form.
func (l *Layer) Filter(filter map[string]interface{}) []int {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []int
	for i, rec := range l.Records {
		match := true
		for _, k := range keys {
			if !attributeEquals(rec.Properties[k], filter[k]) {
				match = false
				break
			}
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func attributeEquals(have, want interface{}) bool {
	if hn, ok := toFloat(have); ok {
		if wn, ok := toFloat(want); ok {
			return hn == wn
		}
	}
	return fmt.Sprint(have) == fmt.Sprint(want)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
