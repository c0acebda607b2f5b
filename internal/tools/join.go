package tools

import (
	"context"
	"fmt"
	"strconv"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/paulmach/orb"
)

// Join kinds shared by the join tools.
const (
	joinInner = "inner"
	joinLeft  = "left"
)

// Spatial predicates accepted by spatial_join, read as "left <predicate> right".
var spatialPredicates = map[string]func(a, b orb.Geometry) bool{
	"intersects": geo.Intersects,
	"within":     geo.Within,
	"contains":   func(a, b orb.Geometry) bool { return geo.Within(b, a) },
}

// joinResult accumulates the rows of a join. Each row is one left record
// paired with one right record, or with none for an unmatched left join row.
type joinResult struct {
	left, right         *geo.Layer
	leftCols, rightCols []geoscale.Column // source attribute names
	table               *geoscale.Table
	idx                 []int
	extras              []map[string]interface{}
	limit               int
	rows                int
	matchedLeft         int
}

// newJoinResult lays out left attributes, right attributes and computed
// columns. A right attribute whose name is already taken is prefixed with
// "right_"; a left attribute named like a computed column is shadowed.
func newJoinResult(left, right *geo.Layer, limit int, computed ...geoscale.Column) *joinResult {
	j := &joinResult{
		left:      left,
		right:     right,
		leftCols:  attributeColumns(left),
		rightCols: attributeColumns(right),
		limit:     limit,
	}

	cols := withComputed(j.leftCols, computed...)
	taken := make(map[string]bool, len(cols)+len(j.rightCols))
	for _, c := range cols {
		taken[c.Name] = true
	}
	out := cols[:len(j.leftCols):len(j.leftCols)]
	for _, c := range j.rightCols {
		name := c.Name
		for taken[name] {
			name = "right_" + name
		}
		taken[name] = true
		out = append(out, geoscale.Column{Name: name, Type: c.Type})
	}
	out = append(out, computed...)
	j.table = &geoscale.Table{Columns: out}
	return j
}

// add appends the pairing of left record li with right record ri (-1 for
// none) and the computed cells.
func (j *joinResult) add(li, ri int, computed ...interface{}) {
	j.rows++
	if j.limit > 0 && len(j.table.Rows) >= j.limit {
		return
	}
	row := attributeRow(j.left.Records[li], j.leftCols)
	extra := make(map[string]interface{}, len(j.rightCols)+len(computed))
	for n, c := range j.rightCols {
		var v interface{}
		if ri >= 0 {
			v = cellValue(j.right.Records[ri].Properties[c.Name])
		}
		row = append(row, v)
		extra[j.table.Columns[len(j.leftCols)+n].Name] = v
	}
	off := len(j.leftCols) + len(j.rightCols)
	for n, v := range computed {
		row = append(row, v)
		extra[j.table.Columns[off+n].Name] = v
	}
	j.table.Rows = append(j.table.Rows, row)
	j.idx = append(j.idx, li)
	j.extras = append(j.extras, extra)
}

func (j *joinResult) payload(extra map[string]interface{}) *geoscale.Payload {
	scalars := map[string]interface{}{
		"rows":           float64(j.rows),
		"returned":       float64(len(j.table.Rows)),
		"matched_left":   float64(j.matchedLeft),
		"unmatched_left": float64(len(j.left.Records) - j.matchedLeft),
	}
	for k, v := range extra {
		scalars[k] = v
	}
	return &geoscale.Payload{
		Table:    j.table,
		Scalars:  scalars,
		Geometry: j.left.FeatureCollection(j.idx, func(pos int) map[string]interface{} { return j.extras[pos] }),
	}
}

// joinKey turns an attribute value into a comparable key. Null never matches.
func joinKey(v interface{}) (string, bool) {
	switch x := cellValue(v).(type) {
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case string:
		return "s:" + x, true
	}
	return "", false
}

// AttributeJoin pairs the records of two datasets with equal key attributes.
type AttributeJoin struct {
	base
	store *geo.Store
}

// NewAttributeJoin creates the attribute_join tool over store.
func NewAttributeJoin(store *geo.Store) *AttributeJoin {
	return &AttributeJoin{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "attribute_join",
			Description: "Join two datasets on equal attribute values: each record of left_dataset is paired with every record of right_dataset whose right_on value equals its left_on value. how=left keeps unmatched left records with empty right columns.",
			Args: []geoscale.ArgSpec{
				{Name: "left_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "right_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "left_on", Type: geoscale.ArgString, Required: true, Description: "key attribute of left_dataset"},
				{Name: "right_on", Type: geoscale.ArgString, Required: true, Description: "key attribute of right_dataset"},
				{Name: "how", Type: geoscale.ArgString, Enum: []string{joinInner, joinLeft}, Description: "default inner"},
				{Name: "limit", Type: geoscale.ArgInteger, Min: ptr(1), Description: "maximum number of rows returned"},
			},
			Returns:    "table of left then right attributes (clashing right names prefixed right_); left geometries",
			Idempotent: true,
			Category:   "join",
		}},
	}
}

func (t *AttributeJoin) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	leftID := stringArg(args, "left_dataset", "")
	rightID := stringArg(args, "right_dataset", "")
	leftOn := stringArg(args, "left_on", "")
	rightOn := stringArg(args, "right_on", "")
	how := stringArg(args, "how", joinInner)

	var payload *geoscale.Payload
	err := t.store.View([]string{leftID, rightID}, func(layers map[string]*geo.Layer) error {
		left, right := layers[leftID], layers[rightID]
		if !left.Descriptor.HasAttribute(leftOn) {
			return geoscale.NewToolArgumentError(t.Name(), fmt.Sprintf("dataset '%s' has no attribute '%s'", leftID, leftOn))
		}
		if !right.Descriptor.HasAttribute(rightOn) {
			return geoscale.NewToolArgumentError(t.Name(), fmt.Sprintf("dataset '%s' has no attribute '%s'", rightID, rightOn))
		}

		index := make(map[string][]int)
		for i, rec := range right.Records {
			if key, ok := joinKey(rec.Properties[rightOn]); ok {
				index[key] = append(index[key], i)
			}
		}

		j := newJoinResult(left, right, intArg(args, "limit", 0))
		for i, rec := range left.Records {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			var matches []int
			if key, ok := joinKey(rec.Properties[leftOn]); ok {
				matches = index[key]
			}
			if len(matches) > 0 {
				j.matchedLeft++
			}
			for _, ri := range matches {
				j.add(i, ri)
			}
			if len(matches) == 0 && how == joinLeft {
				j.add(i, -1)
			}
		}
		payload = j.payload(map[string]interface{}{"how": how})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SpatialJoin pairs the records of two datasets whose geometries satisfy a
// spatial predicate.
type SpatialJoin struct {
	base
	store *geo.Store
}

// NewSpatialJoin creates the spatial_join tool over store.
func NewSpatialJoin(store *geo.Store) *SpatialJoin {
	return &SpatialJoin{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "spatial_join",
			Description: "Join two datasets in the same reference system by geometry: each record of left_dataset is paired with every record of right_dataset for which 'left <predicate> right' holds. Predicates: intersects (default), within, contains. how=left keeps unmatched left records.",
			Args: []geoscale.ArgSpec{
				{Name: "left_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "right_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "predicate", Type: geoscale.ArgString, Enum: []string{"intersects", "within", "contains"}, Description: "default intersects"},
				{Name: "how", Type: geoscale.ArgString, Enum: []string{joinInner, joinLeft}, Description: "default inner"},
				{Name: "limit", Type: geoscale.ArgInteger, Min: ptr(1), Description: "maximum number of rows returned"},
			},
			Returns:    "table of left then right attributes with index_right; left geometries",
			Idempotent: true,
			Category:   "join",
		}},
	}
}

func (t *SpatialJoin) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	leftID := stringArg(args, "left_dataset", "")
	rightID := stringArg(args, "right_dataset", "")
	predicate := stringArg(args, "predicate", "intersects")
	how := stringArg(args, "how", joinInner)
	match := spatialPredicates[predicate]

	var payload *geoscale.Payload
	err := t.store.View([]string{leftID, rightID}, func(layers map[string]*geo.Layer) error {
		left, right := layers[leftID], layers[rightID]
		if err := sameCRS(t.Name(), left, right); err != nil {
			return err
		}

		bounds := make([]orb.Bound, len(right.Records))
		for i, rec := range right.Records {
			bounds[i] = rec.Geometry.Bound()
		}

		j := newJoinResult(left, right, intArg(args, "limit", 0),
			geoscale.Column{Name: "index_right", Type: geoscale.AttrNumber})
		for i, rec := range left.Records {
			if i%256 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			lb := rec.Geometry.Bound()
			matched := false
			for ri, rrec := range right.Records {
				if !lb.Intersects(bounds[ri]) || !match(rec.Geometry, rrec.Geometry) {
					continue
				}
				matched = true
				j.add(i, ri, float64(ri))
			}
			if matched {
				j.matchedLeft++
			} else if how == joinLeft {
				j.add(i, -1, nil)
			}
		}
		payload = j.payload(map[string]interface{}{"how": how, "predicate": predicate})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
