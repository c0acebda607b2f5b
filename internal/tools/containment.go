package tools

import (
	"context"
	"fmt"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// ContainmentAggregate assigns points to the polygons that contain them and
// aggregates per polygon.
type ContainmentAggregate struct {
	base
	store *geo.Store
}

// NewContainmentAggregate creates the containment_aggregate tool over store.
func NewContainmentAggregate(store *geo.Store) *ContainmentAggregate {
	return &ContainmentAggregate{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "containment_aggregate",
			Description: "Assign each record of point_dataset to the first polygon of boundary_dataset containing it and aggregate per polygon with count, sum or mean of attribute. Points outside every polygon are reported as unmatched.",
			Args: []geoscale.ArgSpec{
				{Name: "boundary_dataset", Type: geoscale.ArgString, Required: true, Description: "polygon dataset"},
				{Name: "point_dataset", Type: geoscale.ArgString, Required: true, Description: "dataset whose records are aggregated"},
				{Name: "aggregate_fn", Type: geoscale.ArgString, Required: true, Enum: []string{"count", "sum", "mean"}},
				{Name: "attribute", Type: geoscale.ArgString, Description: "numeric attribute of point_dataset (required for sum and mean)"},
				{Name: "boundary_id_attribute", Type: geoscale.ArgString, Description: "attribute naming each polygon (default name, then id)"},
			},
			Returns:    "table boundary_id, value, count; scalar unmatched; boundary geometries with value and count",
			Idempotent: true,
			Category:   "spatial",
		}},
	}
}

func (t *ContainmentAggregate) Validate(args map[string]interface{}) error {
	fn := stringArg(args, "aggregate_fn", "")
	if (fn == "sum" || fn == "mean") && !has(args, "attribute") {
		return fmt.Errorf("aggregate_fn '%s' requires 'attribute'", fn)
	}
	return nil
}

func (t *ContainmentAggregate) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	boundaryID := stringArg(args, "boundary_dataset", "")
	pointID := stringArg(args, "point_dataset", "")
	fn := stringArg(args, "aggregate_fn", "count")
	attr := stringArg(args, "attribute", "")
	idAttr := stringArg(args, "boundary_id_attribute", "")

	var payload *geoscale.Payload
	err := t.store.View([]string{boundaryID, pointID}, func(layers map[string]*geo.Layer) error {
		boundaries, points := layers[boundaryID], layers[pointID]
		if boundaries.Descriptor.Kind != geoscale.KindPolygon {
			return geoscale.NewToolExecutionError(t.Name(), fmt.Errorf("dataset '%s' holds %s geometries, not polygons", boundaryID, boundaries.Descriptor.Kind))
		}
		if err := sameCRS(t.Name(), boundaries, points); err != nil {
			return err
		}
		if attr != "" {
			typ, ok := points.Descriptor.Schema[attr]
			if !ok {
				return geoscale.NewToolArgumentError(t.Name(), fmt.Sprintf("dataset '%s' has no attribute '%s'", pointID, attr))
			}
			if fn != "count" && typ != geoscale.AttrNumber {
				return geoscale.NewToolArgumentError(t.Name(), fmt.Sprintf("attribute '%s' is %s, %s needs a number", attr, typ, fn))
			}
		}
		if idAttr != "" && !boundaries.Descriptor.HasAttribute(idAttr) {
			return geoscale.NewToolArgumentError(t.Name(), fmt.Sprintf("dataset '%s' has no attribute '%s'", boundaryID, idAttr))
		}

		n := len(boundaries.Records)
		counts := make([]int, n)
		sums := make([]float64, n)
		numeric := make([]int, n)
		unmatched := 0

		for i, rec := range points.Records {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			pt := geo.Representative(rec.Geometry)
			assigned := -1
			for b, poly := range boundaries.Records {
				if geo.Contains(poly.Geometry, pt) {
					assigned = b
					break
				}
			}
			if assigned < 0 {
				unmatched++
				continue
			}
			counts[assigned]++
			if attr != "" {
				if v, ok := rec.Number(attr); ok {
					sums[assigned] += v
					numeric[assigned]++
				}
			}
		}

		table := &geoscale.Table{Columns: []geoscale.Column{
			{Name: "boundary_id", Type: geoscale.AttrString},
			{Name: "value", Type: geoscale.AttrNumber},
			{Name: "count", Type: geoscale.AttrNumber},
		}}
		values := make([]interface{}, n)
		for b, rec := range boundaries.Records {
			switch fn {
			case "count":
				values[b] = float64(counts[b])
			case "sum":
				values[b] = sums[b]
			case "mean":
				if numeric[b] > 0 {
					values[b] = sums[b] / float64(numeric[b])
				}
			}
			table.Rows = append(table.Rows, []interface{}{boundaryLabel(rec, b, idAttr), values[b], float64(counts[b])})
		}

		payload = &geoscale.Payload{
			Table: table,
			Scalars: map[string]interface{}{
				"unmatched":    float64(unmatched),
				"assigned":     float64(len(points.Records) - unmatched),
				"total_points": float64(len(points.Records)),
				"aggregate_fn": fn,
			},
			Geometry: boundaries.FeatureCollection(nil, func(pos int) map[string]interface{} {
				return map[string]interface{}{"value": values[pos], "count": float64(counts[pos])}
			}),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func boundaryLabel(rec geo.Record, index int, idAttr string) string {
	if idAttr != "" {
		if v, ok := rec.Properties[idAttr]; ok && v != nil {
			return fmt.Sprint(cellValue(v))
		}
		return fmt.Sprintf("#%d", index)
	}
	return recordLabel(rec, index)
}
