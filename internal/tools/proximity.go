package tools

import (
	"context"
	"fmt"
	"sort"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/paulmach/orb"
)

// ProximitySearch finds target records within a radius of a point or of the
// records of a centre dataset.
type ProximitySearch struct {
	base
	store *geo.Store
}

// NewProximitySearch creates the proximity_search tool over store.
func NewProximitySearch(store *geo.Store) *ProximitySearch {
	return &ProximitySearch{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "proximity_search",
			Description: "Find records of target_dataset within radius_m metres of a point (center) or of the records of center_dataset, optionally filtered by center_filter. Sorted by ascending distance.",
			Args: []geoscale.ArgSpec{
				{Name: "target_dataset", Type: geoscale.ArgString, Required: true, Description: "dataset searched"},
				{Name: "radius_m", Type: geoscale.ArgNumber, Required: true, Min: ptr(0), ExclusiveMin: true, Description: "search radius in metres"},
				{Name: "center", Type: geoscale.ArgPoint, Description: "centre point [x, y] in crs"},
				{Name: "crs", Type: geoscale.ArgString, Description: "reference system of center (default EPSG:4326)"},
				{Name: "center_dataset", Type: geoscale.ArgString, Description: "dataset whose records are the centres"},
				{Name: "center_filter", Type: geoscale.ArgStringMap, Description: "attribute equality filter on center_dataset"},
				{Name: "limit", Type: geoscale.ArgInteger, Min: ptr(1), Description: "maximum number of records returned"},
			},
			Returns:    "table of target attributes with distance_m (and nearest_center), plus the matching geometries",
			Idempotent: true,
			Category:   "spatial",
		}},
	}
}

func (t *ProximitySearch) Validate(args map[string]interface{}) error {
	if has(args, "center") == has(args, "center_dataset") {
		return fmt.Errorf("exactly one of 'center' or 'center_dataset' is required")
	}
	if has(args, "center_filter") && !has(args, "center_dataset") {
		return fmt.Errorf("'center_filter' requires 'center_dataset'")
	}
	if has(args, "crs") && !has(args, "center") {
		return fmt.Errorf("'crs' applies to 'center' only")
	}
	return nil
}

type proximityHit struct {
	index    int
	distance float64
	center   int
}

func (t *ProximitySearch) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	targetID := stringArg(args, "target_dataset", "")
	centerID := stringArg(args, "center_dataset", "")
	radius := numberArg(args, "radius_m", 0)
	limit := intArg(args, "limit", 0)

	ids := []string{targetID}
	if centerID != "" {
		ids = append(ids, centerID)
	}

	var payload *geoscale.Payload
	err := t.store.View(ids, func(layers map[string]*geo.Layer) error {
		target := layers[targetID]

		var centers []orb.Point
		var labels []string
		if centerID != "" {
			source := layers[centerID]
			if err := sameCRS(t.Name(), source, target); err != nil {
				return err
			}
			for _, i := range source.Filter(mapArg(args, "center_filter")) {
				centers = append(centers, geo.Representative(source.Records[i].Geometry))
				labels = append(labels, recordLabel(source.Records[i], i))
			}
			if len(centers) == 0 {
				return geoscale.NewToolExecutionError(t.Name(), fmt.Errorf("no record of '%s' matches the centre filter", centerID))
			}
		} else {
			if err := pointCRS(t.Name(), stringArg(args, "crs", geo.DefaultCRS), target); err != nil {
				return err
			}
			pt, _ := pointArg(args, "center")
			centers = []orb.Point{pt}
		}

		bound := target.Bound()
		for _, c := range centers {
			bound = bound.Extend(c)
		}
		proj, err := geo.ProjectorFor(target.CRS(), bound)
		if err != nil {
			return geoscale.NewToolExecutionError(t.Name(), err)
		}

		var hits []proximityHit
		for i, rec := range target.Records {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			best := proximityHit{index: i, distance: -1}
			for ci, c := range centers {
				d := proj.DistanceToGeometry(c, rec.Geometry)
				if best.distance < 0 || d < best.distance {
					best.distance, best.center = d, ci
				}
			}
			if best.distance >= 0 && best.distance <= radius {
				hits = append(hits, best)
			}
		}

		// Ties keep original record order.
		sort.SliceStable(hits, func(a, b int) bool { return hits[a].distance < hits[b].distance })
		total := len(hits)
		if limit > 0 && len(hits) > limit {
			hits = hits[:limit]
		}

		cols := attributeColumns(target)
		computed := []geoscale.Column{{Name: "distance_m", Type: geoscale.AttrNumber}}
		if centerID != "" {
			computed = append(computed, geoscale.Column{Name: "nearest_center", Type: geoscale.AttrString})
		}
		table := &geoscale.Table{Columns: withComputed(cols, computed...)}
		idx := make([]int, len(hits))
		for n, h := range hits {
			idx[n] = h.index
			row := append(attributeRow(target.Records[h.index], cols), h.distance)
			if centerID != "" {
				row = append(row, labels[h.center])
			}
			table.Rows = append(table.Rows, row)
		}

		payload = &geoscale.Payload{
			Table: table,
			Scalars: map[string]interface{}{
				"count":    float64(len(hits)),
				"matched":  float64(total),
				"radius_m": radius,
				"dataset":  targetID,
			},
			Geometry: target.FeatureCollection(idx, func(pos int) map[string]interface{} {
				return map[string]interface{}{"distance_m": hits[pos].distance}
			}),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
