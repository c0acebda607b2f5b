package tools

import (
	"context"
	"sort"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// NearestNeighbor pairs each source record with its k nearest target records.
type NearestNeighbor struct {
	base
	store *geo.Store
}

// NewNearestNeighbor creates the nearest_neighbor tool over store.
func NewNearestNeighbor(store *geo.Store) *NearestNeighbor {
	return &NearestNeighbor{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "nearest_neighbor",
			Description: "For each record of source_dataset, find the k nearest records of target_dataset (planar metres). Optionally filter the source records.",
			Args: []geoscale.ArgSpec{
				{Name: "source_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "target_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "k", Type: geoscale.ArgInteger, Min: ptr(1), Description: "default 1"},
				{Name: "source_filter", Type: geoscale.ArgStringMap},
			},
			Returns:    "table source, source_index, target, target_index, distance_m",
			Idempotent: true,
			Category:   "spatial",
		}},
	}
}

type neighbor struct {
	index    int
	distance float64
}

func (t *NearestNeighbor) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	sourceID := stringArg(args, "source_dataset", "")
	targetID := stringArg(args, "target_dataset", "")
	k := intArg(args, "k", 1)

	var payload *geoscale.Payload
	err := t.store.View([]string{sourceID, targetID}, func(layers map[string]*geo.Layer) error {
		source, target := layers[sourceID], layers[targetID]
		if err := sameCRS(t.Name(), source, target); err != nil {
			return err
		}
		proj, err := geo.ProjectorFor(target.CRS(), target.Bound().Union(source.Bound()))
		if err != nil {
			return geoscale.NewToolExecutionError(t.Name(), err)
		}

		table := &geoscale.Table{Columns: []geoscale.Column{
			{Name: "source", Type: geoscale.AttrString},
			{Name: "source_index", Type: geoscale.AttrNumber},
			{Name: "target", Type: geoscale.AttrString},
			{Name: "target_index", Type: geoscale.AttrNumber},
			{Name: "distance_m", Type: geoscale.AttrNumber},
		}}

		for _, si := range source.Filter(mapArg(args, "source_filter")) {
			if err := ctx.Err(); err != nil {
				return err
			}
			pt := geo.Representative(source.Records[si].Geometry)
			neighbors := make([]neighbor, len(target.Records))
			for ti, rec := range target.Records {
				neighbors[ti] = neighbor{index: ti, distance: proj.DistanceToGeometry(pt, rec.Geometry)}
			}
			sort.SliceStable(neighbors, func(a, b int) bool { return neighbors[a].distance < neighbors[b].distance })
			if len(neighbors) > k {
				neighbors = neighbors[:k]
			}
			for _, n := range neighbors {
				table.Rows = append(table.Rows, []interface{}{
					recordLabel(source.Records[si], si), float64(si),
					recordLabel(target.Records[n.index], n.index), float64(n.index),
					n.distance,
				})
			}
		}

		payload = &geoscale.Payload{
			Table:   table,
			Scalars: map[string]interface{}{"pairs": float64(len(table.Rows)), "k": float64(k)},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
