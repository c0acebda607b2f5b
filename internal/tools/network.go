package tools

import (
	"context"
	"fmt"
	"math"
	"sync"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Graph is an undirected street graph with planar edge lengths in metres.
// Node ids index nodes.
type Graph struct {
	nodes []orb.Point // source coordinates
	g     *simple.WeightedUndirectedGraph
	proj  *geo.Projector
	index map[orb.Point]int64
}

// BuildGraph turns the line strings of a line-network layer into a graph.
// Line strings sharing an exact vertex are connected there. A segment repeated
// by several records is one edge.
func BuildGraph(layer *geo.Layer) (*Graph, error) {
	proj, err := geo.ProjectorFor(layer.CRS(), layer.Bound())
	if err != nil {
		return nil, err
	}
	g := &Graph{
		g:     simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		proj:  proj,
		index: make(map[orb.Point]int64),
	}

	addLine := func(ls orb.LineString) {
		for i := 1; i < len(ls); i++ {
			a, b := g.node(ls[i-1]), g.node(ls[i])
			if a == b {
				continue
			}
			if g.g.HasEdgeBetween(a, b) {
				continue
			}
			w := proj.Distance(ls[i-1], ls[i])
			g.g.SetWeightedEdge(g.g.NewWeightedEdge(simple.Node(a), simple.Node(b), w))
		}
	}
	for _, rec := range layer.Records {
		switch geom := rec.Geometry.(type) {
		case orb.LineString:
			addLine(geom)
		case orb.MultiLineString:
			for _, ls := range geom {
				addLine(ls)
			}
		}
	}
	return g, nil
}

func (g *Graph) node(p orb.Point) int64 {
	if id, ok := g.index[p]; ok {
		return id
	}
	id := int64(len(g.nodes))
	g.nodes = append(g.nodes, p)
	g.g.AddNode(simple.Node(id))
	g.index[p] = id
	return id
}

// Nodes returns the number of graph nodes.
func (g *Graph) Nodes() int {
	return len(g.nodes)
}

// Nearest returns the node closest to p and its distance in metres.
func (g *Graph) Nearest(p orb.Point) (int64, float64) {
	best, bestDist := int64(-1), math.Inf(1)
	for i, n := range g.nodes {
		if d := g.proj.Distance(p, n); d < bestDist {
			best, bestDist = int64(i), d
		}
	}
	return best, bestDist
}

// ShortestPath returns the distance along edges between two nodes and the
// node path. The distance is +Inf when to is unreachable from from.
func (g *Graph) ShortestPath(from, to int64) (float64, []int64) {
	if g.g.Node(from) == nil || g.g.Node(to) == nil {
		return math.Inf(1), nil
	}
	nodes, dist := path.DijkstraFrom(simple.Node(from), g.g).To(to)
	if math.IsInf(dist, 1) {
		return dist, nil
	}
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return dist, ids
}

// NetworkDistance measures the distance along a street network.
type NetworkDistance struct {
	base
	store *geo.Store

	mu     sync.Mutex
	graphs map[string]cachedGraph
}

type cachedGraph struct {
	version uint64
	graph   *Graph
}

// NewNetworkDistance creates the network_distance tool over store.
func NewNetworkDistance(store *geo.Store) *NetworkDistance {
	return &NetworkDistance{
		store:  store,
		graphs: make(map[string]cachedGraph),
		base: base{spec: geoscale.ToolSpec{
			Name:        "network_distance",
			Description: "Shortest distance in metres along the edges of a line-network dataset between origin and destination, each snapped to the nearest network node. Reports reachable=false when no path exists.",
			Args: []geoscale.ArgSpec{
				{Name: "network_dataset", Type: geoscale.ArgString, Required: true},
				{Name: "origin", Type: geoscale.ArgPoint, Required: true},
				{Name: "destination", Type: geoscale.ArgPoint, Required: true},
				{Name: "crs", Type: geoscale.ArgString, Description: "reference system of origin and destination (default EPSG:4326)"},
			},
			Returns:    "scalars distance_m (null when unreachable), reachable, snap distances; path geometry",
			Idempotent: true,
			Category:   "network",
		}},
	}
}

// graph returns the cached graph of layer, rebuilding it when the layer was replaced.
func (t *NetworkDistance) graph(layer *geo.Layer) (*Graph, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.graphs[layer.ID()]; ok && c.version == layer.Version {
		return c.graph, nil
	}
	g, err := BuildGraph(layer)
	if err != nil {
		return nil, err
	}
	t.graphs[layer.ID()] = cachedGraph{version: layer.Version, graph: g}
	return g, nil
}

func (t *NetworkDistance) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	id := stringArg(args, "network_dataset", "")
	origin, _ := pointArg(args, "origin")
	destination, _ := pointArg(args, "destination")

	var payload *geoscale.Payload
	err := t.store.View([]string{id}, func(layers map[string]*geo.Layer) error {
		layer := layers[id]
		if layer.Descriptor.Kind != geoscale.KindLineNetwork {
			return geoscale.NewToolExecutionError(t.Name(), fmt.Errorf("dataset '%s' holds %s geometries, not a line network", id, layer.Descriptor.Kind))
		}
		if err := pointCRS(t.Name(), stringArg(args, "crs", geo.DefaultCRS), layer); err != nil {
			return err
		}
		g, err := t.graph(layer)
		if err != nil {
			return geoscale.NewToolExecutionError(t.Name(), err)
		}
		if g.Nodes() == 0 {
			return geoscale.NewToolExecutionError(t.Name(), fmt.Errorf("dataset '%s' has no edges", id))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		from, snapFrom := g.Nearest(origin)
		to, snapTo := g.Nearest(destination)
		dist, route := g.ShortestPath(from, to)

		scalars := map[string]interface{}{
			"reachable":          !math.IsInf(dist, 1),
			"origin_snap_m":      snapFrom,
			"destination_snap_m": snapTo,
			"distance_m":         nil,
		}
		fc := geojson.NewFeatureCollection()
		if !math.IsInf(dist, 1) {
			scalars["distance_m"] = dist
			line := make(orb.LineString, len(route))
			for i, n := range route {
				line[i] = g.nodes[n]
			}
			if len(line) == 1 {
				line = append(line, line[0])
			}
			f := geojson.NewFeature(line)
			f.Properties["distance_m"] = dist
			fc.Append(f)
		}
		payload = &geoscale.Payload{Scalars: scalars, Geometry: fc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
