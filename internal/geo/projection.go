package geo

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// earthRadius is the mean Earth radius in metres (IUGG).
const earthRadius = 6371008.8

// DefaultCRS is the GeoJSON default reference system.
const DefaultCRS = "EPSG:4326"

var epsgPattern = regexp.MustCompile(`(?i)EPSG:{1,2}(\d+)$`)

// geographic lists lon/lat reference systems measured in degrees.
var geographic = map[string]bool{
	"EPSG:4326": true,
	"EPSG:4258": true,
	"EPSG:4269": true,
	"EPSG:4171": true,
}

// NormalizeCRS maps the usual spellings of a reference system to "EPSG:<code>".
// An empty CRS is the GeoJSON default.
func NormalizeCRS(crs string) string {
	crs = strings.TrimSpace(crs)
	if crs == "" {
		return DefaultCRS
	}
	upper := strings.ToUpper(crs)
	if strings.HasSuffix(upper, "CRS84") || upper == "WGS84" {
		return DefaultCRS
	}
	if m := epsgPattern.FindStringSubmatch(crs); m != nil {
		return "EPSG:" + m[1]
	}
	return crs
}

// IsGeographic reports whether crs is measured in degrees.
func IsGeographic(crs string) bool {
	return geographic[NormalizeCRS(crs)]
}

// SameCRS reports whether two identifiers denote the same reference system.
func SameCRS(a, b string) bool {
	return NormalizeCRS(a) == NormalizeCRS(b)
}

// Projector maps coordinates of one reference system to local planar metres.
// Geographic systems use an equirectangular projection scaled at a reference
// latitude; Web Mercator is rescaled by the cosine of that latitude; other
// projected systems are assumed to be in metres already.
type Projector struct {
	crs        string
	geographic bool
	mercator   bool
	refLat     float64
	scale      float64
}

// NewProjector creates a projector for crs. refLat is the reference latitude in
// degrees for geographic and Web Mercator inputs.
func NewProjector(crs string, refLat float64) (*Projector, error) {
	norm := NormalizeCRS(crs)
	if !strings.HasPrefix(norm, "EPSG:") {
		return nil, fmt.Errorf("unsupported coordinate reference system %q", crs)
	}
	if refLat < -89 || refLat > 89 {
		return nil, fmt.Errorf("reference latitude %.4f is outside the supported range", refLat)
	}
	p := &Projector{
		crs:        norm,
		geographic: geographic[norm],
		mercator:   norm == "EPSG:3857" || norm == "EPSG:900913",
		refLat:     refLat,
		scale:      math.Cos(refLat * math.Pi / 180),
	}
	return p, nil
}

// ProjectorFor creates a projector for a layer using the centre of bound as the
// reference latitude.
func ProjectorFor(crs string, bound orb.Bound) (*Projector, error) {
	refLat := 0.0
	switch {
	case IsGeographic(crs):
		refLat = bound.Center().Lat()
	case NormalizeCRS(crs) == "EPSG:3857":
		refLat = mercatorToLat(bound.Center().Y())
	}
	return NewProjector(crs, refLat)
}

// CRS returns the normalized reference system.
func (p *Projector) CRS() string {
	return p.crs
}

// Point projects a point into planar metres.
func (p *Projector) Point(pt orb.Point) orb.Point {
	switch {
	case p.geographic:
		return orb.Point{
			earthRadius * pt.Lon() * math.Pi / 180 * p.scale,
			earthRadius * pt.Lat() * math.Pi / 180,
		}
	case p.mercator:
		return orb.Point{pt.X() * p.scale, pt.Y() * p.scale}
	default:
		return pt
	}
}

// Unproject maps planar metres back into the source reference system.
func (p *Projector) Unproject(pt orb.Point) orb.Point {
	switch {
	case p.geographic:
		return orb.Point{
			pt.X() / (earthRadius * p.scale) * 180 / math.Pi,
			pt.Y() / earthRadius * 180 / math.Pi,
		}
	case p.mercator:
		return orb.Point{pt.X() / p.scale, pt.Y() / p.scale}
	default:
		return pt
	}
}

// Geometry projects a whole geometry. The input is not modified.
func (p *Projector) Geometry(g orb.Geometry) orb.Geometry {
	if !p.geographic && !p.mercator {
		return g
	}
	return project.Geometry(orb.Clone(g), p.Point)
}

// Distance returns the planar distance in metres between two source points.
func (p *Projector) Distance(a, b orb.Point) float64 {
	return planar.Distance(p.Point(a), p.Point(b))
}

// DistanceToGeometry returns the planar distance in metres from pt to the
// nearest part of g; zero if pt lies inside a polygon.
func (p *Projector) DistanceToGeometry(pt orb.Point, g orb.Geometry) float64 {
	if point, ok := g.(orb.Point); ok {
		return p.Distance(pt, point)
	}
	if Contains(g, pt) {
		return 0
	}
	return planar.DistanceFrom(p.Geometry(g), p.Point(pt))
}

func mercatorToLat(y float64) float64 {
	const r = 6378137.0
	return math.Atan(math.Sinh(y/r)) * 180 / math.Pi
}

// Contains reports whether polygon g contains pt. Points on an edge count as
// contained.
func Contains(g orb.Geometry, pt orb.Point) bool {
	switch poly := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(poly, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(poly, pt)
	}
	return false
}

// Representative returns a point standing for g: the point itself, or the
// centroid of the geometry.
func Representative(g orb.Geometry) orb.Point {
	if pt, ok := g.(orb.Point); ok {
		return pt
	}
	c, _ := planar.CentroidArea(g)
	return c
}
