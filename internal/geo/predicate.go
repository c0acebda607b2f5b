package geo

import (
	"github.com/paulmach/orb"
)

// Spatial predicates over planar coordinates. Boundaries count as part of a
// geometry, so touching geometries intersect and a point on a polygon edge is
// within it.

// Intersects reports whether a and b share at least one point.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil || !a.Bound().Intersects(b.Bound()) {
		return false
	}
	if polygonal(b) {
		for _, p := range vertices(a) {
			if Contains(b, p) {
				return true
			}
		}
	}
	if polygonal(a) {
		for _, p := range vertices(b) {
			if Contains(a, p) {
				return true
			}
		}
	}
	bs := segments(b)
	for _, s := range segments(a) {
		for _, t := range bs {
			if segmentsIntersect(s[0], s[1], t[0], t[1]) {
				return true
			}
		}
	}
	return false
}

// Within reports whether a lies inside b. For a polygonal b every vertex of
// a must be inside b and no edge of a may cross b's rings. For a point or
// line b only points can be within it, by lying on it.
func Within(a, b orb.Geometry) bool {
	if a == nil || b == nil || !b.Bound().Contains(a.Bound().Min) || !b.Bound().Contains(a.Bound().Max) {
		return false
	}
	if !polygonal(b) {
		if !puntal(a) {
			return false
		}
		bs := segments(b)
		for _, p := range vertices(a) {
			on := false
			for _, t := range bs {
				if segmentsIntersect(p, p, t[0], t[1]) {
					on = true
					break
				}
			}
			if !on {
				return false
			}
		}
		return true
	}

	for _, p := range vertices(a) {
		if !Contains(b, p) {
			return false
		}
	}
	rings := segments(b)
	for _, s := range segments(a) {
		for _, t := range rings {
			if segmentsCross(s[0], s[1], t[0], t[1]) {
				return false
			}
		}
	}
	return true
}

func polygonal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}

func puntal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return true
	}
	return false
}

func vertices(g orb.Geometry) []orb.Point {
	switch geom := g.(type) {
	case orb.Point:
		return []orb.Point{geom}
	case orb.MultiPoint:
		return geom
	case orb.LineString:
		return geom
	case orb.MultiLineString:
		var out []orb.Point
		for _, ls := range geom {
			out = append(out, ls...)
		}
		return out
	case orb.Ring:
		return geom
	case orb.Polygon:
		var out []orb.Point
		for _, r := range geom {
			out = append(out, r...)
		}
		return out
	case orb.MultiPolygon:
		var out []orb.Point
		for _, p := range geom {
			out = append(out, vertices(p)...)
		}
		return out
	case orb.Collection:
		var out []orb.Point
		for _, c := range geom {
			out = append(out, vertices(c)...)
		}
		return out
	}
	return nil
}

// segments lists the edges of g. A point is a zero-length segment.
func segments(g orb.Geometry) [][2]orb.Point {
	var out [][2]orb.Point
	path := func(pts []orb.Point) {
		for i := 1; i < len(pts); i++ {
			out = append(out, [2]orb.Point{pts[i-1], pts[i]})
		}
	}
	switch geom := g.(type) {
	case orb.Point:
		out = append(out, [2]orb.Point{geom, geom})
	case orb.MultiPoint:
		for _, p := range geom {
			out = append(out, [2]orb.Point{p, p})
		}
	case orb.LineString:
		path(geom)
	case orb.MultiLineString:
		for _, ls := range geom {
			path(ls)
		}
	case orb.Ring:
		path(geom)
	case orb.Polygon:
		for _, r := range geom {
			path(r)
		}
	case orb.MultiPolygon:
		for _, p := range geom {
			for _, r := range p {
				path(r)
			}
		}
	case orb.Collection:
		for _, c := range geom {
			out = append(out, segments(c)...)
		}
	}
	return out
}

func orientation(p, q, r orb.Point) int {
	v := (q[1]-p[1])*(r[0]-q[0]) - (q[0]-p[0])*(r[1]-q[1])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether q, collinear with p and r, lies between them.
func onSegment(p, q, r orb.Point) bool {
	return q[0] <= max(p[0], r[0]) && q[0] >= min(p[0], r[0]) &&
		q[1] <= max(p[1], r[1]) && q[1] >= min(p[1], r[1])
}

// segmentsIntersect reports whether segments p1q1 and p2q2 share a point.
func segmentsIntersect(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)

	if o1 != o2 && o3 != o4 {
		return true
	}
	return (o1 == 0 && onSegment(p1, p2, q1)) ||
		(o2 == 0 && onSegment(p1, q2, q1)) ||
		(o3 == 0 && onSegment(p2, p1, q2)) ||
		(o4 == 0 && onSegment(p2, q1, q2))
}

// segmentsCross reports whether p1q1 and p2q2 cross at a single interior
// point of both.
func segmentsCross(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)
	return o1*o2 < 0 && o3*o4 < 0
}
