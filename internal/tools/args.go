package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/paulmach/orb"
)

// ValidateArgs checks args against the declared argument schema: unknown
// names, missing required arguments, types, enums and lower bounds.
func ValidateArgs(spec geoscale.ToolSpec, args map[string]interface{}) error {
	declared := make(map[string]geoscale.ArgSpec, len(spec.Args))
	for _, a := range spec.Args {
		declared[a.Name] = a
	}

	var unknown []string
	for name := range args {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return geoscale.NewToolArgumentError(spec.Name, fmt.Sprintf("unknown argument(s): %s", strings.Join(unknown, ", ")))
	}

	for _, a := range spec.Args {
		v, ok := args[a.Name]
		if !ok || v == nil {
			if a.Required {
				return geoscale.NewToolArgumentError(spec.Name, fmt.Sprintf("missing required argument '%s'", a.Name))
			}
			continue
		}
		if err := checkArg(a, v); err != nil {
			return geoscale.NewToolArgumentError(spec.Name, fmt.Sprintf("argument '%s': %v", a.Name, err))
		}
	}
	return nil
}

func checkArg(a geoscale.ArgSpec, v interface{}) error {
	switch a.Type {
	case geoscale.ArgString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("must not be empty")
		}
		if len(a.Enum) > 0 && !contains(a.Enum, s) {
			return fmt.Errorf("must be one of [%s], got %q", strings.Join(a.Enum, ", "), s)
		}
	case geoscale.ArgNumber, geoscale.ArgInteger:
		f, ok := toNumber(v)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("must be finite")
		}
		if a.Type == geoscale.ArgInteger {
			if f != math.Trunc(f) {
				return fmt.Errorf("expected integer, got %v", f)
			}
			if math.Abs(f) > maxExactInteger {
				return fmt.Errorf("integer %v is out of range", f)
			}
		}
		if a.Min != nil {
			if a.ExclusiveMin && f <= *a.Min {
				return fmt.Errorf("must be > %v, got %v", *a.Min, f)
			}
			if !a.ExclusiveMin && f < *a.Min {
				return fmt.Errorf("must be >= %v, got %v", *a.Min, f)
			}
		}
	case geoscale.ArgBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case geoscale.ArgPoint:
		if _, err := toPoint(v); err != nil {
			return err
		}
	case geoscale.ArgStringMap:
		m, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for k, mv := range m {
			switch mv.(type) {
			case string, bool, float64, int, int64, json.Number:
			default:
				return fmt.Errorf("value of '%s' must be a scalar, got %T", k, mv)
			}
		}
	default:
		return fmt.Errorf("unsupported argument type %q", a.Type)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toPoint accepts [x, y] or {"x":..,"y":..} / {"lon":..,"lat":..}.
func toPoint(v interface{}) (orb.Point, error) {
	switch p := v.(type) {
	case orb.Point:
		return p, nil
	case []interface{}:
		if len(p) != 2 {
			return orb.Point{}, fmt.Errorf("point needs exactly 2 coordinates, got %d", len(p))
		}
		x, okX := toNumber(p[0])
		y, okY := toNumber(p[1])
		if !okX || !okY {
			return orb.Point{}, fmt.Errorf("point coordinates must be numbers")
		}
		return orb.Point{x, y}, nil
	case []float64:
		if len(p) != 2 {
			return orb.Point{}, fmt.Errorf("point needs exactly 2 coordinates, got %d", len(p))
		}
		return orb.Point{p[0], p[1]}, nil
	case map[string]interface{}:
		for _, keys := range [][2]string{{"x", "y"}, {"lon", "lat"}, {"lng", "lat"}} {
			xv, okX := p[keys[0]]
			yv, okY := p[keys[1]]
			if !okX || !okY {
				continue
			}
			x, okX := toNumber(xv)
			y, okY := toNumber(yv)
			if okX && okY {
				return orb.Point{x, y}, nil
			}
		}
		return orb.Point{}, fmt.Errorf("point object needs numeric x/y or lon/lat")
	}
	return orb.Point{}, fmt.Errorf("expected point, got %T", v)
}

// Accessors assume ValidateArgs has run.

func stringArg(args map[string]interface{}, name, def string) string {
	if s, ok := args[name].(string); ok && s != "" {
		return s
	}
	return def
}

func numberArg(args map[string]interface{}, name string, def float64) float64 {
	if f, ok := toNumber(args[name]); ok {
		return f
	}
	return def
}

// maxExactInteger is the largest integer a float64 holds exactly.
const maxExactInteger = 1 << 53

// intArg reads an integer argument, saturating at the int range.
func intArg(args map[string]interface{}, name string, def int) int {
	f, ok := toNumber(args[name])
	if !ok || math.IsNaN(f) {
		return def
	}
	switch {
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	}
	return int(f)
}

func pointArg(args map[string]interface{}, name string) (orb.Point, bool) {
	v, ok := args[name]
	if !ok || v == nil {
		return orb.Point{}, false
	}
	p, err := toPoint(v)
	return p, err == nil
}

func mapArg(args map[string]interface{}, name string) map[string]interface{} {
	m, _ := args[name].(map[string]interface{})
	return m
}

func has(args map[string]interface{}, name string) bool {
	v, ok := args[name]
	return ok && v != nil
}

func ptr(f float64) *float64 {
	return &f
}
