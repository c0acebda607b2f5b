package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Knetic/govaluate"
	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// metricFunctions are the only functions a metric expression may call.
var (
	metricFunctionsMu sync.RWMutex
	metricFunctions   = map[string]govaluate.ExpressionFunction{
		"abs":   unary(math.Abs),
		"sqrt":  unary(math.Sqrt),
		"log":   unary(math.Log),
		"round": unary(math.Round),
		"min":   binary(math.Min),
		"max":   binary(math.Max),
	}
)

// RegisterMetricFunction makes fn callable from metric expressions.
func RegisterMetricFunction(name string, fn govaluate.ExpressionFunction) {
	metricFunctionsMu.Lock()
	defer metricFunctionsMu.Unlock()
	metricFunctions[name] = fn
}

func whitelistedFunctions() map[string]govaluate.ExpressionFunction {
	metricFunctionsMu.RLock()
	defer metricFunctionsMu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(metricFunctions))
	for k, v := range metricFunctions {
		out[k] = v
	}
	return out
}

func unary(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", args[0])
		}
		return f(x), nil
	}
}

func binary(f func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		x, okX := args[0].(float64)
		y, okY := args[1].(float64)
		if !okX || !okY {
			return nil, fmt.Errorf("expected numbers")
		}
		return f(x, y), nil
	}
}

// ParseMetric compiles a metric expression and checks that every attribute it
// references exists in desc's schema.
func ParseMetric(expr string, desc geoscale.DatasetDescriptor) (*govaluate.EvaluableExpression, error) {
	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(expr, whitelistedFunctions())
	if err != nil {
		return nil, geoscale.NewToolArgumentError("rank_by_metric", fmt.Sprintf("invalid metric expression %q: %v", expr, err))
	}
	for _, v := range compiled.Vars() {
		if !desc.HasAttribute(v) {
			return nil, geoscale.NewInvalidMetricError(expr, v, desc.ID)
		}
	}
	return compiled, nil
}

// RankByMetric orders records by a computed metric such as price / area_m2.
type RankByMetric struct {
	base
	store *geo.Store
}

// NewRankByMetric creates the rank_by_metric tool over store.
func NewRankByMetric(store *geo.Store) *RankByMetric {
	return &RankByMetric{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "rank_by_metric",
			Description: "Rank records of dataset by metric_expr, an arithmetic expression over attribute names (e.g. \"price / area_m2\"; functions abs, sqrt, log, round, min, max). Records missing a referenced attribute are skipped.",
			Args: []geoscale.ArgSpec{
				{Name: "dataset", Type: geoscale.ArgString, Required: true},
				{Name: "metric_expr", Type: geoscale.ArgString, Required: true},
				{Name: "order", Type: geoscale.ArgString, Enum: []string{"asc", "desc"}, Description: "default asc"},
				{Name: "top_n", Type: geoscale.ArgInteger, Min: ptr(1), Description: "default 10"},
				{Name: "filter", Type: geoscale.ArgStringMap, Description: "attribute equality filter applied first"},
			},
			Returns:    "table of record attributes with a metric column, plus geometries",
			Idempotent: true,
			Category:   "analysis",
		}},
	}
}

type rankedRecord struct {
	index  int
	metric float64
}

func (t *RankByMetric) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	id := stringArg(args, "dataset", "")
	expr := stringArg(args, "metric_expr", "")
	desc := stringArg(args, "order", "asc") == "desc"
	topN := intArg(args, "top_n", 10)

	var payload *geoscale.Payload
	err := t.store.View([]string{id}, func(layers map[string]*geo.Layer) error {
		layer := layers[id]
		compiled, err := ParseMetric(expr, layer.Descriptor)
		if err != nil {
			return err
		}
		vars := compiled.Vars()

		var ranked []rankedRecord
		skipped := 0
		for _, i := range layer.Filter(mapArg(args, "filter")) {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			params, ok := metricParams(layer.Records[i], vars)
			if !ok {
				skipped++
				continue
			}
			out, err := compiled.Evaluate(params)
			if err != nil {
				skipped++
				continue
			}
			m, ok := out.(float64)
			if !ok || math.IsNaN(m) || math.IsInf(m, 0) {
				skipped++
				continue
			}
			ranked = append(ranked, rankedRecord{index: i, metric: m})
		}

		sort.SliceStable(ranked, func(a, b int) bool {
			if desc {
				return ranked[a].metric > ranked[b].metric
			}
			return ranked[a].metric < ranked[b].metric
		})
		if len(ranked) > topN {
			ranked = ranked[:topN]
		}

		cols := attributeColumns(layer)
		table := &geoscale.Table{Columns: withComputed(cols, geoscale.Column{Name: "metric", Type: geoscale.AttrNumber})}
		idx := make([]int, len(ranked))
		for n, r := range ranked {
			idx[n] = r.index
			table.Rows = append(table.Rows, append(attributeRow(layer.Records[r.index], cols), r.metric))
		}

		payload = &geoscale.Payload{
			Table: table,
			Scalars: map[string]interface{}{
				"metric_expr": expr,
				"returned":    float64(len(ranked)),
				"skipped":     float64(skipped),
			},
			Geometry: layer.FeatureCollection(idx, func(pos int) map[string]interface{} {
				return map[string]interface{}{"metric": ranked[pos].metric, "rank": float64(pos + 1)}
			}),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// metricParams collects the referenced attributes of rec; false when any is missing.
func metricParams(rec geo.Record, vars []string) (map[string]interface{}, bool) {
	params := make(map[string]interface{}, len(vars))
	for _, v := range vars {
		if n, ok := rec.Number(v); ok {
			params[v] = n
			continue
		}
		val, ok := rec.Properties[v]
		if !ok || val == nil {
			return nil, false
		}
		params[v] = val
	}
	return params, true
}
