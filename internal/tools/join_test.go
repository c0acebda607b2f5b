package tools

import (
	"context"
	"reflect"
	"testing"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
	"github.com/paulmach/orb"
)

// Of the five flats, A, B and E lie in West, C in East and D between the two.
func TestSpatialJoin_Within(t *testing.T) {
	tool := NewSpatialJoin(lisbonStore(t))
	payload, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "housing",
		"right_dataset": "parishes",
		"predicate":     "within",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []interface{}{"Flat A", "Flat B", "Flat C", "Flat E"}
	if got := column(t, payload.Table, "name"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := column(t, payload.Table, "right_name"); !reflect.DeepEqual(got, []interface{}{"West", "West", "East", "West"}) {
		t.Errorf("unexpected parishes %v", got)
	}
	if got := column(t, payload.Table, "index_right"); !reflect.DeepEqual(got, []interface{}{0.0, 0.0, 1.0, 0.0}) {
		t.Errorf("unexpected index_right %v", got)
	}
	if payload.Scalars["matched_left"] != 4.0 || payload.Scalars["unmatched_left"] != 1.0 {
		t.Errorf("unexpected scalars %v", payload.Scalars)
	}
	if n := len(payload.Geometry.Features); n != 4 {
		t.Fatalf("expected 4 features, got %d", n)
	}
	if p := payload.Geometry.Features[2].Properties; p["name"] != "Flat C" || p["right_name"] != "East" {
		t.Errorf("feature should carry both sides, got %v", p)
	}
}

func TestSpatialJoin_LeftKeepsUnmatched(t *testing.T) {
	tool := NewSpatialJoin(lisbonStore(t))
	payload, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "housing",
		"right_dataset": "parishes",
		"how":           "left",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(payload.Table.Rows) != 5 {
		t.Fatalf("expected every flat once, got %d rows", len(payload.Table.Rows))
	}
	parishes := column(t, payload.Table, "right_name")
	if parishes[3] != nil || column(t, payload.Table, "index_right")[3] != nil {
		t.Errorf("Flat D should have empty right columns, got %v", payload.Table.Rows[3])
	}
}

func TestSpatialJoin_Contains(t *testing.T) {
	tool := NewSpatialJoin(lisbonStore(t))
	payload, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "parishes",
		"right_dataset": "housing",
		"predicate":     "contains",
		"limit":         3.0,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := column(t, payload.Table, "name"); !reflect.DeepEqual(got, []interface{}{"West", "West", "West"}) {
		t.Errorf("expected West's flats first, got %v", got)
	}
	if got := column(t, payload.Table, "right_name"); !reflect.DeepEqual(got, []interface{}{"Flat A", "Flat B", "Flat E"}) {
		t.Errorf("unexpected flats %v", got)
	}
	if payload.Scalars["rows"] != 4.0 || payload.Scalars["returned"] != 3.0 {
		t.Errorf("limit should truncate 4 rows to 3, got %v", payload.Scalars)
	}
}

func TestSpatialJoin_CRSMismatch(t *testing.T) {
	store := newTestStore(t,
		pointLayer("housing", "EPSG:4326", housingSchema, housingRecords()),
		streetLayer(),
	)
	_, err := NewSpatialJoin(store).Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "housing",
		"right_dataset": "streets",
	})
	if !geoscale.IsCode(err, geoscale.ErrCodeCoordinateMismatch) {
		t.Errorf("expected COORDINATE_MISMATCH, got %v", err)
	}
}

func joinStore(t *testing.T) *geo.Store {
	listings := pointLayer("listings", "EPSG:4326",
		map[string]geoscale.AttributeType{"name": geoscale.AttrString, "parish": geoscale.AttrString},
		[]testRecord{
			{orb.Point{-9.14, 38.72}, map[string]interface{}{"name": "L1", "parish": "West"}},
			{orb.Point{-9.13, 38.72}, map[string]interface{}{"name": "L2", "parish": "East"}},
			{orb.Point{-9.12, 38.72}, map[string]interface{}{"name": "L3", "parish": "North"}},
			{orb.Point{-9.11, 38.72}, map[string]interface{}{"name": "L4", "parish": nil}},
		})
	stats := pointLayer("parish_stats", "EPSG:4326",
		map[string]geoscale.AttributeType{"name": geoscale.AttrString, "median_price": geoscale.AttrNumber},
		[]testRecord{
			{orb.Point{-9.14, 38.72}, map[string]interface{}{"name": "West", "median_price": 3000.0}},
			{orb.Point{-9.13, 38.72}, map[string]interface{}{"name": "East", "median_price": 2500.0}},
			{orb.Point{-9.13, 38.72}, map[string]interface{}{"name": nil, "median_price": 1.0}},
		})
	return newTestStore(t, listings, stats)
}

func TestAttributeJoin_Inner(t *testing.T) {
	tool := NewAttributeJoin(joinStore(t))
	payload, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "listings",
		"right_dataset": "parish_stats",
		"left_on":       "parish",
		"right_on":      "name",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var names []string
	for _, c := range payload.Table.Columns {
		names = append(names, c.Name)
	}
	if !reflect.DeepEqual(names, []string{"name", "parish", "median_price", "right_name"}) {
		t.Errorf("unexpected columns %v", names)
	}
	if got := column(t, payload.Table, "median_price"); !reflect.DeepEqual(got, []interface{}{3000.0, 2500.0}) {
		t.Errorf("unexpected prices %v", got)
	}
	if payload.Scalars["unmatched_left"] != 2.0 {
		t.Errorf("null and unknown keys should not match, got %v", payload.Scalars)
	}
}

func TestAttributeJoin_Left(t *testing.T) {
	tool := NewAttributeJoin(joinStore(t))
	payload, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "listings",
		"right_dataset": "parish_stats",
		"left_on":       "parish",
		"right_on":      "name",
		"how":           "left",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := column(t, payload.Table, "median_price"); !reflect.DeepEqual(got, []interface{}{3000.0, 2500.0, nil, nil}) {
		t.Errorf("unexpected prices %v", got)
	}
	if n := len(payload.Geometry.Features); n != 4 {
		t.Errorf("expected a feature per row, got %d", n)
	}
}

func TestAttributeJoin_UnknownKey(t *testing.T) {
	tool := NewAttributeJoin(joinStore(t))
	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"left_dataset":  "listings",
		"right_dataset": "parish_stats",
		"left_on":       "district",
		"right_on":      "name",
	})
	if !geoscale.IsCode(err, geoscale.ErrCodeToolArgument) {
		t.Errorf("expected TOOL_ARGUMENT, got %v", err)
	}
}

func TestJoinKey(t *testing.T) {
	a, _ := joinKey(12)
	b, _ := joinKey(12.0)
	c, _ := joinKey("12")
	if a != b || a == c {
		t.Errorf("numbers should match each other but not strings: %q %q %q", a, b, c)
	}
	if _, ok := joinKey(nil); ok {
		t.Error("null should not produce a key")
	}
}
