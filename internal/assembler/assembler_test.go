package assembler

import (
	"reflect"
	"strings"
	"testing"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func intPtr(i int) *int { return &i }

func proximityStep() geoscale.Step {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{-9.14, 38.7192}))
	fc.Append(geojson.NewFeature(orb.Point{-9.13, 38.721}))
	return geoscale.Step{
		Invocation: geoscale.ToolInvocation{Tool: "proximity_search"},
		Observation: geoscale.Observation{
			Tool:    "proximity_search",
			Success: true,
			Payload: &geoscale.Payload{
				Table: &geoscale.Table{
					Columns: []geoscale.Column{
						{Name: "name", Type: geoscale.AttrString},
						{Name: "price", Type: geoscale.AttrNumber},
						{Name: "furnished", Type: geoscale.AttrBoolean},
						{Name: "distance_m", Type: geoscale.AttrNumber},
					},
					Rows: [][]interface{}{
						{"Flat E, \"river view\"", 400000.0, true, 88.95599744650555},
						{"Flat C", 500000.0, nil, 111.19492664455873},
						{"12", nil, false, 0.1 + 0.2},
					},
				},
				Geometry: fc,
			},
		},
	}
}

func failedStep() geoscale.Step {
	return geoscale.Step{
		Invocation:  geoscale.ToolInvocation{Tool: "rank_by_metric"},
		Observation: geoscale.Observation{Tool: "rank_by_metric", Error: &geoscale.ErrorDetail{Code: geoscale.ErrCodeInvalidMetric}},
	}
}

func scalarStep() geoscale.Step {
	return geoscale.Step{
		Invocation:  geoscale.ToolInvocation{Tool: "describe_dataset"},
		Observation: geoscale.Observation{Tool: "describe_dataset", Success: true, Payload: &geoscale.Payload{Scalars: map[string]interface{}{"records": 5.0}}},
	}
}

func TestAssemble_TextOnly(t *testing.T) {
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "There are 5 listings."}, []geoscale.Step{scalarStep()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if resp.Format != geoscale.FormatText || resp.Text != "There are 5 listings." {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAssemble_TableRoundTrip(t *testing.T) {
	steps := []geoscale.Step{scalarStep(), proximityStep()}
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "Three flats.", TableStep: intPtr(1)}, steps)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if resp.Format != geoscale.FormatTable {
		t.Fatalf("expected table format, got %s", resp.Format)
	}

	original := steps[1].Observation.Payload.Table
	parsed, err := ParseTableCSV(resp.TableCSV, original.Columns)
	if err != nil {
		t.Fatalf("ParseTableCSV failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, original) {
		t.Errorf("round trip changed the table:\n got %#v\nwant %#v", parsed.Rows, original.Rows)
	}
	if !strings.Contains(resp.Text, "| name | price | furnished | distance_m |") {
		t.Errorf("text should echo the table:\n%s", resp.Text)
	}
}

func TestAssemble_MapFromReferencedStep(t *testing.T) {
	steps := []geoscale.Step{proximityStep(), scalarStep()}
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "Here they are.", MapSteps: []int{0}, MapTitle: "Flats near metro"}, steps)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if resp.Format != geoscale.FormatMap || resp.Map == nil {
		t.Fatalf("expected a map, got %+v", resp)
	}
	if len(resp.Map.Layers) != 1 || len(resp.Map.Layers[0].Features.Features) != 2 {
		t.Errorf("unexpected layers: %+v", resp.Map.Layers)
	}
	want := orb.Bound{Min: orb.Point{-9.14, 38.7192}, Max: orb.Point{-9.13, 38.721}}
	if resp.Map.Bounds == nil || *resp.Map.Bounds != want {
		t.Errorf("expected bounds %v, got %v", want, resp.Map.Bounds)
	}
}

func TestAssemble_MapWithoutGeometryDegrades(t *testing.T) {
	steps := []geoscale.Step{scalarStep(), failedStep()}
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "Five records.", WantMap: true, MapSteps: []int{1, 7}}, steps)
	if err != nil {
		t.Fatalf("Assemble must not fail: %v", err)
	}
	if resp.Format != geoscale.FormatText || resp.Map != nil {
		t.Errorf("expected a text response, got %s", resp.Format)
	}
	if !strings.HasPrefix(resp.Text, "Five records.") || !strings.Contains(resp.Text, "no step produced geometry") {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestAssemble_WantMapUsesAllGeometry(t *testing.T) {
	steps := []geoscale.Step{proximityStep(), failedStep(), proximityStep()}
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "Map.", WantMap: true}, steps)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if resp.Map == nil || len(resp.Map.Layers) != 2 {
		t.Fatalf("expected two layers, got %+v", resp.Map)
	}
	if resp.Map.Layers[0].Style["color"] == resp.Map.Layers[1].Style["color"] {
		t.Error("layers should get distinct colours")
	}
}

func TestAssemble_BadTableReference(t *testing.T) {
	resp, err := New().Assemble(geoscale.FinalAnswer{Summary: "Oops.", TableStep: intPtr(0)}, []geoscale.Step{failedStep()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if resp.Table != nil || resp.Format != geoscale.FormatText {
		t.Errorf("a failed step must not provide a table: %+v", resp)
	}
}

func TestRenderTable_Truncates(t *testing.T) {
	table := proximityStep().Observation.Payload.Table
	out := renderTable(table, 1)
	if !strings.Contains(out, "2 more rows not shown.") {
		t.Errorf("expected truncation note:\n%s", out)
	}
}

func TestParseTableCSV_HeaderMismatch(t *testing.T) {
	_, err := ParseTableCSV("a,b\n1,2\n", []geoscale.Column{{Name: "a"}, {Name: "c"}})
	if err == nil {
		t.Error("expected header mismatch error")
	}
}

func TestTableCSV_EmptyStringAndNullStayDistinct(t *testing.T) {
	table := &geoscale.Table{
		Columns: []geoscale.Column{
			{Name: "label", Type: geoscale.AttrString},
			{Name: "price", Type: geoscale.AttrNumber},
			{Name: "note", Type: geoscale.AttrString},
		},
		Rows: [][]interface{}{
			{"", 100.0, nil},
			{nil, nil, ""},
			{"two\nlines", 1e21, " padded "},
			{"a,b", -0.5, `say "hi"`},
		},
	}
	out, err := TableCSV(table)
	if err != nil {
		t.Fatalf("TableCSV failed: %v", err)
	}
	if !strings.Contains(out, "\"\",100,\r\n") {
		t.Errorf("empty string should be quoted and null left bare:\n%q", out)
	}

	parsed, err := ParseTableCSV(out, table.Columns)
	if err != nil {
		t.Fatalf("ParseTableCSV failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, table) {
		t.Errorf("round trip changed the table:\n got %#v\nwant %#v", parsed.Rows, table.Rows)
	}
}

func TestParseTableCSV_SingleNullColumn(t *testing.T) {
	cols := []geoscale.Column{{Name: "v", Type: geoscale.AttrString}}
	table := &geoscale.Table{Columns: cols, Rows: [][]interface{}{{nil}, {""}, {"x"}}}
	out, err := TableCSV(table)
	if err != nil {
		t.Fatalf("TableCSV failed: %v", err)
	}
	parsed, err := ParseTableCSV(out, cols)
	if err != nil {
		t.Fatalf("ParseTableCSV failed: %v", err)
	}
	if !reflect.DeepEqual(parsed.Rows, table.Rows) {
		t.Errorf("got %#v, want %#v", parsed.Rows, table.Rows)
	}
}

func TestParseTableCSV_Malformed(t *testing.T) {
	cols := []geoscale.Column{{Name: "a"}, {Name: "b"}}
	for name, src := range map[string]string{
		"unterminated": "a,b\n\"x,1\n",
		"bare quote":   "a,b\nx\"y,1\n",
		"short row":    "a,b\nx\n",
	} {
		if _, err := ParseTableCSV(src, cols); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
