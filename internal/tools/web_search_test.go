package tools

import (
	"context"
	"reflect"
	"testing"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
)

type fakeSearcher struct {
	query string
	asked int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]fetch.SearchResult, error) {
	f.query, f.asked = query, maxResults
	return []fetch.SearchResult{
		{Title: "Belém guide", URL: "https://a.example", Content: "Monastery and tarts.", Score: 0.8},
		{Title: "Belém news", URL: "https://b.example", Content: "New tram line.", Score: 0.5},
	}, nil
}

func TestWebSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	r := NewRegistry()
	if err := r.Register(NewWebSearch(searcher)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "web_search", Args: map[string]interface{}{
		"query": " what is Belém known for ", "max_results": 50.0,
	}})
	if !obs.Success {
		t.Fatalf("invocation failed: %+v", obs.Error)
	}
	if searcher.query != "what is Belém known for" || searcher.asked != maxSearchResults {
		t.Errorf("unexpected search (query: %q, max: %d)", searcher.query, searcher.asked)
	}
	if got := column(t, obs.Payload.Table, "url"); !reflect.DeepEqual(got, []interface{}{"https://a.example", "https://b.example"}) {
		t.Errorf("unexpected urls %v", got)
	}
	if obs.Payload.Scalars["count"] != 2.0 {
		t.Errorf("unexpected scalars %v", obs.Payload.Scalars)
	}
}

func TestWebSearch_BlankQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	r := NewRegistry()
	if err := r.Register(NewWebSearch(searcher)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "web_search", Args: map[string]interface{}{"query": "   "}})
	if obs.Success || obs.Error == nil || obs.Error.Code != geoscale.ErrCodeToolArgument {
		t.Errorf("expected TOOL_ARGUMENT, got %+v", obs.Error)
	}
	if searcher.asked != 0 {
		t.Error("a blank query should not reach the searcher")
	}
}
