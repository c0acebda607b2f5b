package tools

import (
	"context"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
)

const maxSearchResults = 10

// Searcher runs a web search query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]fetch.SearchResult, error)
}

// WebSearch looks up context the loaded datasets cannot answer, such as
// neighbourhood news or a venue's opening hours.
type WebSearch struct {
	base
	searcher Searcher
}

// NewWebSearch creates the web_search tool.
func NewWebSearch(searcher Searcher) *WebSearch {
	return &WebSearch{
		searcher: searcher,
		base: base{spec: geoscale.ToolSpec{
			Name:        "web_search",
			Description: "Search the web for context the loaded datasets do not hold, such as local news or a place's reputation. Returns the top results with a short extract each. Results are not geometries and cannot feed spatial tools.",
			Args: []geoscale.ArgSpec{
				{Name: "query", Type: geoscale.ArgString, Required: true},
				{Name: "max_results", Type: geoscale.ArgInteger, Min: ptr(1), Description: "default 3, at most 10"},
			},
			Returns:  "table title, url, content, score; scalars count, query",
			Category: "web",
		}},
	}
}

func (t *WebSearch) Validate(args map[string]interface{}) error {
	if strings.TrimSpace(stringArg(args, "query", "")) == "" {
		return geoscale.NewToolArgumentError(t.Name(), "query must not be blank")
	}
	return nil
}

func (t *WebSearch) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	query := strings.TrimSpace(stringArg(args, "query", ""))
	n := min(intArg(args, "max_results", 3), maxSearchResults)

	results, err := t.searcher.Search(ctx, query, n)
	if err != nil {
		return nil, err
	}
	table := &geoscale.Table{Columns: []geoscale.Column{
		{Name: "title", Type: geoscale.AttrString},
		{Name: "url", Type: geoscale.AttrString},
		{Name: "content", Type: geoscale.AttrString},
		{Name: "score", Type: geoscale.AttrNumber},
	}}
	for _, r := range results {
		table.Rows = append(table.Rows, []interface{}{r.Title, r.URL, r.Content, r.Score})
	}
	return &geoscale.Payload{
		Table: table,
		Scalars: map[string]interface{}{
			"count": float64(len(results)),
			"query": query,
		},
	}, nil
}
