package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchEnabled reports whether a Tavily API key was configured.
func (c *Client) SearchEnabled() bool {
	return c.tavilyKey != ""
}

// Search runs a web search for facts the datasets lack, such as reviews or
// opening hours of a place. It returns at most maxResults hits.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !c.SearchEnabled() {
		return nil, geoscale.NewConfigurationError("web search needs a Tavily API key", nil)
	}
	if maxResults <= 0 {
		maxResults = 3
	}

	payload, err := json.Marshal(tavilyRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.tavilyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.tavilyKey)

	body, err := c.call(ctx, "tavily", c.tavily, req)
	if err != nil {
		log.Printf("Web search failed (query: %q, error: %v)", query, err)
		return nil, err
	}
	var resp tavilyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, geoscale.NewUpstreamUnavailableError("tavily", fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Results) > maxResults {
		resp.Results = resp.Results[:maxResults]
	}
	log.Printf("Web search complete (query: %q, results: %d)", query, len(resp.Results))
	return resp.Results, nil
}
