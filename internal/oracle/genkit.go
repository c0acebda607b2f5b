// Package oracle adapts reasoning back ends to geoscale.Oracle: a Genkit
// prompt-driven model and a scripted oracle replaying a YAML file.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
)

// DefaultPromptName is the dotprompt file driving the model oracle.
const DefaultPromptName = "geoplanner"

// PromptExecutor runs a named prompt and returns the model's text.
type PromptExecutor interface {
	ExecutePrompt(ctx context.Context, name string, input map[string]interface{}) (string, error)
}

// GenkitOracle asks a model, through a Genkit prompt, for the next action.
type GenkitOracle struct {
	prompts    PromptExecutor
	promptName string
	maxRows    int
}

// GenkitOption configures a GenkitOracle.
type GenkitOption func(*GenkitOracle)

// WithPromptName overrides DefaultPromptName.
func WithPromptName(name string) GenkitOption {
	return func(o *GenkitOracle) {
		o.promptName = name
	}
}

// WithTranscriptRows sets how many table rows of each step are shown to the model.
func WithTranscriptRows(n int) GenkitOption {
	return func(o *GenkitOracle) {
		o.maxRows = n
	}
}

func NewGenkitOracle(prompts PromptExecutor, opts ...GenkitOption) *GenkitOracle {
	o := &GenkitOracle{prompts: prompts, promptName: DefaultPromptName, maxRows: 5}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Converse implements geoscale.Oracle.
func (o *GenkitOracle) Converse(ctx context.Context, req geoscale.OracleRequest) (*geoscale.OracleResponse, error) {
	if o.prompts == nil {
		return nil, geoscale.NewConfigurationError("oracle prompt executor is not configured", nil)
	}
	input, err := o.promptInput(req)
	if err != nil {
		return nil, err
	}

	text, err := o.prompts.ExecutePrompt(ctx, o.promptName, input)
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(text)
	if err != nil {
		log.Printf("Unparseable oracle output (prompt: %s, error: %v)", o.promptName, err)
		return nil, err
	}
	return resp, nil
}

// promptInput flattens the request into the variables the prompt template uses.
func (o *GenkitOracle) promptInput(req geoscale.OracleRequest) (map[string]interface{}, error) {
	tools, err := json.Marshal(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	datasets, err := json.Marshal(req.Datasets)
	if err != nil {
		return nil, fmt.Errorf("encode datasets: %w", err)
	}

	steps := make([]map[string]interface{}, 0, len(req.Transcript))
	for _, s := range req.Transcript {
		steps = append(steps, o.summarizeStep(s))
	}
	transcript, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}

	area := ""
	if req.Query.Area != nil {
		area = req.Query.Area.Name
	}
	return map[string]interface{}{
		"query":           req.Query.Text,
		"area":            area,
		"fresh":           req.Query.Fresh,
		"tools":           string(tools),
		"datasets":        string(datasets),
		"transcript":      string(transcript),
		"notices":         strings.Join(req.Notices, "\n"),
		"steps_remaining": req.StepsRemaining,
	}, nil
}

// summarizeStep keeps what the model needs to reason about a step: scalars,
// the table header with a few rows, and the error if it failed.
func (o *GenkitOracle) summarizeStep(s geoscale.Step) map[string]interface{} {
	out := map[string]interface{}{
		"step":    s.Index,
		"tool":    s.Invocation.Tool,
		"args":    s.Invocation.Args,
		"success": s.Observation.Success,
	}
	if s.Observation.Error != nil {
		out["error"] = s.Observation.Error
	}
	p := s.Observation.Payload
	if p == nil {
		return out
	}
	if len(p.Scalars) > 0 {
		out["scalars"] = p.Scalars
	}
	if p.Table != nil {
		names := make([]string, len(p.Table.Columns))
		for i, c := range p.Table.Columns {
			names[i] = c.Name
		}
		rows := p.Table.Rows
		if len(rows) > o.maxRows {
			rows = rows[:o.maxRows]
		}
		out["table"] = map[string]interface{}{
			"columns":    names,
			"rows":       rows,
			"total_rows": len(p.Table.Rows),
		}
	}
	if p.Geometry != nil {
		out["features"] = len(p.Geometry.Features)
	}
	return out
}

// ParseResponse extracts the JSON object from model output, tolerating code
// fences and surrounding prose.
func ParseResponse(text string) (*geoscale.OracleResponse, error) {
	jsonText := extractJSONText(text)
	if jsonText == "" {
		return nil, fmt.Errorf("oracle output did not contain JSON: %s", truncate(text, 200))
	}
	var resp geoscale.OracleResponse
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil, fmt.Errorf("decode oracle JSON: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

func extractJSONText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSpace(s)
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
