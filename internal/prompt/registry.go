package prompt

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Registry loads dotprompt files through Genkit and executes them.
type Registry struct {
	genkitInstance *genkit.Genkit
}

// NewRegistry initializes Genkit with opts, typically the model plugins and
// genkit.WithPromptDir pointing at the geoplanner prompt.
func NewRegistry(ctx context.Context, opts ...genkit.GenkitOption) (*Registry, error) {
	g, err := genkit.Init(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Genkit: %w", err)
	}
	return &Registry{genkitInstance: g}, nil
}

// Genkit returns the underlying instance, e.g. for looking up embedders.
func (r *Registry) Genkit() *genkit.Genkit {
	return r.genkitInstance
}

// GetPrompt retrieves a loaded prompt by name.
func (r *Registry) GetPrompt(name string) (*ai.Prompt, error) {
	p := genkit.LookupPrompt(r.genkitInstance, name)
	if p == nil {
		return nil, fmt.Errorf("prompt '%s' not found", name)
	}
	return p, nil
}

// ExecutePrompt renders the named prompt with input, runs it and returns the
// model's text.
func (r *Registry) ExecutePrompt(ctx context.Context, name string, input map[string]interface{}) (string, error) {
	p, err := r.GetPrompt(name)
	if err != nil {
		return "", err
	}

	resp, err := p.Execute(ctx, ai.WithInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to execute prompt '%s': %w", name, err)
	}
	return resp.Text(), nil
}

// Embedder looks up an embedder registered by a plugin.
func (r *Registry) Embedder(provider, name string) (ai.Embedder, error) {
	e := genkit.LookupEmbedder(r.genkitInstance, provider, name)
	if e == nil {
		return nil, fmt.Errorf("embedder '%s/%s' not found", provider, name)
	}
	return e, nil
}
