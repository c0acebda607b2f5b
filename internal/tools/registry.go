// Package tools holds the tool registry and the spatial tools the planning
// loop can invoke.
package tools

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
)

// ResultCache stores payloads of idempotent invocations.
type ResultCache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// VersionSource reports the current version of a loaded dataset.
type VersionSource interface {
	Version(id string) (uint64, bool)
}

// Registry validates and executes tool invocations. It implements
// geoscale.ToolRegistry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]geoscale.Tool
	order []string

	timeout    time.Duration
	retries    int
	retryDelay time.Duration

	cache    ResultCache
	versions VersionSource

	metrics metricsRecorder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout sets the per-attempt execution timeout.
func WithToolTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// WithRetries sets how many times an idempotent tool is retried on a
// transient failure.
func WithRetries(retries int) RegistryOption {
	return func(r *Registry) {
		r.retries = retries
	}
}

// WithRetryDelay sets the delay between retries.
func WithRetryDelay(delay time.Duration) RegistryOption {
	return func(r *Registry) {
		r.retryDelay = delay
	}
}

// WithResultCache caches payloads of idempotent tools. Keys include the
// versions of referenced datasets, so a replaced layer never serves stale results.
func WithResultCache(cache ResultCache, versions VersionSource) RegistryOption {
	return func(r *Registry) {
		r.cache = cache
		r.versions = versions
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		tools:      make(map[string]geoscale.Tool),
		timeout:    30 * time.Second,
		retries:    1,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds tools. Names must be unique.
func (r *Registry) Register(tools ...geoscale.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		name := t.Name()
		if name == "" || name != t.Spec().Name {
			return fmt.Errorf("tool name %q does not match its spec name %q", name, t.Spec().Name)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool '%s' is already registered", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return nil
}

// Catalog returns the specs of all tools in registration order.
func (r *Registry) Catalog() []geoscale.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]geoscale.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Metrics returns a snapshot of the invocation counters.
func (r *Registry) Metrics() RegistryMetrics {
	return r.metrics.snapshot()
}

// Invoke validates and runs one invocation. Every failure is reported in the
// returned observation.
func (r *Registry) Invoke(ctx context.Context, inv geoscale.ToolInvocation) geoscale.Observation {
	start := time.Now()
	obs := geoscale.Observation{Tool: inv.Tool}

	r.mu.RLock()
	tool, ok := r.tools[inv.Tool]
	r.mu.RUnlock()
	if !ok {
		obs.Error = geoscale.DetailOf(geoscale.NewToolNotFoundError(inv.Tool))
		obs.Duration = time.Since(start)
		r.metrics.record(inv.Tool, obs.Duration, 0, false, false)
		return obs
	}

	args := inv.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	spec := tool.Spec()

	if err := r.validate(tool, spec, args); err != nil {
		obs.Error = geoscale.DetailOf(err)
		obs.Duration = time.Since(start)
		r.metrics.record(inv.Tool, obs.Duration, 0, false, false)
		return obs
	}

	key := r.cacheKey(spec, args)
	if key != "" {
		if cached, err := r.cache.Get(ctx, key); err == nil {
			if payload, ok := cached.(*geoscale.Payload); ok {
				obs.Payload = payload
				obs.Success = true
				obs.Attempts = 1
				obs.Duration = time.Since(start)
				r.metrics.record(inv.Tool, obs.Duration, 1, true, true)
				return obs
			}
		}
	}

	payload, attempts, err := r.execute(ctx, tool, spec, args)
	obs.Attempts = attempts
	obs.Duration = time.Since(start)
	if err != nil {
		obs.Error = geoscale.DetailOf(err)
		r.metrics.record(inv.Tool, obs.Duration, attempts, false, false)
		return obs
	}

	if payload == nil {
		payload = &geoscale.Payload{}
	}
	obs.Payload = payload
	obs.Success = true
	r.metrics.record(inv.Tool, obs.Duration, attempts, true, false)

	if key != "" {
		if err := r.cache.Set(ctx, key, payload); err != nil {
			log.Printf("Failed to cache tool result (tool: %s, error: %v)", inv.Tool, err)
		}
	}
	return obs
}

func (r *Registry) validate(tool geoscale.Tool, spec geoscale.ToolSpec, args map[string]interface{}) error {
	if err := ValidateArgs(spec, args); err != nil {
		return err
	}
	if err := tool.Validate(args); err != nil {
		if _, ok := geoscale.AsError(err); ok {
			return err
		}
		return geoscale.NewToolArgumentError(spec.Name, err.Error())
	}
	return nil
}

// execute runs the tool with a per-attempt timeout, retrying idempotent
// tools on retryable errors.
func (r *Registry) execute(ctx context.Context, tool geoscale.Tool, spec geoscale.ToolSpec, args map[string]interface{}) (*geoscale.Payload, int, error) {
	maxAttempts := 1
	if spec.Idempotent && r.retries > 0 {
		maxAttempts += r.retries
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = geoscale.NewToolExecutionError(spec.Name, err)
			}
			break
		}
		attempt++

		execCtx, cancel := context.WithTimeout(ctx, r.timeout)
		payload, err := tool.Execute(execCtx, args)
		timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return payload, attempt, nil
		}

		switch {
		case timedOut && ctx.Err() == nil:
			lastErr = geoscale.NewToolTimeoutError(spec.Name, fmt.Errorf("no result after %v: %w", r.timeout, err))
		case ctx.Err() != nil:
			lastErr = geoscale.NewToolExecutionError(spec.Name, fmt.Errorf("interrupted: %w", err))
		default:
			if _, ok := geoscale.AsError(err); ok {
				lastErr = err
			} else {
				lastErr = geoscale.NewToolExecutionError(spec.Name, err)
			}
		}

		if attempt >= maxAttempts || !geoscale.IsRetryable(lastErr) {
			break
		}
		log.Printf("Tool execution failed, retrying (tool: %s, error: %v, attempt: %d, max_attempts: %d)",
			spec.Name, lastErr, attempt, maxAttempts)
		select {
		case <-ctx.Done():
		case <-time.After(r.retryDelay):
		}
	}
	return nil, attempt, lastErr
}

// cacheKey returns "" when the invocation must not be cached.
func (r *Registry) cacheKey(spec geoscale.ToolSpec, args map[string]interface{}) string {
	if r.cache == nil || r.versions == nil || !spec.Idempotent {
		return ""
	}

	var refs []string
	for _, a := range spec.Args {
		if !strings.HasSuffix(a.Name, "dataset") {
			continue
		}
		id, ok := args[a.Name].(string)
		if !ok {
			continue
		}
		version, ok := r.versions.Version(id)
		if !ok {
			return ""
		}
		refs = append(refs, fmt.Sprintf("%s@%d", id, version))
	}
	sort.Strings(refs)

	// json.Marshal sorts map keys, which makes the encoding canonical.
	encoded, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	hasher := sha1.New()
	hasher.Write(encoded)
	return "tool:" + spec.Name + ":" + strings.Join(refs, ",") + ":" + hex.EncodeToString(hasher.Sum(nil))
}
