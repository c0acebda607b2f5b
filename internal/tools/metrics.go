package tools

import (
	"sync"
	"time"
)

// RegistryMetrics tracks statistics about tool invocations.
type RegistryMetrics struct {
	Invocations      int
	Successful       int
	Failed           int
	TotalRetries     int
	CacheHits        int
	TotalDuration    time.Duration
	LongestToolTime  time.Duration
	ShortestToolTime time.Duration
	PerTool          map[string]ToolStats
}

// ToolStats are the per-tool counters.
type ToolStats struct {
	Invocations int
	Failures    int
}

type metricsRecorder struct {
	mu sync.Mutex
	m  RegistryMetrics
}

func (r *metricsRecorder) record(tool string, d time.Duration, attempts int, success, cached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.m.PerTool == nil {
		r.m.PerTool = make(map[string]ToolStats)
	}
	stats := r.m.PerTool[tool]
	stats.Invocations++
	r.m.Invocations++

	if cached {
		r.m.CacheHits++
	}
	if attempts > 1 {
		r.m.TotalRetries += attempts - 1
	}
	r.m.TotalDuration += d
	if d > r.m.LongestToolTime {
		r.m.LongestToolTime = d
	}
	if d > 0 && (r.m.ShortestToolTime == 0 || d < r.m.ShortestToolTime) {
		r.m.ShortestToolTime = d
	}

	if success {
		r.m.Successful++
	} else {
		r.m.Failed++
		stats.Failures++
	}
	r.m.PerTool[tool] = stats
}

// snapshot returns a copy safe to hand out.
func (r *metricsRecorder) snapshot() RegistryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.m
	out.PerTool = make(map[string]ToolStats, len(r.m.PerTool))
	for k, v := range r.m.PerTool {
		out.PerTool[k] = v
	}
	return out
}
