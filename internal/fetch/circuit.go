package fetch

import (
	"log"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/sony/gobreaker"
)

// CircuitConfig tunes when an upstream is considered down and when it is
// tried again.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	OpenTimeout      time.Duration // time spent open before trial calls
	HalfOpenMaxCalls int           // trial calls allowed while half-open
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// newBreaker builds the breaker guarding one upstream, so a dead service fails
// fast instead of holding the loop for a full timeout. Only retryable upstream
// errors count as failures; a 404 or a bad query is the caller's problem.
func newBreaker(upstream string, cfg CircuitConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(max(cfg.FailureThreshold, 1))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        upstream,
		MaxRequests: uint32(max(cfg.HalfOpenMaxCalls, 1)),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !geoscale.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Upstream circuit changed (upstream: %s, from: %s, to: %s)", name, from, to)
		},
	})
}
