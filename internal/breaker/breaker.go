// Package breaker builds circuit breakers for outbound dependencies.
package breaker

import (
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
)

const defaultFailureThreshold = 5

// New returns a circuit breaker that trips after cfg.FailureThreshold
// consecutive failures and reports state changes to the log and to the
// approvals_circuit_breaker_state gauge. metrics may be nil.
func New(name string, cfg config.CircuitBreakerConfig, metrics *observability.Metrics, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}

	metrics.SetCircuitBreakerState(name, StateValue(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetCircuitBreakerState(name, StateValue(to))
		},
	})
}

// StateValue maps a breaker state to the gauge encoding
// (0=closed, 1=half-open, 2=open).
func StateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
