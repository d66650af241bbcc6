// Package circuitbreaker short-circuits calls to the remote cache tier after
// repeated failures, using Sony's gobreaker.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int `yaml:"max_failures"`
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration `yaml:"timeout"`
	// MaxConcurrentRequests is the number of probes allowed while half-open
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	// Interval clears the failure counts while closed; 0 never clears them
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the configuration used for the remote cache tier
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		Interval:              time.Minute,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return errors.ConfigError(fmt.Sprintf("MaxFailures must be positive, got %d", c.MaxFailures))
	}
	if c.Timeout <= 0 {
		return errors.ConfigError(fmt.Sprintf("Timeout must be positive, got %v", c.Timeout))
	}
	if c.MaxConcurrentRequests <= 0 {
		return errors.ConfigError(fmt.Sprintf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests))
	}
	return nil
}

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects every call
	StateOpen
	// StateHalfOpen lets a limited number of probes through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Stats describes a circuit breaker
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	Failures            uint32 `json:"failures"`
	Successes           uint32 `json:"successes"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// GoBreakerAdapter wraps Sony's gobreaker
type GoBreakerAdapter struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewGoBreaker creates a circuit breaker. An invalid config falls back to
// DefaultConfig.
func NewGoBreaker(name string, config Config, logger logging.Logger) *GoBreakerAdapter {
	logger = logging.OrGlobal(logger)

	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.Err(err),
			logging.String("breaker", name),
		)
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	}

	return &GoBreakerAdapter{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// isSuccessful decides which errors count against the store's health.
// Bad payloads, bad input and cancelled callers say nothing about the store.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	switch errors.GetType(err) {
	case errors.ErrTypeSerialization, errors.ErrTypeDeserialization,
		errors.ErrTypeConfig, errors.ErrTypeNotInitialized:
		return true
	}
	return false
}

// Execute runs fn within the circuit breaker
func (g *GoBreakerAdapter) Execute(ctx context.Context, fn func() error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return g.translate(err)
}

// Do runs fn within the circuit breaker and returns its result.
func Do[T any](g *GoBreakerAdapter, fn func() (T, error)) (T, error) {
	var out T
	_, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := fn()
		out = v
		return nil, err
	})
	return out, g.translate(err)
}

func (g *GoBreakerAdapter) translate(err error) error {
	if stderrors.Is(err, gobreaker.ErrOpenState) {
		return errors.UnavailableError(fmt.Sprintf("circuit breaker '%s' is open", g.name), err)
	}
	if stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.UnavailableError(fmt.Sprintf("circuit breaker '%s' has too many requests", g.name), err)
	}
	return err
}

// Name returns the breaker name
func (g *GoBreakerAdapter) Name() string {
	return g.name
}

// State returns the current state of the circuit breaker
func (g *GoBreakerAdapter) State() State {
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// IsOpen returns true if the circuit breaker is open
func (g *GoBreakerAdapter) IsOpen() bool {
	return g.breaker.State() == gobreaker.StateOpen
}

// Stats returns current statistics
func (g *GoBreakerAdapter) Stats() Stats {
	counts := g.breaker.Counts()
	return Stats{
		Name:                g.name,
		State:               g.State().String(),
		Requests:            counts.Requests,
		Failures:            counts.TotalFailures,
		Successes:           counts.TotalSuccesses,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}
