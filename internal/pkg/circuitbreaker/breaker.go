// Package circuitbreaker wraps sony/gobreaker with config and metrics.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config defines circuit breaker configuration
type Config struct {
	Name          string                                      `yaml:"name"`
	MaxRequests   uint32                                      `yaml:"max_requests"`
	Interval      time.Duration                               `yaml:"interval"`
	Timeout       time.Duration                               `yaml:"timeout"`
	MinRequests   uint32                                      `yaml:"min_requests"`
	FailureRatio  float64                                     `yaml:"failure_ratio"`
	OnStateChange func(name string, from, to gobreaker.State) `yaml:"-"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// Breaker guards calls to an unreliable dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker. Calls that fail with an error for which
// isSuccessful returns true do not count against the dependency; a nil
// isSuccessful counts every error.
func New(cfg Config, isSuccessful func(error) bool) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			setStateMetric(name, to)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}
	if isSuccessful != nil {
		settings.IsSuccessful = func(err error) bool { return err == nil || isSuccessful(err) }
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	setStateMetric(cfg.Name, cb.State())
	return &Breaker{cb: cb}
}

// Execute runs fn unless the breaker is open, in which case it returns an
// error wrapping ErrOpen without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrOpen, err)
	}
	return err
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.cb.Name()
}

func setStateMetric(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
