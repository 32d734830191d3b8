package health

import (
	"context"
	"time"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker checks one dependency
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckFunc adapts a function returning an error into a Checker
type CheckFunc func(ctx context.Context) error

// Check runs f; a nil error is healthy
func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	err := f(ctx)
	r := Result{Healthy: err == nil, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// Config controls how often a dependency is checked and how many failures
// it takes to mark it unhealthy
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before the dependency
	// is reported unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of a dependency across checks
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that starts out healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new check result into the status. One success restores
// health; Retries consecutive failures remove it.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}
