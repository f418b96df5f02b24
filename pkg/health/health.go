package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface all health checkers implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// PollConfig bounds a health-gate polling loop
type PollConfig struct {
	// Timeout is the overall budget for reaching health
	Timeout time.Duration

	// MaxRetries caps poll attempts within the timeout (0 = unbounded)
	MaxRetries int

	// InitialInterval seeds the exponential backoff between polls
	InitialInterval time.Duration

	// MaxInterval caps the backoff between polls
	MaxInterval time.Duration
}

// DefaultPollConfig returns conservative polling bounds
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Timeout:         2 * time.Minute,
		MaxRetries:      0,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}
