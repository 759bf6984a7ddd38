// Package retry provides command execution with retries and exponential backoff
package retry

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"time"
)

// Config controls retry behavior
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Executor runs a single command and returns its standard output
type Executor interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LocalExecutor runs commands on this host
type LocalExecutor struct{}

// Output runs name with args via os/exec
func (LocalExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Runner executes commands with retry logic
type Runner struct {
	config   Config
	executor Executor
}

// NewRunner creates a new retry-enabled command runner for local commands
func NewRunner(config Config) *Runner {
	return NewRunnerWithExecutor(config, LocalExecutor{})
}

// NewRunnerWithExecutor creates a runner that delegates execution to exec
func NewRunnerWithExecutor(config Config, executor Executor) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}
	if executor == nil {
		executor = LocalExecutor{}
	}
	return &Runner{config: config, executor: executor}
}

// Output executes a command and returns output with retries on failure
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.calculateDelay(attempt)):
			}
		}

		output, err := r.executor.Output(ctx, name, args...)
		if err == nil {
			return output, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", name, r.config.MaxAttempts, lastErr)
}

// calculateDelay computes the delay for the given attempt using exponential backoff
func (r *Runner) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}
