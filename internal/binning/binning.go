// Package binning discovers the deepest stable voltage offset through an
// iterative descent: apply a value, stress it, step deeper while it
// passes. The checkpoint is written before each test so a hard hang
// during an iteration leaves behind the last value that actually passed.
package binning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/safety"
	"github.com/decktune/decktune/internal/stress"
)

// SafetyMargin is added to the deepest stable value to form the
// recommendation.
const SafetyMargin = 5

// Config holds the parameters of one binning session.
type Config struct {
	StartValue           int           // starting offset, <= 0
	StepSize             int           // descent step in mV, > 0
	TestDuration         time.Duration // stress duration per iteration
	MaxIterations        int
	ConsecutiveFailLimit int
}

// DefaultConfig returns the standard session parameters.
func DefaultConfig() Config {
	return Config{
		StartValue:           -10,
		StepSize:             5,
		TestDuration:         60 * time.Second,
		MaxIterations:        20,
		ConsecutiveFailLimit: 3,
	}
}

// Validate rejects configurations the descent cannot run with.
func (c Config) Validate() error {
	if c.StartValue > 0 {
		return fmt.Errorf("start value must be <= 0, got %d", c.StartValue)
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("step size must be > 0, got %d", c.StepSize)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be > 0, got %d", c.MaxIterations)
	}
	return nil
}

// Result summarizes a completed session.
type Result struct {
	MaxStable   int     `json:"max_stable"`  // deepest value that passed
	Recommended int     `json:"recommended"` // MaxStable + SafetyMargin
	Iterations  int     `json:"iterations"`
	DurationSec float64 `json:"duration_sec"`
	Aborted     bool    `json:"aborted"`
}

// Progress is emitted before each iteration's stress test.
type Progress struct {
	CurrentValue int     `json:"current_value"`
	Iteration    int     `json:"iteration"`
	LastStable   int     `json:"last_stable"`
	ETASeconds   float64 `json:"eta_seconds"`
}

// Applier programs voltage offsets on the hardware.
type Applier interface {
	Apply(ctx context.Context, offsets []int) error
}

// Engine runs binning sessions. One session at a time.
type Engine struct {
	applier Applier
	runner  stress.Runner
	safety  *safety.Manager
	emitter events.Emitter
	log     *zap.Logger

	mu        sync.Mutex
	running   bool
	cancelled bool
}

// New creates an Engine.
func New(applier Applier, runner stress.Runner, sfty *safety.Manager,
	emitter events.Emitter, log *zap.Logger) *Engine {
	return &Engine{applier: applier, runner: runner, safety: sfty, emitter: emitter, log: log}
}

// Running reports whether a session is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Cancel flags the running session for cancellation; the flag is observed
// between iterations. The session restores the previous LKG and clears
// the checkpoint before returning.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.log.Info("binning cancellation requested")
		e.cancelled = true
	}
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Run executes a full binning session and blocks until it completes,
// aborts, or is cancelled. Values descend from StartValue by StepSize per
// passing iteration; the first failure ends the descent. The checkpoint
// on disk always names the value about to be tested, never the one just
// tested, so boot recovery restores a value that passed.
func (e *Engine) Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("binning is already running")
	}
	e.running = true
	e.cancelled = false
	e.mu.Unlock()

	// For restoration on cancel.
	previous := e.safety.LoadLKG()

	safeLimit := e.safety.Platform().SafeLimit
	start := time.Now()
	iteration := 0
	lastStable := 0
	consecutiveFailures := 0
	var failedValues []int
	aborted := false

	e.log.Info("starting binning",
		zap.Int("start", cfg.StartValue), zap.Int("step", cfg.StepSize),
		zap.Duration("duration", cfg.TestDuration), zap.Int("safe_limit", safeLimit))

	current := cfg.StartValue

	for iteration < cfg.MaxIterations {
		if e.isCancelled() || ctx.Err() != nil {
			e.log.Info("binning cancelled")
			aborted = true
			break
		}
		if current < safeLimit {
			e.log.Info("reached platform safe limit", zap.Int("safe_limit", safeLimit))
			aborted = true
			break
		}

		iteration++

		// Checkpoint first: a hang during this iteration must leave the
		// value that passed previously on disk.
		e.safety.WriteCheckpoint(current, lastStable, iteration, failedValues)

		remaining := cfg.MaxIterations - iteration
		e.emitter.Emit(ctx, events.Event{Type: "binning_progress", Data: Progress{
			CurrentValue: current,
			Iteration:    iteration,
			LastStable:   lastStable,
			ETASeconds:   float64(remaining) * cfg.TestDuration.Seconds(),
		}})

		e.log.Info("binning iteration", zap.Int("iteration", iteration), zap.Int("value", current))
		passed := e.runIteration(ctx, current, cfg)

		if passed {
			lastStable = current
			consecutiveFailures = 0
			e.log.Info("iteration passed", zap.Int("value", current))
			current -= cfg.StepSize
			continue
		}

		failedValues = append(failedValues, current)
		consecutiveFailures++
		e.log.Warn("iteration failed", zap.Int("value", current))

		if consecutiveFailures >= cfg.ConsecutiveFailLimit {
			e.log.Warn("aborting after consecutive failures",
				zap.Int("failures", consecutiveFailures))
			aborted = true
			break
		}

		// Descent policy: the first failure ends the run.
		e.log.Info("stopping binning after first failure")
		break
	}

	if iteration >= cfg.MaxIterations {
		e.log.Warn("binning reached max iterations", zap.Int("max", cfg.MaxIterations))
		aborted = true
	}

	result := Result{
		MaxStable:   lastStable,
		Recommended: lastStable + SafetyMargin,
		Iterations:  iteration,
		DurationSec: time.Since(start).Seconds(),
		Aborted:     aborted,
	}

	e.log.Info("binning complete",
		zap.Int("max_stable", result.MaxStable), zap.Int("recommended", result.Recommended),
		zap.Int("iterations", result.Iterations), zap.Bool("aborted", result.Aborted))

	cancelled := e.isCancelled()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	if cancelled {
		e.log.Info("restoring previous values after cancellation", zap.Ints("previous", previous))
		if err := e.applier.Apply(context.WithoutCancel(ctx), previous); err != nil {
			e.log.Error("failed to restore previous values", zap.Error(err))
		}
	}
	e.safety.ClearCheckpoint()

	return result, nil
}

// runIteration applies the candidate to all cores and stresses it.
func (e *Engine) runIteration(ctx context.Context, value int, cfg Config) bool {
	testValues := []int{value, value, value, value}
	if err := e.applier.Apply(ctx, testValues); err != nil {
		e.log.Error("failed to apply test value", zap.Int("value", value), zap.Error(err))
		return false
	}

	passed, err := e.runner.Run(ctx, cfg.TestDuration)
	if err != nil {
		e.log.Error("stress test error", zap.Error(err))
		return false
	}
	return passed
}
