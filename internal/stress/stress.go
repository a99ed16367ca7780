// Package stress is the boundary to the stress-test drivers that decide
// whether an offset is stable. The load generators themselves live
// outside the core; the engine only consumes a pass/fail verdict.
package stress

import (
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Runner executes one stability test of the given duration and reports
// whether the machine survived it without faults.
type Runner interface {
	Run(ctx context.Context, duration time.Duration) (passed bool, err error)
}

// CommandRunner drives an external stress binary (stress-ng by default)
// for the test duration. A zero exit within the allotted time is a pass;
// a crash or non-zero exit is a fail.
type CommandRunner struct {
	Binary string   // e.g. "stress-ng"
	Args   []string // extra args before the timeout flag
	log    *zap.Logger
}

// NewCommandRunner creates a CommandRunner with the default CPU+memory
// combo workload.
func NewCommandRunner(binary string, log *zap.Logger) *CommandRunner {
	if binary == "" {
		binary = "stress-ng"
	}
	return &CommandRunner{
		Binary: binary,
		Args:   []string{"--cpu", "0", "--vm", "1", "--vm-bytes", "75%"},
		log:    log,
	}
}

func (r *CommandRunner) Run(ctx context.Context, duration time.Duration) (bool, error) {
	args := append(append([]string{}, r.Args...), "--timeout", duration.String())

	// Grace period on top of the workload duration before the context
	// kills a wedged driver.
	ctx, cancel := context.WithTimeout(ctx, duration+30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	err := cmd.Run()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		r.log.Warn("stress test failed", zap.Error(err))
		return false, nil
	}
	return true, nil
}
