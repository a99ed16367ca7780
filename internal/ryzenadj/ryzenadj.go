// Package ryzenadj invokes the external power-adjust tool to program
// per-core voltage offsets. Offsets are encoded into the tool's
// --set-coper hex opcode and applied one core at a time.
package ryzenadj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
)

// CoreCount is the number of CPU cores the tool programs.
const CoreCount = 4

// CommandTimeout bounds each per-core tool invocation.
const CommandTimeout = 10 * time.Second

// CommandRunner abstracts external command execution for testability.
type CommandRunner interface {
	// Run executes name with args and returns stdout, stderr and the exit
	// code. err is non-nil only for failures to launch or a context breach;
	// a non-zero exit is reported via exitCode with err == nil.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// CalculateHex encodes a (core, offset) pair into the tool's opcode:
// (core << 20) | (offset & 0xFFFFF), uppercased with a 0X prefix.
//
//	CalculateHex(0, -30) == "0XFFFE2"
//	CalculateHex(1, -30) == "0X1FFFE2"
func CalculateHex(core, value int) string {
	combined := core*0x100000 + (value & 0xFFFFF)
	return fmt.Sprintf("0X%X", combined)
}

// Invoker applies voltage offsets through the external tool.
type Invoker struct {
	elevator   string // privilege elevator, e.g. "sudo"
	binaryPath string
	workingDir string
	runner     CommandRunner
	emitter    events.Emitter
	log        *zap.Logger

	mu           sync.Mutex
	lastCommands []string
	lastError    string
}

// New creates an Invoker. elevator may be empty to call the tool directly.
func New(elevator, binaryPath, workingDir string, emitter events.Emitter, log *zap.Logger) *Invoker {
	return &Invoker{
		elevator:   elevator,
		binaryPath: binaryPath,
		workingDir: workingDir,
		runner:     ExecRunner{},
		emitter:    emitter,
		log:        log,
	}
}

// SetRunner replaces the command runner. Test hook.
func (r *Invoker) SetRunner(runner CommandRunner) { r.runner = runner }

// BinaryPath returns the configured tool path.
func (r *Invoker) BinaryPath() string { return r.binaryPath }

// VerifyBinary checks that the tool exists, is a regular file, and is not
// world-writable. Called once before safety-critical sessions.
func (r *Invoker) VerifyBinary() error {
	info, err := os.Stat(r.binaryPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", r.binaryPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", r.binaryPath)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("binary %q is world-writable (mode=%s)", r.binaryPath, info.Mode())
	}
	return nil
}

// Apply programs one offset per core, in core order, stopping at the first
// failure. offsets must contain exactly CoreCount values.
func (r *Invoker) Apply(ctx context.Context, offsets []int) error {
	if len(offsets) != CoreCount {
		return r.fail(ctx, fmt.Sprintf("expected exactly %d core values, got %d", CoreCount, len(offsets)))
	}

	r.mu.Lock()
	r.lastCommands = nil
	r.lastError = ""
	r.mu.Unlock()

	for core, value := range offsets {
		hexValue := CalculateHex(core, value)
		arg := "--set-coper=" + hexValue

		name := r.binaryPath
		args := []string{arg}
		if r.elevator != "" {
			name = r.elevator
			args = []string{r.binaryPath, arg}
		}

		r.mu.Lock()
		r.lastCommands = append(r.lastCommands, strings.Join(append([]string{name}, args...), " "))
		r.mu.Unlock()

		r.log.Debug("applying undervolt",
			zap.Int("core", core), zap.Int("value", value), zap.String("hex", hexValue))

		callCtx, cancel := context.WithTimeout(ctx, CommandTimeout)
		_, stderr, exitCode, err := r.runner.Run(callCtx, r.workingDir, name, args...)
		timedOut := callCtx.Err() != nil
		cancel()

		switch {
		case err != nil && timedOut:
			return r.fail(ctx, fmt.Sprintf("power-adjust tool timed out for core %d", core))
		case err != nil:
			return r.fail(ctx, fmt.Sprintf("power-adjust tool failed to run for core %d: %v", core, err))
		case exitCode != 0:
			msg := strings.TrimSpace(stderr)
			if msg == "" {
				msg = fmt.Sprintf("power-adjust tool returned code %d", exitCode)
			}
			return r.fail(ctx, msg)
		}

		// The tool sometimes reports problems on stderr with exit 0.
		if s := strings.TrimSpace(stderr); s != "" {
			r.log.Warn("power-adjust tool stderr", zap.Int("core", core), zap.String("stderr", s))
			lower := strings.ToLower(s)
			if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
				return r.fail(ctx, s)
			}
		}
	}

	r.log.Info("applied undervolt values", zap.Ints("offsets", offsets))
	return nil
}

// Disable resets all cores to 0 (no undervolt).
func (r *Invoker) Disable(ctx context.Context) error {
	r.log.Info("disabling undervolt, resetting all cores to 0")
	return r.Apply(ctx, []int{0, 0, 0, 0})
}

// LastCommands returns the command lines from the most recent Apply.
func (r *Invoker) LastCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lastCommands))
	copy(out, r.lastCommands)
	return out
}

// LastError returns the failure reason from the most recent Apply, or "".
func (r *Invoker) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Invoker) fail(ctx context.Context, msg string) error {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
	r.log.Error("power-adjust tool error", zap.String("error", msg))
	r.emitter.EmitStatus(ctx, "error")
	return fmt.Errorf("%s", msg)
}
