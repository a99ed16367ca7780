package dynamic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/blackbox"
	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/session"
	"github.com/decktune/decktune/internal/stream"
)

// StopTimeout is the grace period between the termination signal and the
// kill signal on Stop.
const StopTimeout = 5 * time.Second

// message is one line of the child's stdout protocol. The schema is a
// closed tagged variant; unknown types are logged and skipped.
type message struct {
	Type     string     `json:"type"`
	Load     []float64  `json:"load,omitempty"`
	Values   []int      `json:"values,omitempty"`
	Fan      *FanStatus `json:"fan,omitempty"`
	PowerW   float64    `json:"power_w,omitempty"`
	From     string     `json:"from,omitempty"`
	To       string     `json:"to,omitempty"`
	Progress float64    `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Controller supervises the adaptive-controller child process.
type Controller struct {
	binaryPath   string
	ryzenadjPath string
	emitter      events.Emitter
	stream       *stream.Stream
	blackbox     *blackbox.BlackBox
	telemetry    *session.TelemetryBuffer
	sessions     *session.Manager
	log          *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	running   bool
	stopping  bool
	status    Status
	sessionID string
	procDone  chan struct{}

	now func() time.Time
}

// New creates a Controller. blackbox, telemetry and sessions may be nil.
func New(binaryPath, ryzenadjPath string, emitter events.Emitter, st *stream.Stream,
	bb *blackbox.BlackBox, tel *session.TelemetryBuffer, sessions *session.Manager,
	log *zap.Logger) *Controller {
	return &Controller{
		binaryPath:   binaryPath,
		ryzenadjPath: ryzenadjPath,
		emitter:      emitter,
		stream:       st,
		blackbox:     bb,
		telemetry:    tel,
		sessions:     sessions,
		log:          log,
		now:          time.Now,
	}
}

// Running reports whether the child is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the last parsed child status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start validates cfg and spawns the child. A child already running is
// stopped first.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		c.emitter.EmitStatus(ctx, "error")
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Running() {
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}

	if _, err := os.Stat(c.binaryPath); err != nil {
		c.emitter.EmitStatus(ctx, "error")
		return fmt.Errorf("controller binary not found: %w", err)
	}

	args := cfg.BuildArgs(c.ryzenadjPath)
	c.log.Info("starting adaptive controller",
		zap.String("binary", c.binaryPath), zap.Strings("args", args))

	cmd := exec.Command(c.binaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.emitter.EmitStatus(ctx, "error")
		return fmt.Errorf("start controller: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.running = true
	c.stopping = false
	c.status = Status{Running: true, Strategy: cfg.Strategy}
	c.procDone = make(chan struct{})
	c.mu.Unlock()

	c.stream.SetRunning(true)

	if c.sessions != nil {
		values := make([]int, 0, len(cfg.Cores))
		for _, core := range cfg.Cores {
			if cfg.SimpleMode {
				values = append(values, cfg.SimpleValue)
			} else {
				values = append(values, core.MinMV)
			}
		}
		s := c.sessions.Start("", 0, values)
		c.mu.Lock()
		c.sessionID = s.ID
		c.mu.Unlock()
	}

	go c.drainStderr(stderr)
	go c.readOutput(ctx, stdout)

	c.emitter.EmitStatus(ctx, "dynamic_running")
	c.log.Info("adaptive controller started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop terminates the child gracefully: termination signal, StopTimeout
// grace, kill. The termination signal asks the child to reset offsets to
// zero before exiting.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	cmd := c.cmd
	done := c.procDone
	c.mu.Unlock()

	c.log.Info("stopping adaptive controller")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.log.Warn("failed to signal controller", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(StopTimeout):
		c.log.Warn("controller did not exit gracefully, killing")
		_ = cmd.Process.Kill()
		<-done
	}

	c.finish(ctx, Status{Running: false})
	c.emitter.EmitStatus(ctx, "disabled")
	c.log.Info("adaptive controller stopped")
	return nil
}

// ForceStatus asks the child for an immediate status line.
func (c *Controller) ForceStatus() {
	c.mu.Lock()
	cmd, running := c.cmd, c.running
	c.mu.Unlock()
	if !running || cmd == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGUSR1); err != nil {
		c.log.Warn("failed to request status", zap.Error(err))
	}
}

// finish flips all shared state to stopped and ends the session.
func (c *Controller) finish(ctx context.Context, status Status) {
	c.mu.Lock()
	c.running = false
	c.cmd = nil
	c.status = status
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	c.stream.SetRunning(false)

	if c.sessions != nil && sessionID != "" {
		if metrics := c.sessions.End(sessionID); metrics != nil {
			c.emitter.Emit(ctx, events.Event{Type: "session_ended", Data: map[string]any{
				"session_id": sessionID,
				"metrics":    metrics,
			}})
		}
	}
}

// readOutput consumes the child's stdout line by line until EOF. EOF while
// running (no Stop in flight) means the child crashed: the blackbox window
// is persisted under a reason naming the exit code.
func (c *Controller) readOutput(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("invalid line from controller", zap.ByteString("line", line), zap.Error(err))
			continue
		}
		c.handleMessage(ctx, msg)
	}

	// Reap the child and publish its exit code.
	c.mu.Lock()
	cmd := c.cmd
	done := c.procDone
	stopping := c.stopping
	c.mu.Unlock()

	exitCode := -1
	if cmd != nil {
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		_ = err
	}
	if done != nil {
		close(done)
	}

	if stopping {
		return
	}

	// Unexpected EOF: the child died underneath us.
	c.log.Warn("adaptive controller exited unexpectedly", zap.Int("exit_code", exitCode))
	c.finish(ctx, Status{Running: false, Error: fmt.Sprintf("process exited with code %d", exitCode)})

	if c.blackbox != nil {
		reason := fmt.Sprintf("gymdeck3_crash_code_%d", exitCode)
		if file := c.blackbox.Persist(reason); file != "" {
			c.emitter.Emit(ctx, events.Event{Type: "blackbox_saved", Data: map[string]any{
				"filename": file,
				"reason":   reason,
			}})
		}
	}
	c.emitter.EmitStatus(ctx, "error")
}

// handleMessage dispatches one parsed protocol message.
func (c *Controller) handleMessage(ctx context.Context, msg message) {
	switch msg.Type {
	case "status":
		c.mu.Lock()
		strategy := c.status.Strategy
		c.status = Status{
			Running:  true,
			Strategy: strategy,
			Load:     msg.Load,
			Values:   msg.Values,
			Fan:      msg.Fan,
			PowerW:   msg.PowerW,
		}
		status := c.status
		c.mu.Unlock()

		c.stream.Publish(events.Event{Type: "dynamic_status", Data: status})
		c.recordSamples(ctx, status)

	case "transition":
		c.log.Debug("strategy transition",
			zap.String("from", msg.From), zap.String("to", msg.To),
			zap.Float64("progress", msg.Progress))

	case "error":
		c.log.Error("controller error", zap.String("message", msg.Message))
		c.mu.Lock()
		c.status.Error = msg.Message
		c.mu.Unlock()

	default:
		c.log.Debug("unknown message type from controller", zap.String("type", msg.Type))
	}
}

// recordSamples mirrors a status message into the blackbox ring, the
// telemetry ring, and the active session.
func (c *Controller) recordSamples(ctx context.Context, status Status) {
	var tempC float64
	fanRPM, fanPWM := 0, 0
	if status.Fan != nil {
		tempC = status.Fan.TempC
		fanRPM = status.Fan.RPM
		fanPWM = status.Fan.PWM
	}
	var avgLoad float64
	if len(status.Load) > 0 {
		for _, l := range status.Load {
			avgLoad += l
		}
		avgLoad /= float64(len(status.Load))
	}
	ts := float64(c.now().UnixNano()) / 1e9

	if c.blackbox != nil {
		c.blackbox.Record(blackbox.MetricSample{
			Timestamp:      ts,
			TemperatureC:   tempC,
			CPULoadPercent: avgLoad,
			Offsets:        append([]int{}, status.Values...),
			FanRPM:         fanRPM,
			FanPWM:         fanPWM,
		})
	}

	sample := session.TelemetrySample{
		Timestamp:    ts,
		TemperatureC: tempC,
		PowerW:       status.PowerW,
		LoadPercent:  avgLoad,
	}
	if c.telemetry != nil {
		c.telemetry.Record(sample)
		c.emitter.Emit(ctx, events.Event{Type: "telemetry_sample", Data: sample})
	}
	if c.sessions != nil {
		c.sessions.AddSample(sample)
	}
}

func (c *Controller) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Warn("controller stderr", zap.String("line", scanner.Text()))
	}
}
