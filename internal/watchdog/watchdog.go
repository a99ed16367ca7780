// Package watchdog detects hard hangs through a file-based heartbeat and
// drives the recovery response. The main loop proves liveness by writing
// the heartbeat; the monitor goroutine only ever reads it. A stale
// heartbeat means the machine locked up under the current offsets.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/safety"
)

const (
	// HeartbeatInterval is how often the heartbeat is written and checked.
	HeartbeatInterval = 5 * time.Second

	// Timeout is the staleness threshold that triggers recovery.
	Timeout = 30 * time.Second
)

// Persister saves the blackbox ring before a rollback decision.
type Persister interface {
	Persist(reason string) string
}

// Watchdog monitors the heartbeat file and triggers progressive recovery
// (or a direct LKG rollback) on staleness.
type Watchdog struct {
	heartbeatPath string
	safety        *safety.Manager
	recovery      *safety.Recovery // may be nil: direct rollback then
	blackbox      Persister        // may be nil
	log           *zap.Logger

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	count   int
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watchdog. recovery and blackbox may be nil.
func New(heartbeatPath string, sfty *safety.Manager, recovery *safety.Recovery,
	blackbox Persister, log *zap.Logger) *Watchdog {
	return &Watchdog{
		heartbeatPath: heartbeatPath,
		safety:        sfty,
		recovery:      recovery,
		blackbox:      blackbox,
		log:           log,
		interval:      HeartbeatInterval,
		timeout:       Timeout,
		now:           time.Now,
	}
}

// Running reports whether the monitor loop is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// HeartbeatCount returns the number of heartbeats written since Start.
func (w *Watchdog) HeartbeatCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// WriteHeartbeat stamps the heartbeat file with the current epoch second.
// Called from the main loop; a hung loop stops calling it, which is
// exactly what the monitor detects. Also forwards the beat to progressive
// recovery so a pending reduction can be confirmed.
func (w *Watchdog) WriteHeartbeat() {
	if err := os.WriteFile(w.heartbeatPath,
		[]byte(strconv.FormatInt(w.now().Unix(), 10)), 0o644); err != nil {
		w.log.Warn("failed to write heartbeat", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.count++
	w.mu.Unlock()

	if w.recovery != nil && w.recovery.IsRecovering() {
		if w.recovery.OnHeartbeat() {
			w.log.Info("progressive recovery confirmed stability after heartbeat")
		}
	}
}

// ReadHeartbeat parses the heartbeat file.
func (w *Watchdog) ReadHeartbeat() (time.Time, error) {
	data, err := os.ReadFile(w.heartbeatPath)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed heartbeat: %w", err)
	}
	return time.Unix(int64(secs), 0), nil
}

// IsStale reports whether the heartbeat is older than the timeout.
// A missing or malformed heartbeat counts as stale.
func (w *Watchdog) IsStale() bool {
	last, err := w.ReadHeartbeat()
	if err != nil {
		return true
	}
	return w.now().Sub(last) >= w.timeout
}

// ClearHeartbeat removes the heartbeat file.
func (w *Watchdog) ClearHeartbeat() {
	if err := os.Remove(w.heartbeatPath); err != nil && !os.IsNotExist(err) {
		w.log.Warn("failed to clear heartbeat file", zap.Error(err))
	}
}

// Start writes an initial heartbeat and spawns the monitor loop.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Warn("watchdog already running")
		return
	}
	w.running = true
	w.count = 0
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	if w.recovery != nil {
		w.recovery.Reset()
	}
	w.WriteHeartbeat()

	go w.monitor(ctx)
	w.log.Info("watchdog started")
}

// Stop cancels the monitor loop and removes the heartbeat file.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.ClearHeartbeat()
	if w.recovery != nil {
		w.recovery.Reset()
	}
	w.log.Info("watchdog stopped")
}

func (w *Watchdog) monitor(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !w.Running() {
			return
		}
		if !w.IsStale() {
			continue
		}

		w.log.Warn("heartbeat stale, triggering rollback",
			zap.Duration("timeout", w.timeout))
		w.triggerRollback(ctx)

		// A reduction is in flight: keep watching to either confirm
		// stability or escalate. Anything else ends the monitor.
		if w.recovery != nil && w.recovery.IsRecovering() {
			w.log.Info("progressive recovery in progress, continuing monitoring")
			continue
		}

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.ClearHeartbeat()
		return
	}
}

// triggerRollback persists the blackbox window, then lets progressive
// recovery decide the response (direct LKG rollback when unconfigured).
// A panicking collaborator must not kill the safety plane, hence the
// recover.
func (w *Watchdog) triggerRollback(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic during rollback, falling back to direct LKG rollback",
				zap.Any("panic", r))
			if err := w.safety.RollbackToLKG(ctx); err != nil {
				w.log.Error("direct rollback failed", zap.Error(err))
			}
		}
	}()

	if w.blackbox != nil {
		if file := w.blackbox.Persist("watchdog_timeout"); file != "" {
			w.log.Info("blackbox persisted on instability", zap.String("file", file))
		}
	}

	if w.recovery == nil {
		if err := w.safety.RollbackToLKG(ctx); err != nil {
			w.log.Error("watchdog rollback failed", zap.Error(err))
		}
		return
	}

	stage, err := w.recovery.OnInstability(ctx)
	if err != nil {
		w.log.Error("progressive recovery failed", zap.Error(err))
		return
	}
	w.log.Warn("progressive recovery acted", zap.Stringer("stage", stage))
}
