// Package gamewatch detects Steam game launches and exits so profiles
// can follow the game lifecycle. Detection polls two sources: Steam's
// appmanifest state files and the process table.
package gamewatch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how often game state is re-checked.
	DefaultPollInterval = 2 * time.Second

	// DebounceDelay holds back a game-start callback so a transient
	// flicker in the state files does not trigger profile application.
	DebounceDelay = 500 * time.Millisecond
)

// StateFlags bit indicating a running app in an appmanifest file.
const stateFlagRunning = 0x2

var (
	manifestNameRe = regexp.MustCompile(`^appmanifest_(\d+)\.acf$`)
	stateFlagsRe   = regexp.MustCompile(`"StateFlags"\s+"(\d+)"`)
)

// Callbacks receive game lifecycle transitions. Both run with a bounded
// context; a panic inside either is caught by the poll loop.
type Callbacks struct {
	OnGameStart func(ctx context.Context, appID int)
	OnGameExit  func(ctx context.Context)
}

// Monitor polls Steam state and fires callbacks on transitions.
type Monitor struct {
	steamAppsDir string
	procRoot     string
	pollInterval time.Duration
	debounce     time.Duration
	callbacks    Callbacks
	log          *zap.Logger

	mu        sync.Mutex
	running   bool
	currentID int
	hasGame   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a Monitor. steamAppsDir defaults to
// ~/.steam/steam/steamapps and procRoot to /proc when empty.
func NewMonitor(steamAppsDir, procRoot string, callbacks Callbacks, log *zap.Logger) *Monitor {
	if steamAppsDir == "" {
		home, _ := os.UserHomeDir()
		steamAppsDir = filepath.Join(home, ".steam", "steam", "steamapps")
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Monitor{
		steamAppsDir: steamAppsDir,
		procRoot:     procRoot,
		pollInterval: DefaultPollInterval,
		debounce:     DebounceDelay,
		callbacks:    callbacks,
		log:          log,
	}
}

// SetPollInterval overrides the poll cadence. Takes effect on the next
// Start.
func (m *Monitor) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// CurrentAppID returns the detected running app, if any.
func (m *Monitor) CurrentAppID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasGame {
		return 0, false
	}
	return m.currentID, true
}

// Start detects the initial state (without firing callbacks) and begins
// polling for transitions.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn("game monitor already running")
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	// Startup detection records state only; callbacks fire on transitions.
	if id, ok := m.detect(); ok {
		m.log.Info("game detected on startup", zap.Int("app_id", id))
		m.hasGame = true
		m.currentID = id
	} else {
		m.hasGame = false
		m.currentID = 0
	}
	m.mu.Unlock()

	go m.poll(ctx)
	m.log.Info("game monitor started", zap.Duration("interval", m.pollInterval))
}

// Stop cancels the poll loop and resets detected state.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.hasGame = false
	m.currentID = 0
	m.mu.Unlock()
	m.log.Info("game monitor stopped")
}

func (m *Monitor) poll(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	firstPoll := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.step(ctx, firstPoll)
		firstPoll = false
	}
}

// step performs one detection round and fires transition callbacks.
// Callback panics are contained so a bad hook cannot kill the loop.
func (m *Monitor) step(ctx context.Context, firstPoll bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in game state callback", zap.Any("panic", r))
		}
	}()

	detectedID, detected := m.detect()

	m.mu.Lock()
	hadGame, prevID := m.hasGame, m.currentID
	m.mu.Unlock()

	switch {
	case detected && !hadGame:
		// A new launch is debounced so manifest flicker does not trigger
		// profile churn. The first poll after Start reacts immediately.
		if !firstPoll && !m.confirm(ctx, detectedID) {
			return
		}
		m.setState(true, detectedID)
		m.log.Info("game started", zap.Int("app_id", detectedID))
		m.fireStart(ctx, detectedID)

	case !detected && hadGame:
		m.setState(false, 0)
		m.log.Info("game exited", zap.Int("app_id", prevID))
		m.fireExit(ctx)

	case detected && hadGame && detectedID != prevID:
		m.setState(true, detectedID)
		m.log.Info("game changed", zap.Int("from", prevID), zap.Int("to", detectedID))
		m.fireExit(ctx)
		m.fireStart(ctx, detectedID)
	}
}

// confirm waits the debounce delay and re-detects; the start only counts
// if the same app is still reported.
func (m *Monitor) confirm(ctx context.Context, appID int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.debounce):
	}
	id, ok := m.detect()
	return ok && id == appID
}

func (m *Monitor) setState(hasGame bool, id int) {
	m.mu.Lock()
	m.hasGame = hasGame
	m.currentID = id
	m.mu.Unlock()
}

func (m *Monitor) fireStart(ctx context.Context, appID int) {
	if m.callbacks.OnGameStart != nil {
		m.callbacks.OnGameStart(ctx, appID)
	}
}

func (m *Monitor) fireExit(ctx context.Context) {
	if m.callbacks.OnGameExit != nil {
		m.callbacks.OnGameExit(ctx)
	}
}

// detect tries the appmanifest files first, then the process table.
func (m *Monitor) detect() (int, bool) {
	if id, ok := m.detectFromManifests(); ok {
		return id, true
	}
	return m.detectFromProc()
}

// detectFromManifests scans appmanifest_<appid>.acf files for one whose
// StateFlags carries the running bit. First match wins.
func (m *Monitor) detectFromManifests() (int, bool) {
	entries, err := os.ReadDir(m.steamAppsDir)
	if err != nil {
		return 0, false
	}

	for _, entry := range entries {
		match := manifestNameRe.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		appID, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.steamAppsDir, entry.Name()))
		if err != nil {
			continue
		}
		flagsMatch := stateFlagsRe.FindSubmatch(data)
		if flagsMatch == nil {
			continue
		}
		flags, err := strconv.Atoi(string(flagsMatch[1]))
		if err != nil {
			continue
		}
		if flags&stateFlagRunning != 0 {
			return appID, true
		}
	}
	return 0, false
}

// detectFromProc scans the process table for a steam process launched
// with -applaunch <appid>.
func (m *Monitor) detectFromProc() (int, bool) {
	entries, err := os.ReadDir(m.procRoot)
	if err != nil {
		return 0, false
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.procRoot, strconv.Itoa(pid), "cmdline"))
		if err != nil {
			continue
		}
		args := strings.Split(string(data), "\x00")
		if len(args) == 0 || !strings.Contains(strings.ToLower(args[0]), "steam") {
			continue
		}
		for i, arg := range args {
			if arg == "-applaunch" && i+1 < len(args) {
				if appID, err := strconv.Atoi(args[i+1]); err == nil {
					return appID, true
				}
			}
		}
	}
	return 0, false
}
