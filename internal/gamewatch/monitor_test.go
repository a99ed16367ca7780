package gamewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixture builds fake steamapps and proc trees.
type fixture struct {
	steamApps string
	procRoot  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		steamApps: filepath.Join(dir, "steamapps"),
		procRoot:  filepath.Join(dir, "proc"),
	}
	require.NoError(t, os.MkdirAll(f.steamApps, 0o755))
	require.NoError(t, os.MkdirAll(f.procRoot, 0o755))
	return f
}

func (f *fixture) writeManifest(t *testing.T, appID, stateFlags int) {
	t.Helper()
	content := fmt.Sprintf("\"AppState\"\n{\n\t\"appid\"\t\t\"%d\"\n\t\"StateFlags\"\t\t\"%d\"\n}\n", appID, stateFlags)
	path := filepath.Join(f.steamApps, fmt.Sprintf("appmanifest_%d.acf", appID))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) removeManifest(t *testing.T, appID int) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(f.steamApps, fmt.Sprintf("appmanifest_%d.acf", appID))))
}

func (f *fixture) writeProc(t *testing.T, pid int, argv ...string) {
	t.Helper()
	dir := filepath.Join(f.procRoot, fmt.Sprintf("%d", pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cmdline := ""
	for _, a := range argv {
		cmdline += a + "\x00"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
}

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	starts []int
	exits  int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnGameStart: func(_ context.Context, appID int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.starts = append(r.starts, appID)
		},
		OnGameExit: func(context.Context) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exits++
		},
	}
}

func (r *recorder) snapshot() ([]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int{}, r.starts...), r.exits
}

func newTestMonitor(t *testing.T, f *fixture, rec *recorder) *Monitor {
	t.Helper()
	m := NewMonitor(f.steamApps, f.procRoot, rec.callbacks(), zap.NewNop())
	m.pollInterval = 20 * time.Millisecond
	m.debounce = 5 * time.Millisecond
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDetectFromManifest(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, &recorder{})

	f.writeManifest(t, 1091500, 4) // installed, not running
	_, ok := m.detect()
	assert.False(t, ok)

	f.writeManifest(t, 1091500, 6) // running bit set
	id, ok := m.detect()
	require.True(t, ok)
	assert.Equal(t, 1091500, id)
}

func TestDetectFromProc(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, &recorder{})

	f.writeProc(t, 1234, "/usr/bin/bash", "-c", "sleep")
	_, ok := m.detect()
	assert.False(t, ok)

	f.writeProc(t, 2345, "/home/deck/.steam/steam/ubuntu12_32/steam", "-applaunch", "620")
	id, ok := m.detect()
	require.True(t, ok)
	assert.Equal(t, 620, id)
}

func TestDetectManifestWinsOverProc(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, &recorder{})

	f.writeManifest(t, 100, 6)
	f.writeProc(t, 10, "steam", "-applaunch", "200")

	id, ok := m.detect()
	require.True(t, ok)
	assert.Equal(t, 100, id)
}

func TestStartExitTransitions(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	m := newTestMonitor(t, f, rec)

	m.Start(context.Background())
	defer m.Stop()

	f.writeManifest(t, 620, 6)
	waitFor(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	})
	starts, _ := rec.snapshot()
	assert.Equal(t, []int{620}, starts)

	id, ok := m.CurrentAppID()
	require.True(t, ok)
	assert.Equal(t, 620, id)

	f.removeManifest(t, 620)
	waitFor(t, func() bool {
		_, exits := rec.snapshot()
		return exits == 1
	})
	_, ok = m.CurrentAppID()
	assert.False(t, ok)
}

func TestGameChangeFiresExitThenStart(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	m := newTestMonitor(t, f, rec)

	f.writeManifest(t, 620, 6)
	m.Start(context.Background()) // initial game recorded without callback
	defer m.Stop()

	f.removeManifest(t, 620)
	f.writeManifest(t, 990, 6)

	waitFor(t, func() bool {
		starts, exits := rec.snapshot()
		return len(starts) == 1 && exits == 1
	})
	starts, _ := rec.snapshot()
	assert.Equal(t, []int{990}, starts)
}

func TestStartupDetectionDoesNotFireCallback(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	m := newTestMonitor(t, f, rec)

	f.writeManifest(t, 620, 6)
	m.Start(context.Background())
	defer m.Stop()

	id, ok := m.CurrentAppID()
	require.True(t, ok)
	assert.Equal(t, 620, id)

	time.Sleep(100 * time.Millisecond)
	starts, exits := rec.snapshot()
	assert.Empty(t, starts, "no callback for the game already running at startup")
	assert.Zero(t, exits)
}

func TestDebounceSuppressesFlicker(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	m := newTestMonitor(t, f, rec)
	m.debounce = 50 * time.Millisecond

	m.Start(context.Background())
	defer m.Stop()

	// Let the first (immediate) poll pass before flickering.
	time.Sleep(30 * time.Millisecond)

	// A manifest that flips to running and back within the debounce window
	// must not trigger the start callback.
	f.writeManifest(t, 620, 6)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.writeManifest(t, 620, 4)
	}()

	time.Sleep(300 * time.Millisecond)
	starts, _ := rec.snapshot()
	assert.Empty(t, starts, "flicker shorter than the debounce must not fire")
}

func TestStopResetsState(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	m := newTestMonitor(t, f, rec)

	f.writeManifest(t, 620, 6)
	m.Start(context.Background())
	m.Stop()

	assert.False(t, m.Running())
	_, ok := m.CurrentAppID()
	assert.False(t, ok)
}

func TestCallbackPanicDoesNotKillLoop(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.steamApps, f.procRoot, Callbacks{
		OnGameStart: func(context.Context, int) { panic("bad hook") },
	}, zap.NewNop())
	m.pollInterval = 10 * time.Millisecond
	m.debounce = time.Millisecond

	m.Start(context.Background())
	defer m.Stop()

	f.writeManifest(t, 620, 6)
	waitFor(t, func() bool {
		_, ok := m.CurrentAppID()
		return ok
	})
	assert.True(t, m.Running())
}
