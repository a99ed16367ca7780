package binning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/platform"
	"github.com/decktune/decktune/internal/safety"
	"github.com/decktune/decktune/internal/settings"
)

type fakeApplier struct {
	applied [][]int
}

func (f *fakeApplier) Apply(_ context.Context, offsets []int) error {
	cp := make([]int, len(offsets))
	copy(cp, offsets)
	f.applied = append(f.applied, cp)
	return nil
}

// scriptedRunner returns verdicts per tested value and records checkpoints
// seen at test time.
type scriptedRunner struct {
	verdict     func(value int) bool
	engine      *Engine
	sfty        *safety.Manager
	checkpoints []safety.Checkpoint
	applier     *fakeApplier
	cancelAfter int // cancel the engine after N tests; 0 = never
	tests       int
}

func (r *scriptedRunner) Run(_ context.Context, _ time.Duration) (bool, error) {
	r.tests++
	// The value under test is the last applied offset.
	value := r.applier.applied[len(r.applier.applied)-1][0]

	if cp := r.sfty.LoadCheckpoint(); cp != nil {
		r.checkpoints = append(r.checkpoints, *cp)
	}
	if r.cancelAfter != 0 && r.tests >= r.cancelAfter {
		r.engine.Cancel()
	}
	return r.verdict(value), nil
}

type binHarness struct {
	engine  *Engine
	applier *fakeApplier
	runner  *scriptedRunner
	sfty    *safety.Manager
}

func newEngine(t *testing.T, safeLimit int, verdict func(int) bool) *binHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := settings.NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	applier := &fakeApplier{}
	plat := platform.Info{Variant: platform.VariantLCD, SafeLimit: safeLimit}
	sfty := safety.New(store, plat, applier, nil,
		filepath.Join(dir, "flag"), filepath.Join(dir, "checkpoint.json"), zap.NewNop())

	runner := &scriptedRunner{verdict: verdict, sfty: sfty, applier: applier}
	engine := New(applier, runner, sfty, events.Nop{}, zap.NewNop())
	runner.engine = engine
	return &binHarness{engine: engine, applier: applier, runner: runner, sfty: sfty}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.TestDuration = time.Millisecond
	return cfg
}

func testedValues(applier *fakeApplier) []int {
	var out []int
	for _, set := range applier.applied {
		out = append(out, set[0])
	}
	return out
}

func TestDescentSequenceAllPass(t *testing.T) {
	h := newEngine(t, -1000, func(int) bool { return true })

	cfg := fastConfig()
	cfg.MaxIterations = 5
	res, err := h.engine.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []int{-10, -15, -20, -25, -30}, testedValues(h.applier))
	assert.Equal(t, -30, res.MaxStable)
	assert.Equal(t, -25, res.Recommended)
	assert.Equal(t, 5, res.Iterations)
	assert.True(t, res.Aborted, "hitting max iterations counts as aborted")
}

func TestStopsAtSafeLimit(t *testing.T) {
	h := newEngine(t, -20, func(int) bool { return true })

	res, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)

	// -10, -15, -20 tested; -25 is below the cap and never applied.
	assert.Equal(t, []int{-10, -15, -20}, testedValues(h.applier))
	assert.Equal(t, -20, res.MaxStable)
	assert.Equal(t, -15, res.Recommended)
	assert.True(t, res.Aborted)
}

func TestStopsOnFirstFailure(t *testing.T) {
	h := newEngine(t, -1000, func(v int) bool { return v > -20 })

	res, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)

	assert.Equal(t, []int{-10, -15, -20}, testedValues(h.applier))
	assert.Equal(t, -15, res.MaxStable)
	assert.Equal(t, -10, res.Recommended)
	assert.Equal(t, 3, res.Iterations)
	assert.False(t, res.Aborted, "a first-failure stop is a normal completion")
}

func TestImmediateFailure(t *testing.T) {
	h := newEngine(t, -1000, func(int) bool { return false })

	res, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)

	assert.Equal(t, 0, res.MaxStable)
	assert.Equal(t, SafetyMargin, res.Recommended)
	assert.Equal(t, 1, res.Iterations)
}

func TestCheckpointNamesValueUnderTest(t *testing.T) {
	h := newEngine(t, -1000, func(v int) bool { return v > -25 })

	_, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)

	require.Len(t, h.runner.checkpoints, 4)
	wantCurrent := []int{-10, -15, -20, -25}
	wantStable := []int{0, -10, -15, -20}
	for i, cp := range h.runner.checkpoints {
		assert.True(t, cp.Active)
		assert.Equal(t, wantCurrent[i], cp.CurrentValue, "checkpoint names the value about to be tested")
		assert.Equal(t, wantStable[i], cp.LastStable)
		assert.Equal(t, i+1, cp.Iteration)
	}
}

func TestCheckpointClearedOnCompletion(t *testing.T) {
	h := newEngine(t, -1000, func(v int) bool { return v > -15 })

	_, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)
	assert.Nil(t, h.sfty.LoadCheckpoint())
}

func TestCancelRestoresPreviousLKG(t *testing.T) {
	h := newEngine(t, -1000, func(int) bool { return true })
	require.True(t, h.sfty.SaveLKG([]int{-5, -5, -5, -5}))
	h.runner.cancelAfter = 2

	res, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 2, res.Iterations)

	// Final apply undoes the in-flight value.
	assert.Equal(t, []int{-5, -5, -5, -5}, h.applier.applied[len(h.applier.applied)-1])
	assert.Nil(t, h.sfty.LoadCheckpoint())
	assert.False(t, h.engine.Running())
}

func TestRejectsConcurrentRun(t *testing.T) {
	h := newEngine(t, -1000, func(int) bool { return true })
	h.engine.mu.Lock()
	h.engine.running = true
	h.engine.mu.Unlock()

	_, err := h.engine.Run(context.Background(), fastConfig())
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"positive start", func(c *Config) { c.StartValue = 5 }},
		{"zero step", func(c *Config) { c.StepSize = 0 }},
		{"negative step", func(c *Config) { c.StepSize = -5 }},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestEachIterationAppliesAllFourCores(t *testing.T) {
	h := newEngine(t, -1000, func(v int) bool { return v > -15 })
	_, err := h.engine.Run(context.Background(), fastConfig())
	require.NoError(t, err)

	for _, set := range h.applier.applied {
		require.Len(t, set, 4)
		assert.Equal(t, set[0], set[1])
		assert.Equal(t, set[0], set[2])
		assert.Equal(t, set[0], set[3])
	}
}
