package gamewatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/settings"
)

type fakeApplier struct {
	mu       sync.Mutex
	applied  [][]int
	disabled int
}

func (f *fakeApplier) Apply(_ context.Context, offsets []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]int, len(offsets))
	copy(cp, offsets)
	f.applied = append(f.applied, cp)
	return nil
}

func (f *fakeApplier) Disable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled++
	return nil
}

func (f *fakeApplier) lastApplied() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return f.applied[len(f.applied)-1]
}

type statusEmitter struct {
	mu       sync.Mutex
	statuses []string
}

func (s *statusEmitter) EmitStatus(_ context.Context, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}
func (s *statusEmitter) Emit(context.Context, events.Event) {}

func (s *statusEmitter) Statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.statuses...)
}

func newGameOnly(t *testing.T) (*GameOnly, *fakeApplier, *settings.Store, *statusEmitter) {
	t.Helper()
	f := newFixture(t)
	store, err := settings.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	applier := &fakeApplier{}
	emitter := &statusEmitter{}
	g := NewGameOnly(applier, store, emitter, f.steamApps, f.procRoot, zap.NewNop())
	return g, applier, store, emitter
}

func TestApplyProfileFromCoresSetting(t *testing.T) {
	g, applier, store, emitter := newGameOnly(t)
	g.enabled = true
	require.True(t, store.Save("cores", []int{-15, -15, -15, -15}))

	g.onGameStart(context.Background(), 620)
	assert.Equal(t, []int{-15, -15, -15, -15}, applier.lastApplied())
	assert.Contains(t, emitter.Statuses(), "enabled")
}

func TestWizardPresetTakesPriority(t *testing.T) {
	g, applier, store, _ := newGameOnly(t)
	g.enabled = true
	require.True(t, store.Save("cores", []int{-15, -15, -15, -15}))
	require.True(t, store.Save("wizard_presets", []map[string]any{
		{"name": "not game only", "game_only_mode": false, "offsets": map[string]any{"cpu": []int{-5, -5, -5, -5}}},
		{"name": "mine", "game_only_mode": true, "offsets": map[string]any{"cpu": []int{-22, -22, -22, -22}}},
	}))

	g.onGameStart(context.Background(), 620)
	assert.Equal(t, []int{-22, -22, -22, -22}, applier.lastApplied())
}

func TestFrequencyWizardPresetUnimplemented(t *testing.T) {
	g, applier, store, emitter := newGameOnly(t)
	g.enabled = true
	require.True(t, store.Save("frequency_wizard_presets", []map[string]any{
		{"name": "freq", "game_only_mode": true},
	}))

	g.onGameStart(context.Background(), 620)
	assert.Nil(t, applier.lastApplied(), "unimplemented path must not touch hardware")
	assert.Contains(t, emitter.Statuses(), "error")
}

func TestAllZeroProfileSkipped(t *testing.T) {
	g, applier, store, _ := newGameOnly(t)
	g.enabled = true
	require.True(t, store.Save("cores", []int{0, 0, 0, 0}))

	g.onGameStart(context.Background(), 620)
	assert.Nil(t, applier.lastApplied())
}

func TestNoProfileSkipped(t *testing.T) {
	g, applier, _, _ := newGameOnly(t)
	g.enabled = true
	g.onGameStart(context.Background(), 620)
	assert.Nil(t, applier.lastApplied())
}

func TestGameExitResets(t *testing.T) {
	g, applier, _, emitter := newGameOnly(t)
	g.enabled = true

	g.onGameExit(context.Background())
	assert.Equal(t, 1, applier.disabled)
	assert.Contains(t, emitter.Statuses(), "disabled")
}

func TestDisabledControllerIgnoresHooks(t *testing.T) {
	g, applier, store, _ := newGameOnly(t)
	require.True(t, store.Save("cores", []int{-15, -15, -15, -15}))

	g.onGameStart(context.Background(), 620)
	g.onGameExit(context.Background())
	assert.Nil(t, applier.lastApplied())
	assert.Zero(t, applier.disabled)
}

func TestEnableDisableLifecycle(t *testing.T) {
	g, applier, _, _ := newGameOnly(t)

	g.Enable(context.Background())
	assert.True(t, g.Enabled())
	assert.True(t, g.Monitor().Running())

	g.Disable(context.Background())
	assert.False(t, g.Enabled())
	assert.False(t, g.Monitor().Running())
	assert.Equal(t, 1, applier.disabled, "disable resets the undervolt")
}
