package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newStore(t)

	require.True(t, s.Save("lkg_cores", []int{-20, -20, -20, -20}))

	var cores []int
	require.True(t, s.Get("lkg_cores", &cores))
	assert.Equal(t, []int{-20, -20, -20, -20}, cores)

	var missing string
	assert.False(t, s.Get("nope", &missing))
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.True(t, s1.Save("expert_mode", true))

	s2, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	var expert bool
	require.True(t, s2.Get("expert_mode", &expert))
	assert.True(t, expert)
}

func TestReservedKeysRejected(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Save("_migration_completed", true))
	assert.False(t, s.Save("_settings_version", 2))

	var v bool
	assert.False(t, s.Get("_migration_completed", &v))
}

func TestKeysFiltersReserved(t *testing.T) {
	dir := t.TempDir()
	// Simulate a file written by the migration layer containing internal flags.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"_migration_completed": true, "cores": [0,0,0,0]}`), 0o644))

	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"cores"}, s.Keys())
}

func TestCorruptMainFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte("{broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json.backup"),
		[]byte(`{"cores": [-10,-10,-10,-10]}`), 0o644))

	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	var cores []int
	require.True(t, s.Get("cores", &cores))
	assert.Equal(t, []int{-10, -10, -10, -10}, cores)

	// The backup was promoted back to the main file.
	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "cores")
}

func TestCorruptBothStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json.backup"), []byte("y"), 0o644))

	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	var v any
	assert.False(t, s.Get("anything", &v))
	assert.True(t, s.Save("anything", 1))
}

func TestBackupWrittenBeforeOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	require.True(t, s.Save("status", "disabled"))
	require.True(t, s.Save("status", "enabled"))

	backup, err := os.ReadFile(filepath.Join(dir, "settings.json.backup"))
	require.NoError(t, err)
	assert.Contains(t, string(backup), "disabled")

	main, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "enabled")
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	require.True(t, s.Save("cores", []int{0, 0, 0, 0}))
	require.True(t, s.Delete("cores"))

	var cores []int
	assert.False(t, s.Get("cores", &cores))
	assert.True(t, s.Delete("cores"), "deleting an absent key succeeds")
}
