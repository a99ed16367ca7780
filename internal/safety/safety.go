// Package safety owns the invariants that keep the machine bootable: it
// clamps every offset to the platform caps, maintains the Last-Known-Good
// record, and drives boot-time crash recovery from the persistent markers
// (tuning flag, binning checkpoint).
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/platform"
	"github.com/decktune/decktune/internal/settings"
)

// Applier programs voltage offsets on the hardware.
type Applier interface {
	Apply(ctx context.Context, offsets []int) error
}

// CrashRecorder receives one record per performed recovery.
type CrashRecorder interface {
	RecordCrash(crashed, restored []int, reason string)
}

// Settings keys owned by this package.
const (
	lkgCoresKey     = "lkg_cores"
	lkgTimestampKey = "lkg_timestamp"
)

// Checkpoint is the persistent binning state used for crash recovery.
// It is written before each iteration so that Active==true at boot means
// the machine went down while a test value was live.
type Checkpoint struct {
	Active       bool   `json:"active"`
	CurrentValue int    `json:"current_value"`
	LastStable   int    `json:"last_stable"`
	Iteration    int    `json:"iteration"`
	FailedValues []int  `json:"failed_values"`
	Timestamp    string `json:"timestamp"`
}

// Manager mediates every hardware write with the platform caps and owns
// the LKG record and the on-disk recovery markers.
type Manager struct {
	store    *settings.Store
	platform platform.Info
	applier  Applier
	recorder CrashRecorder // may be nil
	log      *zap.Logger

	tuningFlagPath string
	checkpointPath string
}

// New creates a safety manager. recorder may be nil.
func New(store *settings.Store, plat platform.Info, applier Applier, recorder CrashRecorder,
	tuningFlagPath, checkpointPath string, log *zap.Logger) *Manager {
	return &Manager{
		store:          store,
		platform:       plat,
		applier:        applier,
		recorder:       recorder,
		log:            log,
		tuningFlagPath: tuningFlagPath,
		checkpointPath: checkpointPath,
	}
}

// Platform returns the detected platform info.
func (m *Manager) Platform() platform.Info { return m.platform }

// ExpertMode reports whether the user has enabled and confirmed the
// extended caps. Both flags must be set: enabling without the explicit
// confirmation keeps the standard limits.
func (m *Manager) ExpertMode() bool {
	var enabled, confirmed bool
	m.store.Get("expert_mode", &enabled)
	m.store.Get("expert_mode_confirmed", &confirmed)
	return enabled && confirmed
}

// EffectiveLimit returns the floor Clamp enforces: the variant safe limit
// normally, the absolute limit in confirmed expert mode.
func (m *Manager) EffectiveLimit() int {
	if m.ExpertMode() {
		return m.platform.AbsoluteLimit()
	}
	return m.platform.SafeLimit
}

// Clamp limits every offset to [EffectiveLimit, 0]. Length is preserved.
func (m *Manager) Clamp(offsets []int) []int {
	limit := m.EffectiveLimit()
	clamped := make([]int, len(offsets))
	for i, v := range offsets {
		switch {
		case v < limit:
			clamped[i] = limit
		case v > 0:
			clamped[i] = 0
		default:
			clamped[i] = v
		}
	}
	return clamped
}

// SaveLKG persists offsets as the new Last-Known-Good record.
// Readers after the call see the new value.
func (m *Manager) SaveLKG(offsets []int) bool {
	ok := m.store.Save(lkgCoresKey, offsets)
	m.store.Save(lkgTimestampKey, time.Now().Format(time.RFC3339))
	if ok {
		m.log.Info("saved LKG values", zap.Ints("offsets", offsets))
	}
	return ok
}

// LoadLKG returns the persisted LKG offsets, or all zeros when absent or
// malformed.
func (m *Manager) LoadLKG() []int {
	var lkg []int
	if m.store.Get(lkgCoresKey, &lkg) && len(lkg) == 4 {
		return lkg
	}
	return []int{0, 0, 0, 0}
}

// RollbackToLKG applies the persisted LKG values immediately.
func (m *Manager) RollbackToLKG(ctx context.Context) error {
	lkg := m.LoadLKG()
	if err := m.applier.Apply(ctx, lkg); err != nil {
		m.log.Error("failed to rollback to LKG", zap.Ints("lkg", lkg), zap.Error(err))
		return fmt.Errorf("rollback to LKG: %w", err)
	}
	m.log.Info("rolled back to LKG values", zap.Ints("lkg", lkg))
	return nil
}

// --- Tuning flag: zero-byte sentinel for in-progress risky applies ---

// CreateTuningFlag marks a risky apply as in progress. Best effort.
func (m *Manager) CreateTuningFlag() {
	f, err := os.OpenFile(m.tuningFlagPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		m.log.Warn("failed to create tuning flag", zap.Error(err))
		return
	}
	f.Close()
}

// RemoveTuningFlag clears the marker after a graceful completion.
func (m *Manager) RemoveTuningFlag() {
	if err := os.Remove(m.tuningFlagPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove tuning flag", zap.Error(err))
	}
}

// HasTuningFlag reports whether a tuning operation was in progress when
// the process last died.
func (m *Manager) HasTuningFlag() bool {
	_, err := os.Stat(m.tuningFlagPath)
	return err == nil
}

// --- Binning checkpoint ---

// WriteCheckpoint persists the binning state before an iteration runs.
// Overwrites any previous checkpoint. Failures are logged, never fatal.
func (m *Manager) WriteCheckpoint(currentValue, lastStable, iteration int, failedValues []int) {
	cp := Checkpoint{
		Active:       true,
		CurrentValue: currentValue,
		LastStable:   lastStable,
		Iteration:    iteration,
		FailedValues: failedValues,
		Timestamp:    time.Now().Format(time.RFC3339),
	}
	if cp.FailedValues == nil {
		cp.FailedValues = []int{}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		m.log.Warn("failed to encode binning checkpoint", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.checkpointPath, data, 0o644); err != nil {
		m.log.Warn("failed to write binning checkpoint", zap.Error(err))
		return
	}
	m.log.Debug("wrote binning checkpoint",
		zap.Int("iteration", iteration), zap.Int("current", currentValue), zap.Int("last_stable", lastStable))
}

// LoadCheckpoint returns the persisted binning state, or nil when absent,
// corrupt, or missing required fields.
func (m *Manager) LoadCheckpoint() *Checkpoint {
	data, err := os.ReadFile(m.checkpointPath)
	if err != nil {
		return nil
	}
	// Required fields are verified via a raw map so that a truncated or
	// hand-edited file is treated as absent rather than half-parsed.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		m.log.Warn("binning checkpoint corrupted", zap.Error(err))
		return nil
	}
	for _, field := range []string{"active", "current_value", "last_stable", "iteration", "failed_values", "timestamp"} {
		if _, ok := raw[field]; !ok {
			m.log.Warn("binning checkpoint missing field", zap.String("field", field))
			return nil
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.log.Warn("binning checkpoint corrupted", zap.Error(err))
		return nil
	}
	return &cp
}

// ClearCheckpoint removes the checkpoint after completion or cancellation.
func (m *Manager) ClearCheckpoint() {
	if err := os.Remove(m.checkpointPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to clear binning checkpoint", zap.Error(err))
	}
}

// CheckBootRecovery examines both persistent markers and performs the
// corresponding recovery. Called once at startup. The binning branch runs
// first: the last stable value of an interrupted run may be deeper than the
// long-term LKG, and restoring it preserves the session's progress.
// Returns true when at least one branch fired. Never fails: each branch
// logs its own errors and the other still runs.
func (m *Manager) CheckBootRecovery(ctx context.Context) bool {
	performed := false

	if cp := m.LoadCheckpoint(); cp != nil && cp.Active {
		m.log.Warn("binning crash detected",
			zap.Int("failed_value", cp.CurrentValue), zap.Int("restoring", cp.LastStable))

		restored := []int{cp.LastStable, cp.LastStable, cp.LastStable, cp.LastStable}
		if err := m.applier.Apply(ctx, restored); err != nil {
			m.log.Error("binning recovery failed to restore last stable", zap.Error(err))
		} else if m.recorder != nil {
			crashed := []int{cp.CurrentValue, cp.CurrentValue, cp.CurrentValue, cp.CurrentValue}
			m.recorder.RecordCrash(crashed, restored, "boot_recovery_binning")
		}
		m.ClearCheckpoint()
		performed = true
	}

	if m.HasTuningFlag() {
		m.log.Warn("tuning flag detected on boot, performing recovery")
		m.RemoveTuningFlag()

		var crashed []int
		if !m.store.Get("cores", &crashed) || len(crashed) != 4 {
			crashed = []int{0, 0, 0, 0}
		}
		restored := m.LoadLKG()
		if err := m.RollbackToLKG(ctx); err != nil {
			m.log.Error("boot recovery rollback failed", zap.Error(err))
		} else if m.recorder != nil {
			m.recorder.RecordCrash(crashed, restored, "boot_recovery")
		}
		performed = true
	}

	return performed
}
