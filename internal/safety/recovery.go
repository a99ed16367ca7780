package safety

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Recovery stage constants.
const (
	// ReductionStep is added to every core offset on the first recovery
	// attempt (offsets move toward 0 by this many millivolts).
	ReductionStep = 5

	// StabilityHeartbeats is how many consecutive heartbeats must arrive in
	// the Reduced stage before the reduction is confirmed as the new LKG.
	StabilityHeartbeats = 2
)

// Stage identifies the progressive-recovery state.
type Stage int

const (
	StageInitial Stage = iota
	StageReduced
	StageRolledBack
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "initial"
	case StageReduced:
		return "reduced"
	case StageRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Recovery is the two-step reduce-then-observe response to detected
// instability. The first instability reduces the live offsets by
// ReductionStep toward zero and waits; two clean heartbeats confirm the
// reduction as the new LKG, while a second instability escalates to a full
// rollback to the previous LKG.
type Recovery struct {
	safety  *Manager
	current func() []int // live offsets at the moment instability hits
	log     *zap.Logger

	mu         sync.Mutex
	stage      Stage
	original   []int
	reduced    []int
	heartbeats int
}

// NewRecovery creates a Recovery. current returns the offsets applied at
// the time instability is observed (typically the active profile).
func NewRecovery(safety *Manager, current func() []int, log *zap.Logger) *Recovery {
	return &Recovery{safety: safety, current: current, log: log}
}

// Stage returns the current recovery stage.
func (r *Recovery) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// IsRecovering reports whether the system sits in the Reduced stage,
// awaiting stability confirmation.
func (r *Recovery) IsRecovering() bool {
	return r.Stage() == StageReduced
}

// ReducedValues returns the offsets applied by the last reduction, or nil.
func (r *Recovery) ReducedValues() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reduced == nil {
		return nil
	}
	out := make([]int, len(r.reduced))
	copy(out, r.reduced)
	return out
}

// Reset returns the state machine to Initial. Called when the watchdog
// starts or stops.
func (r *Recovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = StageInitial
	r.original = nil
	r.reduced = nil
	r.heartbeats = 0
}

// OnInstability reacts to a detected instability. From Initial it reduces
// the live offsets; from Reduced it escalates to a full LKG rollback; from
// RolledBack it re-applies LKG as a safety net. Returns the stage after
// the action.
func (r *Recovery) OnInstability(ctx context.Context) (Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.stage {
	case StageInitial:
		original := r.current()
		reduced := make([]int, len(original))
		for i, v := range original {
			reduced[i] = v + ReductionStep
			if reduced[i] > 0 {
				reduced[i] = 0
			}
		}

		if err := r.safety.applier.Apply(ctx, reduced); err != nil {
			// Reduction failed: do not sit on an unstable value, go straight
			// to the full rollback.
			r.log.Error("recovery reduction failed, escalating to rollback", zap.Error(err))
			return r.rollbackLocked(ctx)
		}

		r.original = original
		r.reduced = reduced
		r.heartbeats = 0
		r.stage = StageReduced
		r.log.Warn("recovery reduced offsets",
			zap.Ints("original", original), zap.Ints("reduced", reduced))
		return r.stage, nil

	case StageReduced:
		r.log.Warn("instability persists in reduced stage, escalating to rollback")
		return r.rollbackLocked(ctx)

	default: // StageRolledBack
		// Keep applying LKG; nothing deeper to fall back to.
		lkg := r.safety.LoadLKG()
		if err := r.safety.applier.Apply(ctx, lkg); err != nil {
			return r.stage, err
		}
		return r.stage, nil
	}
}

// rollbackLocked applies the persisted LKG and enters RolledBack.
// LKG itself is not updated.
func (r *Recovery) rollbackLocked(ctx context.Context) (Stage, error) {
	lkg := r.safety.LoadLKG()
	err := r.safety.applier.Apply(ctx, lkg)
	r.stage = StageRolledBack
	if err != nil {
		r.log.Error("recovery rollback failed", zap.Ints("lkg", lkg), zap.Error(err))
		return r.stage, err
	}
	r.log.Warn("recovery rolled back to LKG", zap.Ints("lkg", lkg))
	return r.stage, nil
}

// OnHeartbeat notes a clean heartbeat while recovering. After
// StabilityHeartbeats consecutive beats in the Reduced stage the reduced
// offsets become the new LKG and the machine returns to Initial.
// Returns true when stability was confirmed by this beat.
func (r *Recovery) OnHeartbeat() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage != StageReduced {
		return false
	}
	r.heartbeats++
	if r.heartbeats < StabilityHeartbeats {
		return false
	}

	r.safety.SaveLKG(r.reduced)
	r.log.Info("recovery stability confirmed, reduced offsets are the new LKG",
		zap.Ints("lkg", r.reduced))
	r.stage = StageInitial
	r.original = nil
	r.reduced = nil
	r.heartbeats = 0
	return true
}
