package gamewatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/settings"
)

// HookTimeout bounds each game-state transition hook (apply or reset).
const HookTimeout = 2 * time.Second

// ErrUnimplemented marks features that are declared but not wired up yet.
var ErrUnimplemented = errors.New("not implemented")

// Applier programs and resets voltage offsets.
type Applier interface {
	Apply(ctx context.Context, offsets []int) error
	Disable(ctx context.Context) error
}

// wizardPreset is the stored shape of a tuning-wizard result.
type wizardPreset struct {
	Name         string `json:"name"`
	GameOnlyMode bool   `json:"game_only_mode"`
	Offsets      struct {
		CPU []int `json:"cpu"`
	} `json:"offsets"`
}

// GameOnly applies the saved undervolt profile while a game runs and
// resets to defaults when it exits.
type GameOnly struct {
	monitor *Monitor
	applier Applier
	store   *settings.Store
	emitter events.Emitter
	log     *zap.Logger

	enabled bool
}

// NewGameOnly creates the controller and binds its hooks into monitor.
func NewGameOnly(applier Applier, store *settings.Store, emitter events.Emitter,
	steamAppsDir, procRoot string, log *zap.Logger) *GameOnly {
	g := &GameOnly{applier: applier, store: store, emitter: emitter, log: log}
	g.monitor = NewMonitor(steamAppsDir, procRoot, Callbacks{
		OnGameStart: g.onGameStart,
		OnGameExit:  g.onGameExit,
	}, log)
	return g
}

// Monitor exposes the underlying game state monitor.
func (g *GameOnly) Monitor() *Monitor { return g.monitor }

// Enabled reports whether game-only mode is active.
func (g *GameOnly) Enabled() bool { return g.enabled }

// Enable starts game state monitoring.
func (g *GameOnly) Enable(ctx context.Context) {
	if g.enabled {
		g.log.Warn("game-only mode already enabled")
		return
	}
	g.monitor.Start(ctx)
	g.enabled = true
	g.log.Info("game-only mode enabled")
}

// Disable stops monitoring and resets the undervolt to defaults.
func (g *GameOnly) Disable(ctx context.Context) {
	if !g.enabled {
		return
	}
	g.monitor.Stop()
	g.resetUndervolt(ctx)
	g.enabled = false
	g.log.Info("game-only mode disabled")
}

// onGameStart applies the saved profile, bounded by HookTimeout.
func (g *GameOnly) onGameStart(ctx context.Context, appID int) {
	if !g.enabled {
		return
	}
	g.log.Info("game started, applying profile", zap.Int("app_id", appID))

	ctx, cancel := context.WithTimeout(ctx, HookTimeout)
	defer cancel()

	if err := g.applyProfile(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.log.Error("profile application timed out", zap.Duration("timeout", HookTimeout))
		} else if !errors.Is(err, ErrUnimplemented) {
			g.log.Error("failed to apply profile on game start", zap.Error(err))
		}
		g.emitter.EmitStatus(ctx, "error")
	}
}

// onGameExit resets the undervolt, bounded by HookTimeout.
func (g *GameOnly) onGameExit(ctx context.Context) {
	if !g.enabled {
		return
	}
	g.log.Info("game exited, resetting undervolt")

	ctx, cancel := context.WithTimeout(ctx, HookTimeout)
	defer cancel()
	g.resetUndervolt(ctx)
}

// applyProfile applies, in priority order: a wizard preset flagged for
// game-only mode, a frequency-wizard preset (declared but unimplemented),
// then the plain saved profile. An all-zero profile is skipped.
func (g *GameOnly) applyProfile(ctx context.Context) error {
	var wizards []wizardPreset
	if g.store.Get("wizard_presets", &wizards) {
		for _, preset := range wizards {
			if !preset.GameOnlyMode {
				continue
			}
			cores := preset.Offsets.CPU
			if len(cores) != 4 {
				cores = []int{0, 0, 0, 0}
			}
			g.log.Info("applying wizard preset", zap.String("name", preset.Name))
			if err := g.applier.Apply(ctx, cores); err != nil {
				return err
			}
			g.emitter.EmitStatus(ctx, "enabled")
			return nil
		}
	}

	var freqPresets []wizardPreset
	if g.store.Get("frequency_wizard_presets", &freqPresets) {
		for _, preset := range freqPresets {
			if preset.GameOnlyMode {
				// Frequency curves need the adaptive controller; the preset
				// is honored once that wiring lands.
				g.log.Warn("frequency wizard game-only preset not supported",
					zap.String("name", preset.Name))
				return ErrUnimplemented
			}
		}
	}

	var profile []int
	if !g.store.Get("cores", &profile) || len(profile) != 4 {
		g.log.Info("no active profile to apply, skipping")
		return nil
	}
	if profile[0] == 0 && profile[1] == 0 && profile[2] == 0 && profile[3] == 0 {
		g.log.Info("profile is all zeros, skipping")
		return nil
	}

	if err := g.applier.Apply(ctx, profile); err != nil {
		return err
	}
	g.emitter.EmitStatus(ctx, "enabled")
	g.log.Info("profile applied", zap.Ints("profile", profile))
	return nil
}

func (g *GameOnly) resetUndervolt(ctx context.Context) {
	if err := g.applier.Disable(ctx); err != nil {
		g.log.Error("failed to reset undervolt", zap.Error(err))
		g.emitter.EmitStatus(ctx, "error")
		return
	}
	g.emitter.EmitStatus(ctx, "disabled")
}
