package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/binning"
	"github.com/decktune/decktune/internal/blackbox"
	"github.com/decktune/decktune/internal/crashlog"
	"github.com/decktune/decktune/internal/dynamic"
	"github.com/decktune/decktune/internal/events"
	"github.com/decktune/decktune/internal/fan"
	"github.com/decktune/decktune/internal/gamewatch"
	"github.com/decktune/decktune/internal/platform"
	"github.com/decktune/decktune/internal/ryzenadj"
	"github.com/decktune/decktune/internal/safety"
	"github.com/decktune/decktune/internal/session"
	"github.com/decktune/decktune/internal/settings"
	"github.com/decktune/decktune/internal/stream"
	"github.com/decktune/decktune/internal/stress"
	"github.com/decktune/decktune/internal/watchdog"
)

// Daemon owns every core component and their lifecycles.
type Daemon struct {
	cfg     Config
	log     *zap.Logger
	emitter events.Emitter

	Store     *settings.Store
	Platform  platform.Info
	Detector  *platform.Detector
	Invoker   *ryzenadj.Invoker
	Safety    *safety.Manager
	Recovery  *safety.Recovery
	CrashLog  *crashlog.Manager
	BlackBox  *blackbox.BlackBox
	Stream    *stream.Stream
	Telemetry *session.TelemetryBuffer
	Sessions  *session.Manager
	Fans      *fan.Service
	Dynamic   *dynamic.Controller
	GameOnly  *gamewatch.GameOnly
	Binning   *binning.Engine
	Watchdog  *watchdog.Watchdog
	Metrics   *Metrics
}

// metricsEmitter forwards to the host emitter and mirrors selected events
// into the Prometheus instruments.
type metricsEmitter struct {
	inner   events.Emitter
	metrics *Metrics
}

func (e *metricsEmitter) EmitStatus(ctx context.Context, status string) {
	e.inner.EmitStatus(ctx, status)
}

func (e *metricsEmitter) Emit(ctx context.Context, ev events.Event) {
	if ev.Type == "binning_progress" {
		e.metrics.BinningIterationsTotal.Inc()
	}
	e.inner.Emit(ctx, ev)
}

// New builds a fully wired daemon. emitter is the host's event transport;
// pass events.Nop{} when no frontend is attached.
func New(cfg Config, emitter events.Emitter, log *zap.Logger) (*Daemon, error) {
	if emitter == nil {
		emitter = events.Nop{}
	}

	store, err := settings.NewStore(cfg.Paths.SettingsDir, log.Named("settings"))
	if err != nil {
		return nil, fmt.Errorf("settings store: %w", err)
	}

	metrics := NewMetrics()
	emitter = &metricsEmitter{inner: emitter, metrics: metrics}

	cache := platform.NewCache(cfg.Paths.PlatformCacheDir, log.Named("platform"))
	detector := platform.NewDetector(cfg.Paths.DMIProductName, cache, log.Named("platform"))
	plat := detector.Detect()

	invoker := ryzenadj.New(cfg.Paths.PrivilegeElevator, cfg.Paths.RyzenadjBinary, "",
		emitter, log.Named("ryzenadj"))
	applier := &instrumentedApplier{inner: invoker, metrics: metrics}

	crashLog := crashlog.New(store, log.Named("crashlog"))
	sfty := safety.New(store, plat, applier, crashLog,
		cfg.Paths.TuningFlagFile, cfg.Paths.BinningStateFile, log.Named("safety"))

	// Progressive recovery reads the live profile from settings.
	currentOffsets := func() []int {
		var cores []int
		if store.Get("cores", &cores) && len(cores) == 4 {
			return cores
		}
		return []int{0, 0, 0, 0}
	}
	recovery := safety.NewRecovery(sfty, currentOffsets, log.Named("recovery"))

	bb := blackbox.New(cfg.Paths.BlackboxDir, log.Named("blackbox"))
	persister := &instrumentedPersister{inner: bb, metrics: metrics}
	st := stream.New(cfg.StreamQueue, log.Named("stream"))
	telemetry := session.NewTelemetryBuffer()
	sessions := session.NewManager(store, cfg.Paths.DataDir, log.Named("session"))
	fans := fan.NewService(cfg.Paths.FanConfigFile, cfg.Paths.FanPWMFile, log.Named("fan"))

	dyn := dynamic.New(cfg.Paths.GymdeckBinary, cfg.Paths.RyzenadjBinary,
		emitter, st, bb, telemetry, sessions, log.Named("dynamic"))

	runner := stress.NewCommandRunner(cfg.Paths.StressBinary, log.Named("stress"))
	binEngine := binning.New(applier, runner, sfty, emitter, log.Named("binning"))

	gameOnly := gamewatch.NewGameOnly(applier, store, emitter,
		cfg.Paths.SteamAppsDir, cfg.Paths.ProcRoot, log.Named("gamewatch"))
	gameOnly.Monitor().SetPollInterval(cfg.GamePollEvery)

	wd := watchdog.New(cfg.Paths.HeartbeatFile, sfty, recovery, persister, log.Named("watchdog"))

	return &Daemon{
		cfg:       cfg,
		log:       log,
		emitter:   emitter,
		Store:     store,
		Platform:  plat,
		Detector:  detector,
		Invoker:   invoker,
		Safety:    sfty,
		Recovery:  recovery,
		CrashLog:  crashLog,
		BlackBox:  bb,
		Stream:    st,
		Telemetry: telemetry,
		Sessions:  sessions,
		Fans:      fans,
		Dynamic:   dyn,
		GameOnly:  gameOnly,
		Binning:   binEngine,
		Watchdog:  wd,
		Metrics:   metrics,
	}, nil
}

// Run starts the daemon: boot recovery, apply-on-startup, the watchdog
// heartbeat loop, fan config watching, game-only mode (if configured),
// and the metrics endpoint. Blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("decktune core starting",
		zap.String("model", d.Platform.Model),
		zap.String("variant", string(d.Platform.Variant)),
		zap.Int("safe_limit", d.Platform.SafeLimit))

	// Boot recovery runs before anything can touch the hardware.
	if d.Safety.CheckBootRecovery(ctx) {
		d.Metrics.RecoveriesTotal.WithLabelValues("boot").Inc()
		d.log.Warn("boot recovery performed")
	}

	d.applyOnStartup(ctx)

	if d.cfg.Metrics.Enabled {
		go d.Metrics.Serve(ctx, d.cfg.Metrics.ListenAddr, d.log.Named("metrics"))
	}

	d.Fans.Watch(ctx)

	if d.cfg.Watchdog.Enabled {
		d.Watchdog.Start(ctx)
		go d.heartbeatLoop(ctx)
	}

	var gameOnlyEnabled bool
	if d.Store.Get("game_only_mode", &gameOnlyEnabled) && gameOnlyEnabled {
		d.GameOnly.Enable(ctx)
	}

	<-ctx.Done()
	d.log.Info("decktune core shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.Dynamic.Running() {
		if err := d.Dynamic.Stop(shutdownCtx); err != nil {
			d.log.Warn("failed to stop dynamic controller", zap.Error(err))
		}
	}
	if d.Binning.Running() {
		d.Binning.Cancel()
	}
	d.GameOnly.Disable(shutdownCtx)
	d.Watchdog.Stop()
	d.Stream.Close()
	return nil
}

// heartbeatLoop proves main-loop liveness to the watchdog. It runs on the
// supervisor goroutine pool; if the process wedges, the beats stop and
// the monitor takes over.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdog.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Watchdog.WriteHeartbeat()
			d.Metrics.HeartbeatsTotal.Inc()
			d.Metrics.StreamSubscribers.Set(float64(d.Stream.SubscriberCount()))
		}
	}
}

// applyOnStartup re-applies the saved profile when the user opted in.
func (d *Daemon) applyOnStartup(ctx context.Context) {
	var enabled bool
	if !d.Store.Get("run_at_startup", &enabled) || !enabled {
		return
	}
	var cores []int
	if !d.Store.Get("cores", &cores) || len(cores) != 4 {
		return
	}
	if cores[0] == 0 && cores[1] == 0 && cores[2] == 0 && cores[3] == 0 {
		return
	}

	d.log.Info("applying saved profile on startup", zap.Ints("cores", cores))
	if err := d.ApplyOffsets(ctx, cores); err != nil {
		d.log.Error("apply on startup failed", zap.Error(err))
	}
}

// ApplyOffsets clamps and applies a profile, bracketed by the tuning flag
// so a hang mid-apply is recovered at next boot. The applied profile is
// saved as the current one; LKG is only updated by confirmed-stable paths
// (recovery confirmation, binning).
func (d *Daemon) ApplyOffsets(ctx context.Context, offsets []int) error {
	if len(offsets) != 4 {
		return fmt.Errorf("expected exactly 4 offsets, got %d", len(offsets))
	}
	clamped := d.Safety.Clamp(offsets)

	d.Safety.CreateTuningFlag()
	err := d.Invoker.Apply(ctx, clamped)
	d.Safety.RemoveTuningFlag()
	if err != nil {
		return err
	}

	d.Store.Save("cores", clamped)
	d.Store.Save("status", "enabled")
	d.emitter.EmitStatus(ctx, "enabled")
	return nil
}

// DisableOffsets resets all cores to zero.
func (d *Daemon) DisableOffsets(ctx context.Context) error {
	if err := d.Invoker.Disable(ctx); err != nil {
		return err
	}
	d.Store.Save("cores", []int{0, 0, 0, 0})
	d.Store.Save("status", "disabled")
	d.emitter.EmitStatus(ctx, "disabled")
	return nil
}

// RunBinning executes a binning session and saves the recommendation as
// the new LKG when the session finds a stable value.
func (d *Daemon) RunBinning(ctx context.Context, cfg binning.Config) (binning.Result, error) {
	result, err := d.Binning.Run(ctx, cfg)
	if err != nil {
		return result, err
	}
	if result.MaxStable < 0 {
		recommended := d.Safety.Clamp([]int{result.Recommended, result.Recommended, result.Recommended, result.Recommended})
		d.Safety.SaveLKG(recommended)
	}
	return result, nil
}
