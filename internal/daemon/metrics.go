package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the daemon's Prometheus instruments on a dedicated
// registry (no collisions with other instrumented libraries in-process).
// Metric naming: decktune_<subsystem>_<name>_<unit>.
type Metrics struct {
	registry *prometheus.Registry

	PowerAdjustCallsTotal    prometheus.Counter
	PowerAdjustFailuresTotal prometheus.Counter
	HeartbeatsTotal          prometheus.Counter
	RecoveriesTotal          *prometheus.CounterVec
	BinningIterationsTotal   prometheus.Counter
	BlackboxPersistsTotal    *prometheus.CounterVec
	StreamSubscribers        prometheus.Gauge
}

// NewMetrics registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PowerAdjustCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decktune_power_adjust_calls_total",
			Help: "Offset applications attempted through the power-adjust tool.",
		}),
		PowerAdjustFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decktune_power_adjust_failures_total",
			Help: "Offset applications that failed.",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decktune_watchdog_heartbeats_total",
			Help: "Heartbeats written by the main loop.",
		}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decktune_recovery_actions_total",
			Help: "Recovery actions taken, by kind.",
		}, []string{"kind"}),
		BinningIterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decktune_binning_iterations_total",
			Help: "Binning iterations executed.",
		}),
		BlackboxPersistsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decktune_blackbox_persists_total",
			Help: "Blackbox recordings written, by reason.",
		}, []string{"reason"}),
		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decktune_stream_subscribers",
			Help: "Connected status-stream subscribers.",
		}),
	}
	reg.MustRegister(
		m.PowerAdjustCallsTotal,
		m.PowerAdjustFailuresTotal,
		m.HeartbeatsTotal,
		m.RecoveriesTotal,
		m.BinningIterationsTotal,
		m.BlackboxPersistsTotal,
		m.StreamSubscribers,
	)
	return m
}

// Serve exposes the registry over HTTP until ctx is cancelled.
// Bind loopback only.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

// instrumentedApplier counts power-adjust calls and failures around an
// inner applier.
type instrumentedApplier struct {
	inner interface {
		Apply(ctx context.Context, offsets []int) error
		Disable(ctx context.Context) error
	}
	metrics *Metrics
}

func (a *instrumentedApplier) Apply(ctx context.Context, offsets []int) error {
	a.metrics.PowerAdjustCallsTotal.Inc()
	err := a.inner.Apply(ctx, offsets)
	if err != nil {
		a.metrics.PowerAdjustFailuresTotal.Inc()
	}
	return err
}

func (a *instrumentedApplier) Disable(ctx context.Context) error {
	a.metrics.PowerAdjustCallsTotal.Inc()
	err := a.inner.Disable(ctx)
	if err != nil {
		a.metrics.PowerAdjustFailuresTotal.Inc()
	}
	return err
}

// instrumentedPersister counts blackbox persists around the ring.
type instrumentedPersister struct {
	inner interface {
		Persist(reason string) string
	}
	metrics *Metrics
}

func (p *instrumentedPersister) Persist(reason string) string {
	file := p.inner.Persist(reason)
	if file != "" {
		p.metrics.BlackboxPersistsTotal.WithLabelValues(reason).Inc()
	}
	return file
}
