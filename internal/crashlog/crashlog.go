// Package crashlog tracks recovery events in a bounded FIFO so the UI and
// diagnostics exports can show how often (and why) the machine needed
// rescuing.
package crashlog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/settings"
)

// HistoryLimit bounds the retained crash records (FIFO).
const HistoryLimit = 50

const settingsKey = "crash_metrics"

// Record is a single recovery event.
type Record struct {
	Timestamp      string `json:"timestamp"` // RFC 3339
	CrashedValues  []int  `json:"crashed_values"`
	RestoredValues []int  `json:"restored_values"`
	RecoveryReason string `json:"recovery_reason"` // "boot_recovery", "watchdog_timeout", ...
}

// Valid reports whether all required fields are present and both offset
// sets have exactly four entries.
func (r Record) Valid() bool {
	return r.Timestamp != "" &&
		len(r.CrashedValues) == 4 &&
		len(r.RestoredValues) == 4 &&
		r.RecoveryReason != ""
}

// Metrics is the aggregate view.
type Metrics struct {
	TotalCount    int      `json:"total_count"`
	LastCrashDate string   `json:"last_crash_date,omitempty"`
	History       []Record `json:"history"`
}

// Manager owns the crash history. Safe for concurrent use.
type Manager struct {
	store *settings.Store
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	metrics Metrics
}

// New creates a Manager, loading any persisted history.
func New(store *settings.Store, log *zap.Logger) *Manager {
	m := &Manager{store: store, log: log, now: time.Now}
	if !store.Get(settingsKey, &m.metrics) {
		m.metrics = Metrics{History: []Record{}}
	}
	if m.metrics.History == nil {
		m.metrics.History = []Record{}
	}
	return m
}

// RecordCrash appends a recovery event, evicting the oldest past
// HistoryLimit, and persists.
func (m *Manager) RecordCrash(crashed, restored []int, reason string) {
	rec := Record{
		Timestamp:      m.now().Format(time.RFC3339),
		CrashedValues:  append([]int{}, crashed...),
		RestoredValues: append([]int{}, restored...),
		RecoveryReason: reason,
	}
	if !rec.Valid() {
		m.log.Warn("dropping incomplete crash record",
			zap.Ints("crashed", crashed), zap.Ints("restored", restored), zap.String("reason", reason))
		return
	}

	m.mu.Lock()
	m.metrics.History = append(m.metrics.History, rec)
	for len(m.metrics.History) > HistoryLimit {
		m.metrics.History = m.metrics.History[1:]
	}
	m.metrics.TotalCount++
	m.metrics.LastCrashDate = rec.Timestamp
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("recorded crash recovery",
		zap.String("reason", reason), zap.Ints("crashed", crashed), zap.Ints("restored", restored))
	m.store.Save(settingsKey, snapshot)
}

// Metrics returns a copy of the aggregate metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ExportDiagnostics returns the metrics wrapped for the diagnostics
// archive.
func (m *Manager) ExportDiagnostics() map[string]any {
	return map[string]any{"crash_metrics": m.Metrics()}
}

func (m *Manager) snapshotLocked() Metrics {
	out := Metrics{
		TotalCount:    m.metrics.TotalCount,
		LastCrashDate: m.metrics.LastCrashDate,
		History:       make([]Record, len(m.metrics.History)),
	}
	copy(out.History, m.metrics.History)
	return out
}
