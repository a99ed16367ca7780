// Package session tracks gaming sessions: start/end times, the telemetry
// collected in between, and the metrics computed on completion. Older
// sessions overflow into an archive file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/settings"
)

const (
	// ActiveLimit is the maximum number of completed sessions kept in the
	// settings store; older ones move to the archive file.
	ActiveLimit = 100

	// HistoryDefaultLimit is the default page size for History().
	HistoryDefaultLimit = 30

	// BaselinePowerW anchors the battery-savings estimate (typical draw
	// with no undervolt applied).
	BaselinePowerW = 25.0

	archiveFileName = "sessions_archive.json"
	settingsKey     = "sessions"
)

// Metrics summarizes a completed session.
type Metrics struct {
	DurationSec             float64 `json:"duration_sec"`
	AvgTemperatureC         float64 `json:"avg_temperature_c"`
	MinTemperatureC         float64 `json:"min_temperature_c"`
	MaxTemperatureC         float64 `json:"max_temperature_c"`
	AvgPowerW               float64 `json:"avg_power_w"`
	EstimatedBatterySavedWh float64 `json:"estimated_battery_saved_wh"`
	UndervoltValues         []int   `json:"undervolt_values"`
}

// Session is one gaming session. EndTime is empty while active.
type Session struct {
	ID        string            `json:"id"`
	StartTime string            `json:"start_time"` // RFC 3339
	EndTime   string            `json:"end_time,omitempty"`
	GameName  string            `json:"game_name,omitempty"`
	AppID     int               `json:"app_id,omitempty"`
	Metrics   *Metrics          `json:"metrics,omitempty"`
	Samples   []TelemetrySample `json:"samples"`
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool { return s.EndTime == "" }

// Comparison is the result of comparing two sessions. Diff values are
// session1 - session2, so Compare(a, b) and Compare(b, a) are exact
// negations of each other.
type Comparison struct {
	Session1 Session            `json:"session1"`
	Session2 Session            `json:"session2"`
	Diff     map[string]float64 `json:"diff"`
}

// Manager owns the session list and its archive file. At most one session
// is active at a time. Safe for concurrent use.
type Manager struct {
	store   *settings.Store
	dataDir string
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions []Session
	active   *Session
}

// NewManager creates a Manager, loading persisted sessions.
func NewManager(store *settings.Store, dataDir string, log *zap.Logger) *Manager {
	m := &Manager{store: store, dataDir: dataDir, log: log, now: time.Now}
	if !store.Get(settingsKey, &m.sessions) {
		m.sessions = nil
	}
	return m
}

// Start opens a new session. Any session still active is ended first.
// offsets are the undervolt values live for the session; they land in the
// computed metrics.
func (m *Manager) Start(gameName string, appID int, offsets []int) Session {
	m.mu.Lock()
	if m.active != nil {
		id := m.active.ID
		m.mu.Unlock()
		m.log.Warn("ending previous active session before starting a new one",
			zap.String("id", id))
		m.End(id)
		m.mu.Lock()
	}

	s := Session{
		ID:        uuid.NewString(),
		StartTime: m.now().Format(time.RFC3339),
		GameName:  gameName,
		AppID:     appID,
		Metrics:   &Metrics{UndervoltValues: append([]int{}, offsets...)},
	}
	m.active = &s
	m.mu.Unlock()

	m.log.Info("started session", zap.String("id", s.ID), zap.String("game", gameName))
	return s
}

// AddSample records a telemetry sample into the active session. No-op
// when no session is active.
func (m *Manager) AddSample(sample TelemetrySample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.active.Samples = append(m.active.Samples, sample)
}

// End closes the active session, computes its metrics, appends it to the
// history (archiving overflow), and persists. Returns nil when id does
// not name the active session.
func (m *Manager) End(id string) *Metrics {
	m.mu.Lock()
	if m.active == nil || m.active.ID != id {
		m.mu.Unlock()
		m.log.Warn("session not found or not active", zap.String("id", id))
		return nil
	}

	s := m.active
	m.active = nil
	s.EndTime = m.now().Format(time.RFC3339)
	metrics := m.computeMetrics(s)
	s.Metrics = &metrics

	m.sessions = append(m.sessions, *s)
	archived := m.archiveOverflowLocked()
	snapshot := make([]Session, len(m.sessions))
	copy(snapshot, m.sessions)
	m.mu.Unlock()

	m.store.Save(settingsKey, snapshot)
	m.log.Info("ended session", zap.String("id", id),
		zap.Float64("duration_sec", metrics.DurationSec), zap.Int("archived", archived))
	return &metrics
}

// computeMetrics derives metrics from the session's samples. The
// undervolt values recorded at start are preserved.
func (m *Manager) computeMetrics(s *Session) Metrics {
	offsets := []int{0, 0, 0, 0}
	if s.Metrics != nil && len(s.Metrics.UndervoltValues) == 4 {
		offsets = s.Metrics.UndervoltValues
	}

	var duration float64
	if start, err := time.Parse(time.RFC3339, s.StartTime); err == nil {
		if end, err := time.Parse(time.RFC3339, s.EndTime); err == nil {
			duration = end.Sub(start).Seconds()
		}
	}

	out := Metrics{DurationSec: duration, UndervoltValues: offsets}
	if len(s.Samples) == 0 {
		return out
	}

	minT, maxT := s.Samples[0].TemperatureC, s.Samples[0].TemperatureC
	var sumT, sumP float64
	for _, sample := range s.Samples {
		if sample.TemperatureC < minT {
			minT = sample.TemperatureC
		}
		if sample.TemperatureC > maxT {
			maxT = sample.TemperatureC
		}
		sumT += sample.TemperatureC
		sumP += sample.PowerW
	}
	n := float64(len(s.Samples))
	out.AvgTemperatureC = sumT / n
	out.MinTemperatureC = minT
	out.MaxTemperatureC = maxT
	out.AvgPowerW = sumP / n

	saved := BaselinePowerW - out.AvgPowerW
	if saved < 0 {
		saved = 0
	}
	out.EstimatedBatterySavedWh = saved * duration / 3600.0
	return out
}

// Active returns a copy of the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	s := *m.active
	s.Samples = append([]TelemetrySample{}, m.active.Samples...)
	return &s
}

// History returns up to limit completed sessions, most recent first.
// limit <= 0 uses HistoryDefaultLimit.
func (m *Manager) History(limit int) []Session {
	if limit <= 0 {
		limit = HistoryDefaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	if limit > n {
		limit = n
	}
	out := make([]Session, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.sessions[i])
	}
	return out
}

// Get returns a session by ID, checking the active session first.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.ID == id {
		s := *m.active
		return &s
	}
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			s := m.sessions[i]
			return &s
		}
	}
	return nil
}

// Compare diffs the metrics of two completed sessions (session1 -
// session2). Returns an error when either is missing or lacks metrics.
func (m *Manager) Compare(id1, id2 string) (*Comparison, error) {
	s1, s2 := m.Get(id1), m.Get(id2)
	if s1 == nil || s2 == nil {
		return nil, fmt.Errorf("session not found (id1=%s, id2=%s)", id1, id2)
	}
	if s1.Metrics == nil || s2.Metrics == nil {
		return nil, fmt.Errorf("one or both sessions have no metrics")
	}

	m1, m2 := s1.Metrics, s2.Metrics
	return &Comparison{
		Session1: *s1,
		Session2: *s2,
		Diff: map[string]float64{
			"duration_sec":               m1.DurationSec - m2.DurationSec,
			"avg_temperature_c":          m1.AvgTemperatureC - m2.AvgTemperatureC,
			"min_temperature_c":          m1.MinTemperatureC - m2.MinTemperatureC,
			"max_temperature_c":          m1.MaxTemperatureC - m2.MaxTemperatureC,
			"avg_power_w":                m1.AvgPowerW - m2.AvgPowerW,
			"estimated_battery_saved_wh": m1.EstimatedBatterySavedWh - m2.EstimatedBatterySavedWh,
		},
	}, nil
}

// archiveOverflowLocked moves the oldest sessions into the archive file
// when the active list exceeds ActiveLimit. On archive failure the
// sessions stay in the active list. Returns the number archived.
func (m *Manager) archiveOverflowLocked() int {
	if len(m.sessions) <= ActiveLimit {
		return 0
	}
	count := len(m.sessions) - ActiveLimit
	toArchive := m.sessions[:count]

	if err := m.appendToArchive(toArchive); err != nil {
		m.log.Error("failed to archive sessions", zap.Error(err))
		return 0
	}
	m.sessions = append([]Session{}, m.sessions[count:]...)
	m.log.Info("archived sessions", zap.Int("count", count))
	return count
}

func (m *Manager) appendToArchive(sessions []Session) error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.dataDir, archiveFileName)

	var archive []Session
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &archive); err != nil {
			m.log.Warn("existing session archive unreadable, starting fresh", zap.Error(err))
			archive = nil
		}
	}
	archive = append(archive, sessions...)

	data, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExportDiagnostics summarizes the session history for the diagnostics
// archive.
func (m *Manager) ExportDiagnostics() map[string]any {
	m.mu.Lock()
	count := len(m.sessions)
	m.mu.Unlock()

	return map[string]any{
		"session_count":   count,
		"active_session":  m.Active(),
		"recent_sessions": m.History(10),
	}
}
