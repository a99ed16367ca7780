package fan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

// config is the persisted fan-control state.
type config struct {
	Active string           `json:"active"`
	Curves map[string]Curve `json:"curves"`
}

// Service owns the custom fan curves, the active selection, and the PWM
// write path. Custom curves persist to a 0600 config file (fan policy is a
// user-private tuning choice); the file is watched so external edits hot
// reload. Built-in presets are always available and never persisted.
type Service struct {
	configPath string
	pwmPath    string
	log        *zap.Logger

	mu     sync.Mutex
	active string
	curves map[string]Curve

	watcher *fsnotify.Watcher
}

// NewService creates a fan service and loads any existing config.
// pwmPath may be empty when no hardware write is wanted (tests, CLI).
func NewService(configPath, pwmPath string, log *zap.Logger) *Service {
	s := &Service{
		configPath: configPath,
		pwmPath:    pwmPath,
		log:        log,
		active:     PresetStock,
		curves:     map[string]Curve{},
	}
	s.reload()
	return s
}

// ActiveCurve returns the currently selected curve. A vanished custom
// curve falls back to the Stock preset.
func (s *Service) ActiveCurve() Curve {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCurveLocked()
}

func (s *Service) activeCurveLocked() Curve {
	if c, ok := presets[s.active]; ok {
		return c
	}
	if c, ok := s.curves[s.active]; ok {
		return c
	}
	s.log.Warn("active fan curve missing, falling back to Stock", zap.String("name", s.active))
	return presets[PresetStock]
}

// SetActive selects a preset or custom curve by name.
func (s *Service) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := presets[name]; !ok {
		if _, ok := s.curves[name]; !ok {
			return fmt.Errorf("unknown fan curve %q", name)
		}
	}
	s.active = name
	return s.saveLocked()
}

// SaveCurve validates and stores a custom curve. Preset names are
// reserved.
func (s *Service) SaveCurve(name string, points []Point) error {
	if _, ok := presets[name]; ok {
		return fmt.Errorf("%q is a built-in preset", name)
	}
	curve, err := NewCurve(name, points)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.curves[name] = curve
	return s.saveLocked()
}

// DeleteCurve removes a custom curve. Deleting the active curve falls the
// selection back to Stock.
func (s *Service) DeleteCurve(name string) error {
	if _, ok := presets[name]; ok {
		return fmt.Errorf("cannot delete built-in preset %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.curves, name)
	if s.active == name {
		s.active = PresetStock
	}
	return s.saveLocked()
}

// Curves lists custom curve names.
func (s *Service) Curves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.curves))
	for name := range s.curves {
		names = append(names, name)
	}
	return names
}

// Update evaluates the active curve at tempC, applies the thermal safety
// override, and writes the PWM value to the hardware control file.
// Returns the final speed and PWM.
func (s *Service) Update(tempC float64) (speed, pwm int, err error) {
	curve := s.ActiveCurve()
	speed = ApplySafetyOverride(tempC, curve.Evaluate(tempC))
	pwm = SpeedToPWM(speed)

	if s.pwmPath != "" {
		if werr := os.WriteFile(s.pwmPath, []byte(strconv.Itoa(pwm)), 0o644); werr != nil {
			return speed, pwm, fmt.Errorf("write pwm: %w", werr)
		}
	}
	return speed, pwm, nil
}

// Watch hot-reloads the config when the file changes on disk, until ctx
// is cancelled. Returns immediately on watcher setup failure; the service
// keeps working without hot reload in that case.
func (s *Service) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fan config watcher unavailable", zap.Error(err))
		return
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(s.configPath)); err != nil {
		s.log.Warn("failed to watch fan config dir", zap.Error(err))
		watcher.Close()
		return
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == s.configPath && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.log.Info("fan config changed on disk, reloading")
					s.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("fan config watcher error", zap.Error(err))
			}
		}
	}()
}

// reload replaces in-memory state from the config file. A missing or
// corrupt file leaves the defaults (Stock active, no custom curves).
func (s *Service) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return
	}
	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("fan config corrupted, keeping defaults", zap.Error(err))
		return
	}

	s.curves = map[string]Curve{}
	for name, raw := range cfg.Curves {
		curve, err := NewCurve(name, raw.Points)
		if err != nil {
			s.log.Warn("dropping invalid fan curve", zap.String("name", name), zap.Error(err))
			continue
		}
		s.curves[name] = curve
	}
	if cfg.Active != "" {
		s.active = cfg.Active
	}
}

func (s *Service) saveLocked() error {
	cfg := config{Active: s.active, Curves: s.curves}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fan config: %w", err)
	}
	if err := renameio.WriteFile(s.configPath, data, 0o600); err != nil {
		s.log.Error("failed to write fan config", zap.Error(err))
		return fmt.Errorf("write fan config: %w", err)
	}
	return nil
}
