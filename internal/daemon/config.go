// Package daemon wires the core components together and runs them as a
// long-lived background service.
//
// Daemon configuration lives in a YAML file (default
// /etc/decktune/config.yaml) and covers paths, feature toggles, and
// observability. User-facing tuning state lives in the JSON settings
// store instead.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/decktune/decktune/internal/platform"
)

// DefaultConfigPath is where the daemon looks for its config.
const DefaultConfigPath = "/etc/decktune/config.yaml"

// Config is the root daemon configuration. Every field has a default;
// a missing config file yields Defaults() unchanged.
type Config struct {
	Paths         PathsConfig    `yaml:"paths"`
	Watchdog      WatchdogConfig `yaml:"watchdog"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	Logging       LoggingConfig  `yaml:"logging"`
	StreamQueue   int            `yaml:"stream_queue_size"`
	GamePollEvery time.Duration  `yaml:"game_poll_interval"`
}

// PathsConfig collects every filesystem location the core touches.
type PathsConfig struct {
	RyzenadjBinary    string `yaml:"ryzenadj_binary"`
	GymdeckBinary     string `yaml:"gymdeck_binary"`
	PrivilegeElevator string `yaml:"privilege_elevator"`
	StressBinary      string `yaml:"stress_binary"`

	SettingsDir      string `yaml:"settings_dir"`
	DataDir          string `yaml:"data_dir"`
	PlatformCacheDir string `yaml:"platform_cache_dir"`
	BlackboxDir      string `yaml:"blackbox_dir"`

	HeartbeatFile    string `yaml:"heartbeat_file"`
	TuningFlagFile   string `yaml:"tuning_flag_file"`
	BinningStateFile string `yaml:"binning_state_file"`

	FanConfigFile string `yaml:"fan_config_file"`
	FanPWMFile    string `yaml:"fan_pwm_file"`

	SteamAppsDir   string `yaml:"steam_apps_dir"`
	ProcRoot       string `yaml:"proc_root"`
	DMIProductName string `yaml:"dmi_product_name"`
}

// WatchdogConfig toggles the heartbeat watchdog.
type WatchdogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
// Loopback only; the daemon never listens on external interfaces.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Defaults returns the default configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Paths: PathsConfig{
			RyzenadjBinary:    "/usr/bin/ryzenadj",
			GymdeckBinary:     "/usr/bin/gymdeck3",
			PrivilegeElevator: "sudo",
			StressBinary:      "stress-ng",
			SettingsDir:       filepath.Join(home, "homebrew", "settings", "decktune"),
			DataDir:           filepath.Join(home, ".config", "decktune"),
			PlatformCacheDir:  filepath.Join(home, ".config", "decktune"),
			BlackboxDir:       filepath.Join(home, ".config", "decktune", "blackbox"),
			HeartbeatFile:     "/tmp/decktune_heartbeat",
			TuningFlagFile:    "/tmp/decktune_tuning_flag",
			BinningStateFile:  "/tmp/decktune_binning_state.json",
			FanConfigFile:     filepath.Join(home, ".config", "decktune", "fan_config.json"),
			FanPWMFile:        "/sys/class/hwmon/hwmon5/pwm1",
			SteamAppsDir:      filepath.Join(home, ".steam", "steam", "steamapps"),
			ProcRoot:          "/proc",
			DMIProductName:    platform.DMIProductNamePath,
		},
		Watchdog:      WatchdogConfig{Enabled: true},
		Metrics:       MetricsConfig{Enabled: true, ListenAddr: "127.0.0.1:9464"},
		Logging:       LoggingConfig{Level: "info", Format: "json"},
		StreamQueue:   32,
		GamePollEvery: 2 * time.Second,
	}
}

// Load reads and validates a config file, applying defaults for absent
// fields. A missing file is not an error; an unparseable or invalid one
// is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	required := map[string]string{
		"ryzenadj_binary":  c.Paths.RyzenadjBinary,
		"settings_dir":     c.Paths.SettingsDir,
		"data_dir":         c.Paths.DataDir,
		"heartbeat_file":   c.Paths.HeartbeatFile,
		"tuning_flag_file": c.Paths.TuningFlagFile,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics enabled but listen_addr empty")
	}
	if c.StreamQueue <= 0 {
		return fmt.Errorf("stream_queue_size must be > 0")
	}
	if c.GamePollEvery <= 0 {
		return fmt.Errorf("game_poll_interval must be > 0")
	}
	return nil
}
