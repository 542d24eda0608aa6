// Package config loads the engine configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

// Config is the complete engine configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Registry RegistryConfig `yaml:"registry"`
	Presence PresenceConfig `yaml:"presence"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Stream   StreamConfig   `yaml:"stream"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Detector DetectorConfig `yaml:"detector"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// PlatformConfig locates the external platform that serves tasks and receives alerts.
type PlatformConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TasksPath      string        `yaml:"tasks_path"`
	AlertPath      string        `yaml:"alert_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TasksURL returns the absolute task listing URL.
func (p PlatformConfig) TasksURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.TasksPath
}

// AlertURL returns the absolute alert sink URL.
func (p PlatformConfig) AlertURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.AlertPath
}

// RegistryConfig controls task registry polling.
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// MaxWorkers caps concurrently running stream workers. Zero means no cap.
	MaxWorkers int `yaml:"max_workers"`
}

// PresenceConfig holds the debounce parameters of the presence machine.
// StaleAfter and IdleAfter have no defaults and must be set by the deployer.
type PresenceConfig struct {
	MonitoredClass    string                      `yaml:"monitored_class"`
	AbsenceThreshold  time.Duration               `yaml:"absence_threshold"`
	Cooldown          time.Duration               `yaml:"cooldown"`
	StaleAfter        time.Duration               `yaml:"stale_after"`
	IdleEnabled       bool                        `yaml:"idle_enabled"`
	IdleAfter         time.Duration               `yaml:"idle_after"`
	IdleCooldown      time.Duration               `yaml:"idle_cooldown"`
	MovementTolerance float64                     `yaml:"movement_tolerance"`
	Overrides         map[string]PresenceOverride `yaml:"overrides"`
}

// PresenceOverride adjusts debounce timing for a single task. Zero values
// leave the global setting in place.
type PresenceOverride struct {
	AbsenceThreshold time.Duration `yaml:"absence_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	IdleAfter        time.Duration `yaml:"idle_after"`
}

// ForTask returns the presence settings with any per-task override applied.
func (p PresenceConfig) ForTask(taskID string) PresenceConfig {
	out := p
	out.Overrides = nil
	o, ok := p.Overrides[taskID]
	if !ok {
		return out
	}
	if o.AbsenceThreshold > 0 {
		out.AbsenceThreshold = o.AbsenceThreshold
	}
	if o.Cooldown > 0 {
		out.Cooldown = o.Cooldown
	}
	if o.IdleAfter > 0 {
		out.IdleAfter = o.IdleAfter
	}
	return out
}

// AlertLevel is the platform severity attached to an alert kind.
type AlertLevel struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// AlertsConfig maps alert kinds to platform severities.
type AlertsConfig struct {
	Levels map[string]AlertLevel `yaml:"levels"`
}

// Level returns the severity for kind, falling back to the no-person level.
func (a AlertsConfig) Level(kind models.AlertKind) AlertLevel {
	if l, ok := a.Levels[string(kind)]; ok {
		return l
	}
	return a.Levels[string(models.AlertNoPerson)]
}

// StreamConfig bounds stream I/O and worker restarts.
type StreamConfig struct {
	OpenTimeout                time.Duration `yaml:"open_timeout"`
	ReadTimeout                time.Duration `yaml:"read_timeout"`
	RestartBackoff             time.Duration `yaml:"restart_backoff"`
	RestartMaxBackoff          time.Duration `yaml:"restart_max_backoff"`
	MaxConsecutiveDetectErrors int           `yaml:"max_consecutive_detect_errors"`
}

// DispatchConfig sizes the notification queue and its retry policy.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DetectorConfig configures the detection backend.
type DetectorConfig struct {
	// Backend is "http" or, in gocv builds, "dnn".
	Backend    string        `yaml:"backend"`
	Endpoint   string        `yaml:"endpoint"`
	ModelDir   string        `yaml:"model_dir"`
	Confidence float64       `yaml:"confidence"`
	Timeout    time.Duration `yaml:"timeout"`
	Track      bool          `yaml:"track"`
}

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig configures the control plane listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration. The result does not pass
// Validate on its own: the platform URL and the presence horizons are
// deployment specific.
func DefaultConfig() *Config {
	return &Config{
		Platform: PlatformConfig{
			TasksPath:      "/tasks",
			AlertPath:      "/notify",
			RequestTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			RefreshInterval: 30 * time.Second,
		},
		Presence: PresenceConfig{
			MonitoredClass:    "person",
			AbsenceThreshold:  60 * time.Second,
			Cooldown:          5 * time.Minute,
			IdleEnabled:       true,
			IdleCooldown:      5 * time.Minute,
			MovementTolerance: 0.1,
		},
		Alerts: AlertsConfig{
			Levels: map[string]AlertLevel{
				string(models.AlertNoPerson): {Code: "1", Name: "high"},
				string(models.AlertIdle):     {Code: "2", Name: "medium"},
			},
		},
		Stream: StreamConfig{
			OpenTimeout:                15 * time.Second,
			ReadTimeout:                10 * time.Second,
			RestartBackoff:             2 * time.Second,
			RestartMaxBackoff:          2 * time.Minute,
			MaxConsecutiveDetectErrors: 10,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueSize:   256,
			MaxAttempts: 5,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
		},
		Detector: DetectorConfig{
			Backend:    "http",
			Endpoint:   "http://127.0.0.1:8000/detect",
			Confidence: 0.5,
			Timeout:    5 * time.Second,
			Track:      true,
		},
		Store: StoreConfig{
			Path:      "data/sjaiengine.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:7466",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides (including an optional dotenv file) and validates the result.
// A missing config file is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := loadDotenv(envFile); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. Errors wrap
// models.ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Platform.BaseURL == "" {
		add("platform.base_url is required")
	}
	if !strings.HasPrefix(c.Platform.TasksPath, "/") {
		add("platform.tasks_path must start with /")
	}
	if !strings.HasPrefix(c.Platform.AlertPath, "/") {
		add("platform.alert_path must start with /")
	}
	if c.Registry.RefreshInterval <= 0 {
		add("registry.refresh_interval must be positive")
	}
	if c.Registry.MaxWorkers < 0 {
		add("registry.max_workers must not be negative")
	}

	p := c.Presence
	if p.MonitoredClass == "" {
		add("presence.monitored_class is required")
	}
	if p.AbsenceThreshold <= 0 {
		add("presence.absence_threshold must be positive")
	}
	if p.Cooldown < 0 {
		add("presence.cooldown must not be negative")
	}
	if p.StaleAfter <= 0 {
		add("presence.stale_after is required")
	}
	if p.IdleEnabled {
		if p.IdleAfter <= 0 {
			add("presence.idle_after is required when idle detection is enabled")
		}
		if p.MovementTolerance <= 0 || p.MovementTolerance >= 1 {
			add("presence.movement_tolerance must be in (0, 1)")
		}
	}
	for id, o := range p.Overrides {
		if o.AbsenceThreshold < 0 || o.Cooldown < 0 || o.IdleAfter < 0 {
			add("presence.overrides[%s] durations must not be negative", id)
		}
	}

	if c.Stream.OpenTimeout <= 0 || c.Stream.ReadTimeout <= 0 {
		add("stream.open_timeout and stream.read_timeout must be positive")
	}
	if c.Stream.RestartBackoff <= 0 || c.Stream.RestartMaxBackoff < c.Stream.RestartBackoff {
		add("stream.restart_backoff must be positive and not exceed stream.restart_max_backoff")
	}
	if c.Stream.MaxConsecutiveDetectErrors < 1 {
		add("stream.max_consecutive_detect_errors must be at least 1")
	}

	d := c.Dispatch
	if d.Workers < 1 {
		add("dispatch.workers must be at least 1")
	}
	if d.QueueSize < 1 {
		add("dispatch.queue_size must be at least 1")
	}
	if d.MaxAttempts < 1 {
		add("dispatch.max_attempts must be at least 1")
	}
	if d.BaseBackoff <= 0 || d.MaxBackoff < d.BaseBackoff {
		add("dispatch.base_backoff must be positive and not exceed dispatch.max_backoff")
	}

	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		add("detector.confidence must be in [0, 1]")
	}
	switch c.Detector.Backend {
	case "http":
		if c.Detector.Endpoint == "" {
			add("detector.endpoint is required for the http backend")
		}
	case "dnn":
		if c.Detector.ModelDir == "" {
			add("detector.model_dir is required for the dnn backend")
		}
	default:
		add("invalid detector.backend %q, must be: http or dnn", c.Detector.Backend)
	}

	if c.Store.Path == "" {
		add("store.path is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("invalid log.format %q, must be: console or json", c.Log.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
