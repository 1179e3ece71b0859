// Package config loads and validates the bridge configuration.
//
// DESIGN: Every option has a documented default so the bridge runs with
// no config file at all. A YAML file (with ${VAR:-default} env
// expansion) layers over the defaults, and a small set of environment
// variables layers over that; the env overrides are what pipeline
// launchers actually use.
//
// FILES:
//   - config.go: Root Config struct, defaults, Load(), Validate()
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge.
type Config struct {
	Generation GenerationConfig `yaml:"generation"` // Upstream generation service
	Dedup      DedupConfig      `yaml:"dedup"`      // Duplicate suppression tunables
	Images     ImagesConfig     `yaml:"images"`     // Image output directory
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`  // Pipe mode and idle exit
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and telemetry
	Journal    JournalConfig    `yaml:"journal"`    // Optional sqlite request journal
}

// GenerationConfig describes connectivity and defaults for the upstream
// image-generation HTTP service.
type GenerationConfig struct {
	Host      string `yaml:"host"`       // Generation service host
	Port      int    `yaml:"port"`       // Generation service port
	ProxyPort int    `yaml:"proxy_port"` // Alternate/proxy port (0 = none)

	StatusPath   string `yaml:"status_path"`   // Read-only probe path
	GeneratePath string `yaml:"generate_path"` // Generation POST path

	ProbeAttempts    int           `yaml:"probe_attempts"`     // Attempts per candidate
	ProbeTimeoutStep time.Duration `yaml:"probe_timeout_step"` // Per-attempt timeout = attempt * step
	ProbeBackoff     time.Duration `yaml:"probe_backoff"`      // Linear backoff = attempt * this
	StateTTL         time.Duration `yaml:"state_ttl"`          // Connection state cache TTL

	MaxAttempts  int           `yaml:"max_attempts"`  // Generation attempts (1 + retries)
	BaseTimeout  time.Duration `yaml:"base_timeout"`  // First-attempt POST timeout
	TimeoutStep  time.Duration `yaml:"timeout_step"`  // Added per retry attempt
	RetryBackoff time.Duration `yaml:"retry_backoff"` // Pause between attempts

	DefaultPrompt  string  `yaml:"default_prompt"`  // Used when caller omits the prompt
	NegativePrompt string  `yaml:"negative_prompt"` // Default negative prompt
	Width          int     `yaml:"width"`           // Default image width
	Height         int     `yaml:"height"`          // Default image height
	Steps          int     `yaml:"steps"`           // Default sampling steps
	CfgScale       float64 `yaml:"cfg_scale"`       // Default guidance scale
	Model          string  `yaml:"model"`           // Model override ("" = backend default)
}

// DedupConfig tunes the duplicate suppressor. Exact values are
// configuration, not invariants.
type DedupConfig struct {
	Capacity int           `yaml:"capacity"` // Max entries per dedup table
	Window   time.Duration `yaml:"window"`   // Prompt suppression window
	Expiry   time.Duration `yaml:"expiry"`   // Prompt fingerprint expiry
}

// ImagesConfig controls where generated images are written.
type ImagesConfig struct {
	Dir string `yaml:"dir"` // Output directory, created if absent
}

// LifecycleConfig controls process residency.
type LifecycleConfig struct {
	ForcePipeMode bool          `yaml:"force_pipe_mode"` // Stay resident regardless of TTY detection
	IdleExit      time.Duration `yaml:"idle_exit"`       // Standalone-mode exit delay after last request
}

// MonitoringConfig contains logging and telemetry settings. Protocol
// data owns stdout, so log output is stderr or a rotated file.
type MonitoringConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stderr or a file path

	LogMaxSizeMB  int `yaml:"log_max_size_mb"` // Rotate file output at this size
	LogMaxBackups int `yaml:"log_max_backups"` // Rotated files to keep

	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Append per-request JSONL events
	TelemetryPath    string `yaml:"telemetry_path"`    // JSONL file path
}

// JournalConfig enables the sqlite request journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"` // Record completed requests to sqlite
	Path    string `yaml:"path"`    // Database file path
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Generation: GenerationConfig{
			Host:             "127.0.0.1",
			Port:             7860,
			ProxyPort:        0,
			StatusPath:       "/sdapi/v1/options",
			GeneratePath:     "/sdapi/v1/txt2img",
			ProbeAttempts:    3,
			ProbeTimeoutStep: 2 * time.Second,
			ProbeBackoff:     time.Second,
			StateTTL:         30 * time.Second,
			MaxAttempts:      3,
			BaseTimeout:      60 * time.Second,
			TimeoutStep:      30 * time.Second,
			RetryBackoff:     time.Second,
			DefaultPrompt:    "a scenic landscape, highly detailed",
			NegativePrompt:   "",
			Width:            512,
			Height:           512,
			Steps:            20,
			CfgScale:         7,
		},
		Dedup: DedupConfig{
			Capacity: 100,
			Window:   2 * time.Second,
			Expiry:   60 * time.Second,
		},
		Images: ImagesConfig{
			Dir: "images",
		},
		Lifecycle: LifecycleConfig{
			ForcePipeMode: false,
			IdleExit:      10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			LogOutput:     "stderr",
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
		},
		Journal: JournalConfig{},
	}
}

// Load reads configuration from a YAML file layered over the defaults,
// then applies environment overrides. An empty path loads defaults plus
// env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		expanded := expandEnvWithDefaults(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} in YAML text.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// applyEnvOverrides applies the environment variables pipeline launchers
// set without a config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SD_WEBUI_HOST"); v != "" {
		c.Generation.Host = v
	}
	if v := os.Getenv("SD_WEBUI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Generation.Port = port
		}
	}
	if v := os.Getenv("SD_WEBUI_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Generation.ProxyPort = port
		}
	}
	if isTruthy(os.Getenv("BRIDGE_PIPE_MODE")) {
		c.Lifecycle.ForcePipeMode = true
	}
	if isTruthy(os.Getenv("BRIDGE_DEBUG")) {
		c.Monitoring.LogLevel = "debug"
	}
	if v := os.Getenv("BRIDGE_IMAGES_DIR"); v != "" {
		c.Images.Dir = v
	}
	if v := os.Getenv("BRIDGE_TELEMETRY_LOG"); v != "" {
		c.Monitoring.TelemetryEnabled = true
		c.Monitoring.TelemetryPath = v
	}
	if v := os.Getenv("BRIDGE_JOURNAL_PATH"); v != "" {
		c.Journal.Enabled = true
		c.Journal.Path = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Candidates returns the ordered base URLs the generation client probes:
// the configured address, a loopback alias, then the proxy port.
func (g *GenerationConfig) Candidates() []string {
	candidates := []string{fmt.Sprintf("http://%s:%d", g.Host, g.Port)}
	if g.Host != "localhost" {
		candidates = append(candidates, fmt.Sprintf("http://localhost:%d", g.Port))
	}
	if g.ProxyPort > 0 && g.ProxyPort != g.Port {
		candidates = append(candidates, fmt.Sprintf("http://%s:%d", g.Host, g.ProxyPort))
	}
	return candidates
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	g := &c.Generation
	if g.Host == "" {
		return fmt.Errorf("generation.host is required")
	}
	if g.Port < 1 || g.Port > 65535 {
		return fmt.Errorf("invalid generation.port: %d (must be 1-65535)", g.Port)
	}
	if g.ProxyPort < 0 || g.ProxyPort > 65535 {
		return fmt.Errorf("invalid generation.proxy_port: %d", g.ProxyPort)
	}
	if !strings.HasPrefix(g.StatusPath, "/") {
		return fmt.Errorf("generation.status_path must start with /")
	}
	if !strings.HasPrefix(g.GeneratePath, "/") {
		return fmt.Errorf("generation.generate_path must start with /")
	}
	if g.ProbeAttempts < 1 {
		return fmt.Errorf("generation.probe_attempts must be at least 1")
	}
	if g.MaxAttempts < 1 {
		return fmt.Errorf("generation.max_attempts must be at least 1")
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("generation.width and generation.height must be positive")
	}
	if g.Steps <= 0 {
		return fmt.Errorf("generation.steps must be positive")
	}
	if c.Dedup.Capacity < 1 {
		return fmt.Errorf("dedup.capacity must be at least 1")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive")
	}
	if c.Dedup.Expiry < c.Dedup.Window {
		return fmt.Errorf("dedup.expiry must be at least dedup.window")
	}
	if c.Images.Dir == "" {
		return fmt.Errorf("images.dir is required")
	}
	if c.Lifecycle.IdleExit <= 0 {
		return fmt.Errorf("lifecycle.idle_exit must be positive")
	}
	if c.Monitoring.TelemetryEnabled && c.Monitoring.TelemetryPath == "" {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}
