package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session topologies.
const (
	ModePersistent   = "persistent"    // one tab per platform, reused
	ModeDisposable   = "disposable"    // fresh tab per request
	ModeMultiSession = "multi_session" // one tab per caller-supplied session id
)

// Config holds all chatrelay configuration.
type Config struct {
	Browser    BrowserConfig    `yaml:"browser"`
	Mode       string           `yaml:"mode"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Stability  StabilityConfig  `yaml:"stability"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Platforms  []PlatformConfig `yaml:"platforms"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// BrowserConfig configures the driver connection.
type BrowserConfig struct {
	// DebuggerURL is a ws:// DevTools URL or an http://host:port to resolve.
	DebuggerURL       string   `yaml:"debugger_url"`
	Launch            []string `yaml:"launch"` // binary followed by flags
	Headless          bool     `yaml:"headless"`
	ConnectTimeout    string   `yaml:"connect_timeout"`
	ProbeTimeout      string   `yaml:"probe_timeout"`
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
}

// TimeoutsConfig holds the per-request wait ceilings.
type TimeoutsConfig struct {
	ResponseWait   string `yaml:"response_wait"`
	StabilityWait  string `yaml:"stability_wait"`
	PollInterval   string `yaml:"poll_interval"`
	LockText       string `yaml:"lock_text"`
	LockAttachment string `yaml:"lock_attachment"`
}

// StabilityConfig tunes the stream-settled detector.
type StabilityConfig struct {
	RequiredRepeats int `yaml:"required_repeats"`
}

// ExtractionConfig bounds the snapshot fallback scan.
type ExtractionConfig struct {
	SnapshotMaxGroups int `yaml:"snapshot_max_groups"`
	SnapshotMaxNodes  int `yaml:"snapshot_max_nodes"`
}

// PlatformConfig describes one target interface.
type PlatformConfig struct {
	Name              string `yaml:"name"`
	URLPattern        string `yaml:"url_pattern"`
	HomeURL           string `yaml:"home_url"`
	RequiredTurnDelta int    `yaml:"required_turn_delta"`
	LockText          string `yaml:"lock_text,omitempty"`
	LockAttachment    string `yaml:"lock_attachment,omitempty"`

	Selectors    SelectorConfig      `yaml:"selectors"`
	AXTurnRoles  []string            `yaml:"ax_turn_roles"`
	Chrome       []string            `yaml:"chrome"`
	RoleLabels   []string            `yaml:"role_labels"`
	Disqualify   []string            `yaml:"disqualify"`
	BlockMarkers map[string][]string `yaml:"block_markers"`
}

// SelectorConfig holds the CSS selectors used by the selector adapter.
type SelectorConfig struct {
	Input     string `yaml:"input"`
	Submit    string `yaml:"submit"`
	Turn      string `yaml:"turn"`
	Busy      string `yaml:"busy"`
	Reply     string `yaml:"reply"`
	FileInput string `yaml:"file_input"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			DebuggerURL:       "http://127.0.0.1:9222",
			ConnectTimeout:    "30s",
			ProbeTimeout:      "5s",
			HeartbeatInterval: "5s",
		},
		Mode: ModePersistent,
		Timeouts: TimeoutsConfig{
			ResponseWait:   "5m",
			StabilityWait:  "30s",
			PollInterval:   "1s",
			LockText:       "7m",
			LockAttachment: "10m",
		},
		Stability: StabilityConfig{
			RequiredRepeats: 3,
		},
		Extraction: ExtractionConfig{
			SnapshotMaxGroups: 2,
			SnapshotMaxNodes:  400,
		},
		Platforms: defaultPlatforms(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

func defaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{
			Name:              "chatgpt",
			URLPattern:        `^https://(chatgpt\.com|chat\.openai\.com)/`,
			HomeURL:           "https://chatgpt.com/",
			RequiredTurnDelta: 2,
			Selectors: SelectorConfig{
				Input:     "#prompt-textarea",
				Submit:    "button[data-testid='send-button']",
				Turn:      "[data-testid^='conversation-turn-']",
				Busy:      "button[data-testid='stop-button']",
				Reply:     "[data-message-author-role='assistant']",
				FileInput: "input[type='file']",
			},
			AXTurnRoles: []string{"article"},
			Chrome:      []string{"Copy", "Edit", "Share", "Read aloud", "Good response", "Bad response", "Regenerate"},
			RoleLabels:  []string{"ChatGPT said:", "You said:"},
			Disqualify:  []string{`^Thought for \d+ ?(s|seconds?|m|minutes?)$`},
			BlockMarkers: map[string][]string{
				"auth":         {"Log in to get smarter responses", "Welcome back"},
				"verification": {"Verify you are human", "Just a moment..."},
				"rate_limit":   {"You've reached our limit of messages", "Too many requests"},
			},
		},
		{
			Name:              "claude",
			URLPattern:        `^https://claude\.ai/`,
			HomeURL:           "https://claude.ai/new",
			RequiredTurnDelta: 2,
			Selectors: SelectorConfig{
				Input:     "div[contenteditable='true']",
				Submit:    "button[aria-label='Send message']",
				Turn:      "[data-testid='user-message'], .font-claude-message",
				Busy:      "button[aria-label='Stop response']",
				Reply:     ".font-claude-message",
				FileInput: "input[type='file']",
			},
			AXTurnRoles: []string{"article", "group"},
			Chrome:      []string{"Copy", "Retry", "Edit", "Claude can make mistakes. Please double-check responses."},
			RoleLabels:  []string{"Claude:", "You:"},
			BlockMarkers: map[string][]string{
				"auth":         {"Continue with Google", "Log in"},
				"verification": {"Verify you are human"},
				"rate_limit":   {"You are out of free messages", "message limit"},
			},
		},
		{
			Name:              "gemini",
			URLPattern:        `^https://gemini\.google\.com/`,
			HomeURL:           "https://gemini.google.com/app",
			RequiredTurnDelta: 1,
			Selectors: SelectorConfig{
				Input:  "rich-textarea .ql-editor",
				Submit: "button.send-button",
				Turn:   "model-response",
				Busy:   "button.send-button.stop",
				Reply:  "model-response message-content",
			},
			AXTurnRoles: []string{"region", "article"},
			Chrome:      []string{"Show drafts", "Share & export", "Copy", "More"},
			RoleLabels:  []string{"Gemini said", "You said"},
			Disqualify:  []string{`^Show thinking$`},
			BlockMarkers: map[string][]string{
				"auth":       {"Sign in"},
				"rate_limit": {"You've reached your limit"},
			},
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CHATRELAY_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if mode := os.Getenv("CHATRELAY_MODE"); mode != "" {
		c.Mode = mode
	}
	if addr := os.Getenv("CHATRELAY_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// ValidModes lists all supported session topologies.
var ValidModes = []string{ModePersistent, ModeDisposable, ModeMultiSession}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validMode := false
	for _, m := range ValidModes {
		if c.Mode == m {
			validMode = true
			break
		}
	}
	if !validMode {
		return fmt.Errorf("invalid mode: %s (valid: %v)", c.Mode, ValidModes)
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("no platforms configured")
	}
	seen := make(map[string]bool, len(c.Platforms))
	for i, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("platform %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.URLPattern == "" {
			return fmt.Errorf("platform %s: url_pattern is required", p.Name)
		}
		if _, err := regexp.Compile(p.URLPattern); err != nil {
			return fmt.Errorf("platform %s: invalid url_pattern: %w", p.Name, err)
		}
		for _, d := range p.Disqualify {
			if _, err := regexp.Compile(d); err != nil {
				return fmt.Errorf("platform %s: invalid disqualify pattern %q: %w", p.Name, d, err)
			}
		}
		if p.RequiredTurnDelta < 0 || p.RequiredTurnDelta > 2 {
			return fmt.Errorf("platform %s: required_turn_delta must be 1 or 2", p.Name)
		}
		if c.Mode != ModePersistent && p.HomeURL == "" {
			return fmt.Errorf("platform %s: home_url is required in %s mode", p.Name, c.Mode)
		}
	}
	return nil
}

// Platform returns the named platform config.
func (c *Config) Platform(name string) (PlatformConfig, bool) {
	for _, p := range c.Platforms {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return PlatformConfig{}, false
}

// GetConnectTimeout returns the driver connection timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.Browser.ConnectTimeout, 30*time.Second)
}

// GetProbeTimeout returns the tab liveness probe timeout.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Browser.ProbeTimeout, 5*time.Second)
}

// GetHeartbeatInterval returns the driver heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.Browser.HeartbeatInterval, 5*time.Second)
}

// GetResponseWait returns the completion-detection ceiling.
func (c *Config) GetResponseWait() time.Duration {
	return parseDuration(c.Timeouts.ResponseWait, 5*time.Minute)
}

// GetStabilityWait returns the stability-detection ceiling.
func (c *Config) GetStabilityWait() time.Duration {
	return parseDuration(c.Timeouts.StabilityWait, 30*time.Second)
}

// GetPollInterval returns the detector poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Timeouts.PollInterval, time.Second)
}

// GetLockTimeout returns the lock timeout for a platform, preferring the
// platform override, for text-only or attachment-bearing requests.
func (c *Config) GetLockTimeout(platform string, withAttachments bool) time.Duration {
	p, _ := c.Platform(platform)
	if withAttachments {
		if p.LockAttachment != "" {
			return parseDuration(p.LockAttachment, 10*time.Minute)
		}
		return parseDuration(c.Timeouts.LockAttachment, 10*time.Minute)
	}
	if p.LockText != "" {
		return parseDuration(p.LockText, 7*time.Minute)
	}
	return parseDuration(c.Timeouts.LockText, 7*time.Minute)
}

// GetRequiredRepeats returns the stability repeat count.
func (c *Config) GetRequiredRepeats() int {
	if c.Stability.RequiredRepeats <= 0 {
		return 3
	}
	return c.Stability.RequiredRepeats
}

// TurnDelta returns the platform's required turn-count increase.
func (p PlatformConfig) TurnDelta() int {
	if p.RequiredTurnDelta <= 0 {
		return 2
	}
	return p.RequiredTurnDelta
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
