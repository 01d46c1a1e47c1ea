// Package config provides YAML configuration parsing and validation for the
// Onsembl agent wrapper. Configuration is loaded from a YAML file specified
// via the --config flag, overridden by ONSEMBL_* environment variables and
// CLI flags, and governs all wrapper behaviour: which child process to
// supervise, how to reach the control plane, and how output is captured.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onsembl/onsembl/shared/protocol"
)

// InterruptSignal selects how the wrapper interrupts the child process.
type InterruptSignal string

const (
	// InterruptETX writes the ETX byte (0x03) to the child's stdin —
	// the in-band equivalent of Ctrl-C for REPL-style children.
	InterruptETX InterruptSignal = "etx"
	// InterruptSIGINT delivers SIGINT to the child process.
	InterruptSIGINT InterruptSignal = "sigint"
)

var validInterruptSignals = map[InterruptSignal]struct{}{
	InterruptETX:    {},
	InterruptSIGINT: {},
}

// KindOptions are the per-agent-kind tuning knobs passed through to the child
// process as environment variables (ONSEMBL_MODEL, ONSEMBL_MAX_TOKENS,
// ONSEMBL_TEMPERATURE).
type KindOptions struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"maxTokens"`
	Temperature float64 `yaml:"temperature"`
}

// Config is the root configuration for the Onsembl agent wrapper.
// Keys use the camelCase names of the wire protocol.
type Config struct {
	// ServerURL is the control plane base URL. ws:// and wss:// are used as
	// given; http:// and https:// are upgraded to the matching ws scheme.
	ServerURL string `yaml:"serverUrl"`
	// APIKey is the bootstrap access token. Required unless a credential is
	// already stored in the credential store.
	APIKey string `yaml:"apiKey"`
	// AgentID overrides the agent's stable identity. When empty the id is
	// taken from the persisted state file, falling back to the token's
	// principal claim.
	AgentID string `yaml:"agentId"`

	AgentType    protocol.AgentKind `yaml:"agentType"`
	AgentCommand string             `yaml:"agentCommand"`
	AgentArgs    []string           `yaml:"agentArgs"`
	// WorkingDirectory is where the child process runs. Empty means the
	// wrapper's own working directory.
	WorkingDirectory string `yaml:"workingDirectory"`
	// StateDir holds agent-state.json and the encrypted credential store.
	StateDir string `yaml:"stateDir"`

	// MaxMemoryMB and MaxCPUPercent bound the child's resource usage; the
	// supervisor's health check treats sustained violation as a failure.
	MaxMemoryMB   int `yaml:"maxMemoryMb"`
	MaxCPUPercent int `yaml:"maxCpuPercent"`

	ReconnectAttempts    int `yaml:"reconnectAttempts"`
	ReconnectBaseDelayMs int `yaml:"reconnectBaseDelay"`
	HeartbeatIntervalMs  int `yaml:"heartbeatInterval"`

	OutputBufferSize      int `yaml:"outputBufferSize"`
	OutputFlushIntervalMs int `yaml:"outputFlushInterval"`

	// InterruptSignal defaults to etx; REPL children that ignore in-band
	// ETX can select sigint instead.
	InterruptSignal InterruptSignal `yaml:"interruptSignal"`
	// ReadySentinels are stdout markers that signal the child is ready for
	// input. Empty means the built-in markers for the agent kind.
	ReadySentinels []string `yaml:"readySentinels"`

	LogLevel string `yaml:"logLevel"`
	// LogFile adds a file sink alongside stderr when set.
	LogFile string `yaml:"logFile"`

	Claude KindOptions `yaml:"claude"`
	Gemini KindOptions `yaml:"gemini"`
	Codex  KindOptions `yaml:"codex"`
	Custom KindOptions `yaml:"custom"`
}

// defaultSentinels are the built-in readiness markers per agent kind.
// The custom kind has none — readiness then relies on the 30s grace spawn
// window plus first output.
var defaultSentinels = map[protocol.AgentKind][]string{
	protocol.AgentClaude: {"Ready for input", "? for shortcuts"},
	protocol.AgentGemini: {"Ready for input", "Type your message"},
	protocol.AgentCodex:  {"Ready for input", "Send a message"},
}

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// ParseFile reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func ParseFile(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Parse decodes YAML bytes, applies ONSEMBL_* environment overrides and
// defaults, and validates the configuration. Validation reports every
// failure at once so operators fix the file in a single pass.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return finish(cfg)
}

// LoadFile decodes the YAML file at path and overlays the ONSEMBL_*
// environment, without applying defaults or validating — the CLI overlays
// its flags first and then calls ApplyDefaults and Validate itself.
// A missing file is not an error: the wrapper can be configured entirely
// from flags and environment.
func LoadFile(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		data = b
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		decoder := yaml.NewDecoder(strings.NewReader(string(data)))
		decoder.KnownFields(true) // reject unrecognised YAML keys
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parsing YAML: %w", err)
		}
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if errs := Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

// applyEnv overlays ONSEMBL_* environment variables. Environment beats the
// file; CLI flags (applied by the caller afterwards) beat both.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ONSEMBL_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ONSEMBL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("ONSEMBL_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("ONSEMBL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ONSEMBL_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
}

// ApplyDefaults fills in every unset option, including the per-kind
// readiness sentinels. Call after all overlays so a flag-set agentType
// still selects the right sentinels.
func ApplyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = 1024
	}
	if cfg.MaxCPUPercent == 0 {
		cfg.MaxCPUPercent = 80
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 10
	}
	if cfg.ReconnectBaseDelayMs == 0 {
		cfg.ReconnectBaseDelayMs = 1000
	}
	if cfg.HeartbeatIntervalMs == 0 {
		cfg.HeartbeatIntervalMs = 30000
	}
	if cfg.OutputBufferSize == 0 {
		cfg.OutputBufferSize = 8192
	}
	if cfg.OutputFlushIntervalMs == 0 {
		cfg.OutputFlushIntervalMs = 100
	}
	if cfg.InterruptSignal == "" {
		cfg.InterruptSignal = InterruptETX
	}
	if len(cfg.ReadySentinels) == 0 {
		cfg.ReadySentinels = defaultSentinels[cfg.AgentType]
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks cfg for semantic errors and returns all of them at once.
// An empty slice means the configuration is valid.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.ServerURL == "" {
		add("serverUrl must not be empty")
	} else if u, err := url.Parse(cfg.ServerURL); err != nil {
		add("serverUrl %q is not a valid URL: %v", cfg.ServerURL, err)
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			add("serverUrl scheme %q is invalid; must be one of ws, wss, http, https", u.Scheme)
		}
	}

	if !protocol.ValidAgentKind(cfg.AgentType) {
		add("agentType %q is invalid; must be one of claude, gemini, codex, custom", cfg.AgentType)
	}
	if cfg.AgentCommand == "" {
		add("agentCommand must not be empty")
	}

	if cfg.MaxMemoryMB < 0 {
		add("maxMemoryMb must be >= 0 (use 0 for the default)")
	}
	if cfg.MaxCPUPercent < 0 || cfg.MaxCPUPercent > 100 {
		add("maxCpuPercent %d is out of range; must be between 0 and 100", cfg.MaxCPUPercent)
	}
	if cfg.ReconnectAttempts < 0 {
		add("reconnectAttempts must be >= 0 (use 0 for the default)")
	}
	if cfg.ReconnectBaseDelayMs < 0 {
		add("reconnectBaseDelay must be >= 0")
	}
	if cfg.HeartbeatIntervalMs < 1000 {
		add("heartbeatInterval %dms is too short; must be at least 1000", cfg.HeartbeatIntervalMs)
	}
	if cfg.OutputBufferSize < 1024 {
		add("outputBufferSize %d is too small; must be at least 1024", cfg.OutputBufferSize)
	}
	if cfg.OutputFlushIntervalMs <= 0 {
		add("outputFlushInterval must be positive")
	}

	if _, ok := validInterruptSignals[cfg.InterruptSignal]; !ok {
		add("interruptSignal %q is invalid; must be etx or sigint", cfg.InterruptSignal)
	}
	if _, ok := validLogLevels[cfg.LogLevel]; !ok {
		add("logLevel %q is invalid; must be one of debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.WorkingDirectory != "" {
		if info, err := os.Stat(cfg.WorkingDirectory); err != nil {
			add("workingDirectory: %v", err)
		} else if !info.IsDir() {
			add("workingDirectory %q is not a directory", cfg.WorkingDirectory)
		}
	}

	return errs
}

// WebSocketURL returns the /ws/agent endpoint URL derived from ServerURL,
// upgrading http(s) schemes to ws(s).
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("config: serverUrl: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}

// KindOpts returns the per-kind options block for the configured agent type.
func (c *Config) KindOpts() KindOptions {
	switch c.AgentType {
	case protocol.AgentClaude:
		return c.Claude
	case protocol.AgentGemini:
		return c.Gemini
	case protocol.AgentCodex:
		return c.Codex
	default:
		return c.Custom
	}
}

// ChildEnv returns the environment variables the kind options translate to,
// ready to append to the child process environment.
func (c *Config) ChildEnv() []string {
	opts := c.KindOpts()
	var env []string
	if opts.Model != "" {
		env = append(env, "ONSEMBL_MODEL="+opts.Model)
	}
	if opts.MaxTokens > 0 {
		env = append(env, fmt.Sprintf("ONSEMBL_MAX_TOKENS=%d", opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		env = append(env, fmt.Sprintf("ONSEMBL_TEMPERATURE=%g", opts.Temperature))
	}
	return env
}

// Duration accessors for the millisecond-valued wire options.

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c *Config) OutputFlushInterval() time.Duration {
	return time.Duration(c.OutputFlushIntervalMs) * time.Millisecond
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.onsembl"
	}
	return ".onsembl"
}
