// Package config loads and validates browserd configuration.
//
// Configuration comes from an optional YAML file layered over Default(),
// then a fixed set of environment variables override individual values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Display   DisplayConfig   `yaml:"display" json:"display"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Navigator NavigatorConfig `yaml:"navigator" json:"navigator"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP and socket listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// AllowedOrigins lists origins accepted for CORS and socket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// MaxConnections caps concurrently accepted TCP connections. 0 means unlimited.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// MessagesPerSecond and MessageBurst rate limit inbound socket commands per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst" json:"message_burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OriginPatterns returns AllowedOrigins as host patterns for websocket
// origin checks. "*" allows any origin.
func (s ServerConfig) OriginPatterns() []string {
	patterns := make([]string, 0, len(s.AllowedOrigins))
	for _, o := range s.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// Driver names a browser automation backend.
type Driver string

const (
	DriverPlaywright Driver = "playwright"
	DriverChromedp   Driver = "chromedp"
)

// BrowserConfig configures browser launch and page actions.
type BrowserConfig struct {
	Driver Driver `yaml:"driver" json:"driver"`

	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`

	// Timeout is the default per-action timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ExecPath optionally points at a specific Chromium binary.
	ExecPath string `yaml:"exec_path" json:"exec_path"`

	// AllowedURLs and DeniedURLs are glob patterns restricting navigation.
	// An empty allow list allows everything not denied.
	AllowedURLs []string `yaml:"allowed_urls" json:"allowed_urls"`
	DeniedURLs  []string `yaml:"denied_urls" json:"denied_urls"`

	// MaxElements caps the interactive elements reported per page.
	MaxElements int `yaml:"max_elements" json:"max_elements"`
}

// DisplayMode selects how browsers get a screen.
type DisplayMode string

const (
	DisplayAuto    DisplayMode = "auto"
	DisplayDirect  DisplayMode = "direct"
	DisplayVirtual DisplayMode = "virtual"
)

// DisplayConfig configures display and port allocation.
type DisplayConfig struct {
	Mode DisplayMode `yaml:"mode" json:"mode"`

	// First values handed out by the session registry.
	BaseDisplay int `yaml:"base_display" json:"base_display"`
	BaseVNCPort int `yaml:"base_vnc_port" json:"base_vnc_port"`
	BaseWSPort  int `yaml:"base_ws_port" json:"base_ws_port"`

	// MaxSessions caps live sessions, and so displays and ports. 0 means unlimited.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	StartupWait time.Duration `yaml:"startup_wait" json:"startup_wait"`
}

// StreamConfig configures live frame relay.
type StreamConfig struct {
	Interval   time.Duration `yaml:"interval" json:"interval"`
	VNCEnabled bool          `yaml:"vnc_enabled" json:"vnc_enabled"`

	// PublicHost is the host clients use to reach relay ports.
	PublicHost string `yaml:"public_host" json:"public_host"`
}

// AgentConfig configures the decision loop.
type AgentConfig struct {
	MaxSteps            int           `yaml:"max_steps" json:"max_steps"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" json:"confidence_threshold"`
	StepDelay           time.Duration `yaml:"step_delay" json:"step_delay"`

	// DecisionTimeout bounds a single navigator call.
	DecisionTimeout time.Duration `yaml:"decision_timeout" json:"decision_timeout"`

	// DecisionRetries is how many times a malformed or failed reply is retried.
	DecisionRetries int `yaml:"decision_retries" json:"decision_retries"`

	// PromptTokenBudget caps the prompt size; elements are dropped to fit.
	PromptTokenBudget int `yaml:"prompt_token_budget" json:"prompt_token_budget"`

	// Autostart starts a run as soon as a session is launched.
	Autostart bool `yaml:"autostart" json:"autostart"`
}

// Backend names a navigator API flavor.
type Backend string

const (
	BackendOllama Backend = "ollama"
	BackendOpenAI Backend = "openai"
)

// NavigatorConfig configures the external reasoning model.
type NavigatorConfig struct {
	Backend  Backend `yaml:"backend" json:"backend"`
	Endpoint string  `yaml:"endpoint" json:"endpoint"`
	Model    string  `yaml:"model" json:"model"`
	APIKey   string  `yaml:"api_key" json:"api_key"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a configuration suitable for a single local host.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3001,
			AllowedOrigins:    []string{"http://localhost:3000"},
			MessagesPerSecond: 20,
			MessageBurst:      40,
			ShutdownTimeout:   10 * time.Second,
		},
		Browser: BrowserConfig{
			Driver:         DriverPlaywright,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			Timeout:        30 * time.Second,
			MaxElements:    50,
		},
		Display: DisplayConfig{
			Mode:        DisplayAuto,
			BaseDisplay: 99,
			BaseVNCPort: 5900,
			BaseWSPort:  6080,
			StartupWait: time.Second,
		},
		Stream: StreamConfig{
			Interval:   100 * time.Millisecond,
			VNCEnabled: true,
			PublicHost: "localhost",
		},
		Agent: AgentConfig{
			MaxSteps:            20,
			ConfidenceThreshold: 0.7,
			StepDelay:           500 * time.Millisecond,
			DecisionTimeout:     60 * time.Second,
			DecisionRetries:     2,
			PromptTokenBudget:   3000,
			Autostart:           true,
		},
		Navigator: NavigatorConfig{
			Backend:  BackendOllama,
			Endpoint: "http://localhost:11434",
			Model:    "navigator",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over Default(), applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BROWSER_SERVICE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BROWSER_SERVICE_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("BROWSER_SERVICE_HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("FRONTEND_URL"); ok && v != "" {
		c.Server.AllowedOrigins = []string{v}
	}
	if v, ok := lookup("OLLAMA_URL"); ok && v != "" {
		c.Navigator.Endpoint = v
	}
	if v, ok := lookup("NAVIGATOR_MODEL"); ok && v != "" {
		c.Navigator.Model = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" && c.Navigator.APIKey == "" {
		c.Navigator.APIKey = v
	}
	if v, ok := lookup("OPENAI_BASE_URL"); ok && v != "" && c.Navigator.Backend == BackendOpenAI {
		c.Navigator.Endpoint = v
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections cannot be negative")
	}
	if c.Server.MessagesPerSecond <= 0 {
		return errors.New("server.messages_per_second must be positive")
	}

	if c.Browser.Driver != DriverPlaywright && c.Browser.Driver != DriverChromedp {
		return fmt.Errorf("invalid browser.driver: %s (must be 'playwright' or 'chromedp')", c.Browser.Driver)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return errors.New("browser viewport must be positive")
	}
	if c.Browser.Timeout <= 0 {
		return errors.New("browser.timeout must be positive")
	}

	switch c.Display.Mode {
	case DisplayAuto, DisplayDirect, DisplayVirtual:
	default:
		return fmt.Errorf("invalid display.mode: %s (must be 'auto', 'direct' or 'virtual')", c.Display.Mode)
	}
	if c.Display.BaseDisplay < 0 || c.Display.BaseVNCPort <= 0 || c.Display.BaseWSPort <= 0 {
		return errors.New("display bases must be positive")
	}
	if c.Display.MaxSessions < 0 {
		return errors.New("display.max_sessions cannot be negative")
	}

	if c.Stream.Interval <= 0 {
		return errors.New("stream.interval must be positive")
	}

	if c.Agent.MaxSteps <= 0 {
		return errors.New("agent.max_steps must be positive")
	}
	if c.Agent.ConfidenceThreshold < 0 || c.Agent.ConfidenceThreshold > 1 {
		return fmt.Errorf("agent.confidence_threshold %v out of range [0,1]", c.Agent.ConfidenceThreshold)
	}
	if c.Agent.StepDelay < 0 {
		return errors.New("agent.step_delay cannot be negative")
	}
	if c.Agent.DecisionTimeout <= 0 {
		return errors.New("agent.decision_timeout must be positive")
	}
	if c.Agent.DecisionRetries < 0 {
		return errors.New("agent.decision_retries cannot be negative")
	}

	switch c.Navigator.Backend {
	case BackendOllama:
	case BackendOpenAI:
		if c.Navigator.APIKey == "" {
			return errors.New("navigator.api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("invalid navigator.backend: %s (must be 'ollama' or 'openai')", c.Navigator.Backend)
	}
	if c.Navigator.Endpoint == "" || c.Navigator.Model == "" {
		return errors.New("navigator endpoint and model are required")
	}

	return nil
}
