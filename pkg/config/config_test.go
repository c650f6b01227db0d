package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Agent.MaxSteps)
	assert.Equal(t, 0.7, cfg.Agent.ConfidenceThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.StepDelay)
	assert.Equal(t, 1920, cfg.Browser.ViewportWidth)
	assert.Equal(t, 1080, cfg.Browser.ViewportHeight)
	assert.Equal(t, 30*time.Second, cfg.Browser.Timeout)
	assert.Equal(t, 99, cfg.Display.BaseDisplay)
	assert.Equal(t, 5900, cfg.Display.BaseVNCPort)
	assert.Equal(t, 6080, cfg.Display.BaseWSPort)
	assert.Equal(t, "http://localhost:11434", cfg.Navigator.Endpoint)
	assert.Equal(t, "navigator", cfg.Navigator.Model)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browserd.yaml")
	content := `
server:
  port: 4000
browser:
  driver: chromedp
  denied_urls: ["*://*.internal/*"]
agent:
  max_steps: 5
  step_delay: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, DriverChromedp, cfg.Browser.Driver)
	assert.Equal(t, []string{"*://*.internal/*"}, cfg.Browser.DeniedURLs)
	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.Equal(t, time.Second, cfg.Agent.StepDelay)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.7, cfg.Agent.ConfidenceThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BROWSER_SERVICE_PORT": "3500",
		"FRONTEND_URL":         "https://app.example.com",
		"OLLAMA_URL":           "http://ollama:11434",
		"NAVIGATOR_MODEL":      "nav-large",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, 3500, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "http://ollama:11434", cfg.Navigator.Endpoint)
	assert.Equal(t, "nav-large", cfg.Navigator.Model)
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "BROWSER_SERVICE_PORT" {
			return "abc", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *Config) { c.Browser.Driver = "selenium" }},
		{"bad display mode", func(c *Config) { c.Display.Mode = "wayland" }},
		{"zero max steps", func(c *Config) { c.Agent.MaxSteps = 0 }},
		{"threshold above one", func(c *Config) { c.Agent.ConfidenceThreshold = 1.2 }},
		{"openai without key", func(c *Config) { c.Navigator.Backend = BackendOpenAI }},
		{"unknown backend", func(c *Config) { c.Navigator.Backend = "bard" }},
		{"zero interval", func(c *Config) { c.Stream.Interval = 0 }},
		{"negative session cap", func(c *Config) { c.Display.MaxSessions = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:3001", ServerConfig{Host: "127.0.0.1", Port: 3001}.Addr())
}

func TestServerConfig_OriginPatterns(t *testing.T) {
	s := ServerConfig{AllowedOrigins: []string{"http://localhost:3000", "https://app.example.com", "*.internal"}}
	assert.Equal(t, []string{"localhost:3000", "app.example.com", "*.internal"}, s.OriginPatterns())

	s.AllowedOrigins = []string{"http://localhost:3000", "*"}
	assert.Equal(t, []string{"*"}, s.OriginPatterns())
}
