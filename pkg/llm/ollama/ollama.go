// Package ollama provides a navigator provider backed by an Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/entrhq/browserd/pkg/llm"
)

const (
	// DefaultEndpoint is the default Ollama server address
	DefaultEndpoint = "http://localhost:11434"

	// DefaultModel is the model name the navigator is published under
	DefaultModel = "navigator"
)

// Provider implements llm.Provider for Ollama's generate API.
type Provider struct {
	httpClient *http.Client
	endpoint   string
	model      string
	options    llm.Options
}

// ProviderOption is a function that configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the model to use.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint sets the Ollama server address.
func WithEndpoint(endpoint string) ProviderOption {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithOptions overrides the sampling options.
func WithOptions(o llm.Options) ProviderOption {
	return func(p *Provider) {
		p.options = o
	}
}

// NewProvider creates an Ollama provider.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		httpClient: &http.Client{},
		endpoint:   DefaultEndpoint,
		model:      DefaultModel,
		options:    llm.DefaultOptions,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate calls POST /api/generate with streaming disabled.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: p.options.Temperature,
			NumPredict:  p.options.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &llm.HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Response, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Available lists the server's models via GET /api/tags and looks for ours,
// with or without a tag suffix.
func (p *Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == p.model || strings.HasPrefix(m.Name, p.model+":") {
			return true
		}
	}
	return false
}

// Model returns the model name being used.
func (p *Provider) Model() string {
	return p.model
}

// Endpoint returns the server address being used.
func (p *Provider) Endpoint() string {
	return p.endpoint
}
