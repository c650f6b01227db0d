// Package llm provides abstractions for the navigator model integration.
//
// Example usage:
//
//	provider := ollama.NewProvider(ollama.WithModel("navigator"))
//
//	reply, err := provider.Generate(ctx, prompt)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(reply)
package llm

import (
	"context"
	"fmt"
)

// Provider defines the interface for navigator integrations.
//
// Providers only move text: the agent builds the prompt and parses the
// reply. This keeps backends interchangeable and testable with a fake.
type Provider interface {
	// Generate sends a single prompt and returns the full, non-streamed reply.
	Generate(ctx context.Context, prompt string) (string, error)

	// Model returns the model name being used.
	Model() string

	// Available reports whether the backend is reachable and serves the model.
	Available(ctx context.Context) bool
}

// HTTPError is returned when a backend answers with a non-success status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Options are sampling settings shared by providers.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// DefaultOptions keeps replies short and near-deterministic.
var DefaultOptions = Options{
	Temperature: 0.2,
	MaxTokens:   500,
}
