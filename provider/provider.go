package provider

import (
	"context"
	"fmt"
	"time"

	openai_provider "github.com/memora-ai/memora/provider/openai"
)

// Client is the uniform runtime interface through which the pipeline talks
// to an LLM/embedding provider. Concrete SDK mechanics stay behind it.
type Client interface {
	// Generate produces a completion for the prompt using the given model.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// Embed generates vector embeddings for the provided inputs in one call.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Options carries the connection parameters resolved for one provider.
type Options struct {
	Type    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// New builds a runtime client for the named provider. Providers that speak
// the OpenAI wire format share one implementation with a different base URL.
func New(opts Options) (Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch opts.Type {
	case "", "openai", "openai_compatible":
		return openai_provider.NewClient(opts.APIKey, opts.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", opts.Type)
	}
}
