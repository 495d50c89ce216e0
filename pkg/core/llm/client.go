package llm

import (
	"context"
	"strings"
	"time"
)

// Client binds a provider to a concrete model and a call-level timeout.
// Node code holds Clients, not Providers, so model routing and timeouts
// stay out of the node layer.
type Client struct {
	provider    Provider
	model       string
	callTimeout time.Duration
	options     map[string]interface{}
}

// NewClient wraps a provider for a specific model.
func NewClient(provider Provider, model string) *Client {
	return &Client{provider: provider, model: model, options: map[string]interface{}{}}
}

// WithCallTimeout sets a per-call timeout. Zero disables it.
func (c *Client) WithCallTimeout(d time.Duration) *Client {
	c.callTimeout = d
	return c
}

// WithOption sets a default provider option applied to every call.
func (c *Client) WithOption(key string, value interface{}) *Client {
	c.options[key] = value
	return c
}

// Model returns the bound model name.
func (c *Client) Model() string { return c.model }

// ProviderName returns the underlying provider's name.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Generate runs one generation call. Per-call options overlay the client's
// defaults; the bound model wins unless the call overrides it.
func (c *Client) Generate(ctx context.Context, prompt, systemPrompt string, opts map[string]interface{}) (string, error) {
	merged := map[string]interface{}{}
	for k, v := range c.options {
		merged[k] = v
	}
	if c.model != "" {
		merged["model"] = c.model
	}
	for k, v := range opts {
		merged[k] = v
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.provider.GenerateResponse(ctx, prompt, systemPrompt, merged)
}

// ClientForModel routes a model name to a provider-backed client.
// Gemini-family names go to the GenAI SDK; everything else is assumed
// OpenAI-compatible.
func ClientForModel(model string) *Client {
	if strings.HasPrefix(model, "gemini") {
		return NewClient(&GeminiProvider{Model: model}, model)
	}
	return NewClient(&OpenAIProvider{Model: model}, model)
}
