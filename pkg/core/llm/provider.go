package llm

import (
	"context"
	"strings"
)

// Provider is the interface for all LLM providers.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, error)
	// Name identifies the provider in logs and error messages.
	Name() string
}

// IsAuthError reports whether a provider error looks like an authentication
// or authorization failure. Auth failures are logged distinctly from generic
// generation failures so misconfigured keys surface fast.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"api key", "api_key", "unauthorized", "unauthenticated",
		"permission denied", "invalid authentication", "status=401", "status=403",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
