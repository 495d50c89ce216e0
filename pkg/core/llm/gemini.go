package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google's Gemini
// models using the official GenAI SDK. The underlying client is created
// lazily and reused across calls.
type GeminiProvider struct {
	Model string // e.g. "gemini-2.0-flash"

	once   sync.Once
	client *genai.Client
	initEr error
}

var _ Provider = (*GeminiProvider)(nil)

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) init(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			p.initEr = fmt.Errorf("GEMINI_API_KEY environment variable not set")
			return
		}
		p.client, p.initEr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.client, p.initEr
}

// GenerateResponse sends a generateContent request to the Gemini API.
func (p *GeminiProvider) GenerateResponse(ctx context.Context, prompt string, systemPrompt string, options map[string]interface{}) (string, error) {
	client, err := p.init(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := p.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if val, ok := options["model"].(string); ok && val != "" {
		model = val
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.1)),
	}
	if val, ok := options["temperature"].(float64); ok {
		config.Temperature = genai.Ptr(float32(val))
	}
	if val, ok := options["max_tokens"].(int); ok && val > 0 {
		config.MaxOutputTokens = int32(val)
	}

	// Contract analysis prompts that expect structured output request native
	// JSON mode so the parser sees clean payloads.
	if val, ok := options["response_format"].(map[string]interface{}); ok {
		if val["type"] == "json_object" {
			config.ResponseMIMEType = "application/json"
		}
	} else if wantsJSON, ok := options["expects_structured_output"].(bool); ok && wantsJSON {
		config.ResponseMIMEType = "application/json"
	}

	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: systemPrompt},
			},
		}
	}

	result, err := client.Models.GenerateContent(
		ctx,
		model,
		genai.Text(prompt),
		config,
	)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned empty response for model %s", model)
	}
	return text, nil
}
