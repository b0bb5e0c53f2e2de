package llm

import (
	"context"
	"fmt"

	"github.com/harun/kestrel/pkg/keyring"
)

// GeminiProvider implements Provider for Google Gemini
type GeminiProvider struct{}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Classify maps an HTTP outcome to an error kind
func (p *GeminiProvider) Classify(statusCode int, body string) keyring.ErrorKind {
	return classifyCommon(statusCode, body)
}

// Complete makes an API call to Google Gemini
func (p *GeminiProvider) Complete(ctx context.Context, key keyring.Key, req Request) (*Response, error) {
	// Gemini integration is not available yet in this provider.
	return nil, permanent(p.Name(), 0, fmt.Errorf("gemini provider not yet implemented - use anthropic or openai"))
}
