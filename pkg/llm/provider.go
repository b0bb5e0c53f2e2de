package llm

import (
	"context"
	"strings"

	"github.com/harun/kestrel/pkg/keyring"
)

// Message is one role-tagged conversation entry passed to an adapter
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request contains the provider-independent call parameters
type Request struct {
	Messages     []Message
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Usage tracks approximate token consumption for metering
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response contains the plain-text result of one provider call
type Response struct {
	Text  string
	Usage Usage
}

// Provider is implemented once per LLM backend
type Provider interface {
	// Name returns the provider identifier used in hierarchies and keys
	Name() string

	// Complete performs one call with the given credential
	Complete(ctx context.Context, key keyring.Key, req Request) (*Response, error)

	// Classify maps an HTTP outcome to a key-health error kind
	Classify(statusCode int, body string) keyring.ErrorKind
}

// Registry resolves provider adapters by identifier
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with all built-in adapters
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(NewAnthropicProvider())
	r.Register(NewOpenAIProvider())
	r.Register(NewQwenProvider())
	r.Register(NewGeminiProvider())
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the adapter for a provider identifier
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// quotaExhausted reports whether a 429 body indicates spent quota rather
// than a momentary rate limit
func quotaExhausted(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"quota", "exceeded your current", "insufficient_quota", "billing", "exhausted"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyCommon is the default classification shared by adapters:
// credential failures are permanent, rate limits depend on the body and
// server errors pass.
func classifyCommon(statusCode int, body string) keyring.ErrorKind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return keyring.ErrorPermanent
	case statusCode == 429:
		if quotaExhausted(body) {
			return keyring.ErrorPermanent
		}
		return keyring.ErrorTemporary
	case statusCode >= 500:
		return keyring.ErrorTemporary
	default:
		return keyring.ErrorTemporary
	}
}

// EstimateTokens gives a rough token count for metering when a backend
// does not report usage. 1 token is roughly 4 characters.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
