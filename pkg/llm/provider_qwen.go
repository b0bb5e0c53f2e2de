package llm

import (
	"context"

	"github.com/harun/kestrel/pkg/keyring"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultQwenBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultQwenModel   = "qwen-plus"
)

// QwenProvider implements Provider for Alibaba Qwen via the DashScope
// OpenAI-compatible endpoint
type QwenProvider struct{}

// NewQwenProvider creates a new Qwen provider
func NewQwenProvider() *QwenProvider {
	return &QwenProvider{}
}

// Name returns the provider name
func (p *QwenProvider) Name() string {
	return "qwen"
}

// Classify maps an HTTP outcome to an error kind. The DashScope gateway
// returns 401 for transient auth-proxy hiccups as well as bad keys, so a
// 401 here is treated as temporary instead of burning the key.
func (p *QwenProvider) Classify(statusCode int, body string) keyring.ErrorKind {
	if statusCode == 401 {
		return keyring.ErrorTemporary
	}
	return classifyCommon(statusCode, body)
}

// Complete makes an API call to Qwen
func (p *QwenProvider) Complete(ctx context.Context, key keyring.Key, req Request) (*Response, error) {
	baseURL := key.BaseURL
	if baseURL == "" {
		baseURL = defaultQwenBaseURL
	}
	client := openai.NewClient(
		option.WithAPIKey(key.APIKey),
		option.WithBaseURL(baseURL),
	)

	model := req.Model
	if model == "" {
		model = key.Model
	}
	if model == "" {
		model = defaultQwenModel
	}

	return completeChat(ctx, p, &client, model, req)
}
