package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/kestrel/pkg/keyring"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements Provider for OpenAI
type OpenAIProvider struct{}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Classify maps an HTTP outcome to an error kind
func (p *OpenAIProvider) Classify(statusCode int, body string) keyring.ErrorKind {
	return classifyCommon(statusCode, body)
}

// Complete makes an API call to OpenAI
func (p *OpenAIProvider) Complete(ctx context.Context, key keyring.Key, req Request) (*Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(key.APIKey)}
	if key.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(key.BaseURL))
	}
	client := openai.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = key.Model
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	return completeChat(ctx, p, &client, model, req)
}

// completeChat drives one chat-completions call. Shared with the Qwen
// adapter, which speaks the same protocol through a different gateway.
func completeChat(ctx context.Context, p Provider, client *openai.Client, model string, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	response, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			kind := p.Classify(apierr.StatusCode, apierr.Error())
			return nil, &ProviderError{Provider: p.Name(), Kind: kind, StatusCode: apierr.StatusCode, Err: err}
		}
		return nil, temporary(p.Name(), 0, err)
	}

	if len(response.Choices) == 0 {
		return nil, temporary(p.Name(), 0, fmt.Errorf("response contained no choices"))
	}

	return &Response{
		Text: response.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}
