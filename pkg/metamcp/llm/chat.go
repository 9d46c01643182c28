// Package llm provides the chat-completions port used by the ask-agent
// orchestrator. Responses are requested and parsed as JSON objects.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultTimeout bounds one chat-completions request.
	DefaultTimeout = 30 * time.Second

	// defaultTemperature keeps plan/report output stable.
	defaultTemperature = 0.2
)

// Request is one JSON-mode chat completion.
type Request struct {
	Model   string
	System  string
	User    string
	Timeout time.Duration // zero means DefaultTimeout
}

// Client issues JSON-mode chat completions.
type Client interface {
	// ChatJSON sends the request and unmarshals the model's reply into out.
	// The reply must be a valid JSON object.
	ChatJSON(ctx context.Context, req Request, out any) error
}

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for the given endpoint. baseURL may be
// empty for the default OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}, nil
}

// ChatJSON implements Client.
func (c *OpenAIClient) ChatJSON(ctx context.Context, req Request, out any) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: defaultTemperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no choices returned from model %s", req.Model)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(extractJSON(content)), out); err != nil {
		return fmt.Errorf("model %s returned invalid JSON: %w", req.Model, err)
	}
	return nil
}

// extractJSON strips markdown code fences some models wrap around JSON
// even in JSON mode.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}
