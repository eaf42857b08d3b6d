package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/rapport/internal/llm/prompts"
	"github.com/pavelanni/rapport/internal/model"
)

// ErrEmptyResponse is returned when the model answers with nothing usable.
var ErrEmptyResponse = errors.New("LLM returned no choices")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api *openai.Client
}

// New creates a new LLM client. An empty baseURL targets the OpenAI API.
func New(baseURL, apiKey string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(config)}
}

// SuggestFeedback asks modelName for teacher feedback on a participant's
// first submission to one variation of ex.
func (c *Client) SuggestFeedback(ctx context.Context, ex model.Exercise, stimulus, submission, modelName string) (string, error) {
	msgs, err := buildMessages(ex, stimulus, submission)
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM response", "model", modelName, "raw", text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Ping checks that the endpoint answers and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// buildMessages lays out the conversation: the exercise system prompt, each
// worked example as a user/assistant pair, then the submission to review.
func buildMessages(ex model.Exercise, stimulus, submission string) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(ex.Examples))
	if ex.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: ex.SystemPrompt,
		})
	}
	for _, e := range ex.Examples {
		exchange, err := prompts.FormatExchange(e.Original, e.Student)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: exchange},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: e.Feedback},
		)
	}
	exchange, err := prompts.FormatExchange(stimulus, submission)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: exchange})
	return msgs, nil
}
