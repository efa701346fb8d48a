// Package cerebras provides a Cerebras provider adapter over the official
// OpenAI Go SDK; the Cerebras inference endpoint speaks the OpenAI
// chat-completions protocol.
package cerebras

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"autopatch/pkg/llm"
	"autopatch/pkg/llm/llmerrors"
)

// DefaultBaseURL is the Cerebras OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.cerebras.net/v1"

// DefaultModel is used when the request leaves the model unset.
const DefaultModel = "llama3.1-70b"

// Client implements llm.Provider against the Cerebras chat-completions API.
type Client struct {
	baseURL string
	model   string
}

// New creates a Cerebras adapter. Empty arguments fall back to defaults.
func New(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{baseURL: baseURL, model: model}
}

// Name implements llm.Provider.
func (c *Client) Name() string {
	return "cerebras"
}

// Complete implements llm.Provider. The credential is bound per call; the
// underlying SDK client is cheap to construct and holds no connection state.
func (c *Client) Complete(ctx context.Context, credential string, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client := openai.NewClient(
		option.WithAPIKey(credential),
		option.WithBaseURL(c.baseURL),
	)

	model := in.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if in.System != "" {
		messages = append(messages, openai.SystemMessage(in.System))
	}
	messages = append(messages, openai.UserMessage(in.User))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(in.MaxTokens)),
		Temperature: openai.Float(float64(in.Temperature)),
	}
	if in.ForceJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeTransient, "empty response from Cerebras API")
	}

	choice := resp.Choices[0]
	return llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: stopReason(string(choice.FinishReason)),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func stopReason(finish string) string {
	switch finish {
	case "length":
		return llm.StopReasonMaxTokens
	case "content_filter":
		return llm.StopReasonSafety
	default:
		return llm.StopReasonEndTurn
	}
}

// classify maps SDK errors into the shared classification, preserving the
// HTTP status when the SDK surfaces one.
func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return llmerrors.NewWithCause(
			llmerrors.ClassifyStatus(apierr.StatusCode),
			err,
			fmt.Sprintf("Cerebras API error (status %d)", apierr.StatusCode),
		)
	}
	return llmerrors.NewWithCause(llmerrors.Classify(err), err, "Cerebras API call failed")
}
