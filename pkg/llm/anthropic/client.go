// Package anthropic provides a Claude provider adapter on the official
// Anthropic Go SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"autopatch/pkg/llm"
	"autopatch/pkg/llm/llmerrors"
)

// DefaultModel is used when the request leaves the model unset.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_20250514)

// Client implements llm.Provider against the Anthropic Messages API.
type Client struct {
	model string
}

// New creates an Anthropic adapter.
func New(model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{model: model}
}

// Name implements llm.Provider.
func (c *Client) Name() string {
	return "anthropic"
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, credential string, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client := anthropic.NewClient(option.WithAPIKey(credential))

	model := in.Model
	if model == "" {
		model = c.model
	}

	user := in.User
	// The Messages API has no JSON response format; steer via instruction.
	if in.ForceJSON && !strings.Contains(in.System, "JSON") {
		user += "\n\nRespond with a single JSON object and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(in.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: in.System},
		}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classify(err)
	}
	if msg == nil || len(msg.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeTransient, "empty response from Anthropic API")
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return llm.CompletionResponse{
		Content:    content.String(),
		StopReason: stopReason(string(msg.StopReason)),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func stopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return llm.StopReasonMaxTokens
	case "refusal":
		return llm.StopReasonSafety
	default:
		return llm.StopReasonEndTurn
	}
}

func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return llmerrors.NewWithCause(
			llmerrors.ClassifyStatus(apierr.StatusCode),
			err,
			fmt.Sprintf("Anthropic API error (status %d)", apierr.StatusCode),
		)
	}
	return llmerrors.NewWithCause(llmerrors.Classify(err), err, "Anthropic API call failed")
}
