// Package gemini provides a Google Gemini provider adapter on the GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"autopatch/pkg/llm"
	"autopatch/pkg/llm/llmerrors"
)

// DefaultModel is used when the request leaves the model unset.
const DefaultModel = "gemini-2.0-flash"

// Client implements llm.Provider against the Gemini API.
type Client struct {
	model string
}

// New creates a Gemini adapter.
func New(model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{model: model}
}

// Name implements llm.Provider.
func (c *Client) Name() string {
	return "gemini"
}

// Complete implements llm.Provider. The SDK client is constructed per call
// because the credential rotates underneath us.
func (c *Client) Complete(ctx context.Context, credential string, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewWithCause(llmerrors.ErrorTypeFatal, err, "failed to create Gemini client")
	}

	model := in.Model
	if model == "" {
		model = c.model
	}

	temp := in.Temperature
	//nolint:gosec // MaxTokens validated at request normalization, overflow not reachable
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxTokens,
	}
	if in.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: in.System}},
		}
	}
	if in.ForceJSON {
		config.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: in.User}}},
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classify(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeTransient, "empty response from Gemini API")
	}

	resp := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result.Candidates[0].FinishReason),
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

func stopReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return llm.StopReasonMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return llm.StopReasonSafety
	default:
		return llm.StopReasonEndTurn
	}
}

func classify(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return llmerrors.NewWithCause(
			llmerrors.ClassifyStatus(apierr.Code),
			err,
			fmt.Sprintf("Gemini API error (status %d)", apierr.Code),
		)
	}
	return llmerrors.NewWithCause(llmerrors.Classify(err), err, "Gemini API call failed")
}
