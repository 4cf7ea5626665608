package review

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/llmclient"
)

// ResponsesAPI is the transport the reviewer calls. *llmclient.ResponsesClient satisfies it.
type ResponsesAPI interface {
	Create(ctx context.Context, req llmclient.Request) (*llmclient.Response, error)
}

// OpenAIReviewer grades screenshots with a Responses API model using structured output.
type OpenAIReviewer struct {
	api    ResponsesAPI
	model  string
	plan   string
	logger *zap.Logger
}

var _ schemas.Reviewer = (*OpenAIReviewer)(nil)

func NewOpenAIReviewer(api ResponsesAPI, model string, logger *zap.Logger) *OpenAIReviewer {
	return &OpenAIReviewer{api: api, model: model, logger: logger.Named("reviewer.openai")}
}

// Instantiate seeds the conversation with the plan text and records it for reviews that
// have no continuation to lean on.
func (r *OpenAIReviewer) Instantiate(ctx context.Context, plan string, _ schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	r.plan = plan
	return r.create(ctx, llmclient.Request{Input: []any{
		map[string]any{"role": "system", "content": SystemPrompt},
		map[string]any{"role": "user", "content": "Instructions: " + plan},
	}})
}

// Review grades one screenshot. Without a continuation id the request carries the plan and
// the baseline state itself; with one, that full form is kept as the stateless retry input.
func (r *OpenAIReviewer) Review(ctx context.Context, req schemas.ReviewRequest) (*schemas.ReviewResponse, error) {
	shot := make([]any, 0, 2)
	if req.Context != "" {
		shot = append(shot, map[string]any{"type": "input_text", "text": "Context: " + req.Context})
	}
	shot = append(shot, map[string]any{
		"type":      "input_image",
		"image_url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Screenshot),
		"detail":    "high",
	})

	state, err := req.Baseline.JSON()
	if err != nil {
		return nil, err
	}
	full := make([]any, 0, len(shot)+1)
	full = append(full, map[string]any{
		"type": "input_text",
		"text": "Instructions: " + r.plan + "\nCurrent test script state: " + state,
	})
	full = append(full, shot...)

	if req.ContinuationID == "" {
		return r.create(ctx, llmclient.Request{Input: reviewInput(full)})
	}
	return r.create(ctx, llmclient.Request{
		Input:              reviewInput(shot),
		StatelessInput:     reviewInput(full),
		PreviousResponseID: req.ContinuationID,
	})
}

func reviewInput(content []any) []any {
	return []any{
		map[string]any{"role": "system", "content": SystemPrompt},
		map[string]any{"role": "user", "content": content},
	}
}

func (r *OpenAIReviewer) create(ctx context.Context, req llmclient.Request) (*schemas.ReviewResponse, error) {
	req.Model = r.model
	req.Text = &llmclient.TextConfig{Format: llmclient.TextFormat{
		Type:   "json_schema",
		Name:   SchemaName,
		Schema: OutputSchema,
		Strict: true,
	}}
	resp, err := r.api.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("review call failed: %w", err)
	}

	verdicts, err := parseVerdicts(resp.OutputText())
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Review response received", zap.String("response_id", resp.ID), zap.Int("steps", len(verdicts)))
	return &schemas.ReviewResponse{ContinuationID: resp.ID, Steps: verdicts}, nil
}
