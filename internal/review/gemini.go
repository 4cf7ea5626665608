package review

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// ContentGenerator is the slice of the genai client the reviewer uses. client.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiReviewer grades screenshots with a Gemini model. Gemini has no server-side
// conversation state, so every call carries the current plan state as text and the
// continuation id it returns is always empty.
type GeminiReviewer struct {
	models ContentGenerator
	model  string
	plan   string
	logger *zap.Logger
}

var _ schemas.Reviewer = (*GeminiReviewer)(nil)

// NewGeminiClient builds a genai client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

func NewGeminiReviewer(models ContentGenerator, model string, logger *zap.Logger) *GeminiReviewer {
	return &GeminiReviewer{models: models, model: model, logger: logger.Named("reviewer.gemini")}
}

// Instantiate records the plan text and asks for the initial grading.
func (r *GeminiReviewer) Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	r.plan = plan
	return r.generate(ctx, []*genai.Part{
		genai.NewPartFromText("Instructions: " + plan),
	}, baseline)
}

// Review grades one screenshot against the baseline.
func (r *GeminiReviewer) Review(ctx context.Context, req schemas.ReviewRequest) (*schemas.ReviewResponse, error) {
	parts := make([]*genai.Part, 0, 4)
	if r.plan != "" {
		parts = append(parts, genai.NewPartFromText("Instructions: "+r.plan))
	}
	if req.Context != "" {
		parts = append(parts, genai.NewPartFromText("Context: "+req.Context))
	}
	parts = append(parts, genai.NewPartFromBytes(req.Screenshot, "image/png"))
	return r.generate(ctx, parts, req.Baseline)
}

func (r *GeminiReviewer) generate(ctx context.Context, parts []*genai.Part, baseline schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	state, err := baseline.JSON()
	if err != nil {
		return nil, err
	}
	parts = append(parts, genai.NewPartFromText("Current test script state: "+state))

	resp, err := r.models.GenerateContent(ctx, r.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    geminiSchema,
		})
	if err != nil {
		return nil, fmt.Errorf("review call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned no content")
	}
	verdicts, err := parseVerdicts(text)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Review response received", zap.Int("steps", len(verdicts)))
	return &schemas.ReviewResponse{Steps: verdicts}, nil
}

var geminiSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"steps": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"step_number":    {Type: genai.TypeInteger},
					"status":         {Type: genai.TypeString, Enum: []string{"pending", "pass", "fail"}},
					"step_reasoning": {Type: genai.TypeString},
				},
				Required: []string{"step_number", "status", "step_reasoning"},
			},
		},
	},
	Required: []string{"steps"},
}
