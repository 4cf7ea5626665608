package review

import (
	"fmt"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/llmutil"
)

// SystemPrompt instructs the review service how to grade screenshots against the plan.
const SystemPrompt = `You are a test script review agent. You will be given a set of test cases in the format below and screenshots of the test results.

SAMPLE FORMAT:
{
  "steps": [
    {"step_number": 1, "step_instructions": "Open a web browser and navigate to the login URL: https://xyz.com/", "status": "pending"},
    {"step_number": 2, "step_instructions": "Enter the provided username/password on the login page.", "status": "pending"}
  ]
}

Reply with an updated steps array in JSON:
{
  "steps": [
    {"step_number": 1, "status": "pass | fail | pending", "step_reasoning": "explanation"}
  ]
}

Do not add or remove any steps. Do not modify any step that already has a "pass" or "fail" status unless you are certain it has changed. Keep "pending" steps as needed.
Keep the same step_number order.`

// SchemaName names the structured output format.
const SchemaName = "test_script_output"

// OutputSchema is the JSON schema of a review reply.
var OutputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"step_number":    map[string]any{"type": "integer"},
					"status":         map[string]any{"type": "string", "enum": []string{"pending", "pass", "fail"}},
					"step_reasoning": map[string]any{"type": "string"},
				},
				"required":             []string{"step_number", "status", "step_reasoning"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"steps"},
	"additionalProperties": false,
}

type verdictReply struct {
	Steps []struct {
		StepNumber int    `json:"step_number"`
		Status     string `json:"status"`
		Reasoning  string `json:"step_reasoning"`
	} `json:"steps"`
}

// parseVerdicts decodes a review reply. Status strings are normalized so "Pass" and "pass"
// are equivalent; an unknown status fails the whole reply.
func parseVerdicts(text string) ([]schemas.StepVerdict, error) {
	reply, err := llmutil.ParseJSONResponse[verdictReply](text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode review reply: %w", err)
	}

	verdicts := make([]schemas.StepVerdict, 0, len(reply.Steps))
	for _, s := range reply.Steps {
		status, err := schemas.ParseStepStatus(s.Status)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.StepNumber, err)
		}
		verdicts = append(verdicts, schemas.StepVerdict{StepNumber: s.StepNumber, Status: status, Reasoning: s.Reasoning})
	}
	return verdicts, nil
}
