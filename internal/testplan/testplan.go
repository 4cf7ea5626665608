// Package testplan loads the externally authored test plans a run executes.
package testplan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/lookout/api/schemas"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ValidationError is a single problem found in a plan file.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in a plan file.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// Plan is a validated test plan.
type Plan struct {
	schemas.TestPlan
	Source string
}

// Load reads and validates the plan at path. Files ending in .json, or whose content
// starts with '{', are decoded as JSON; everything else as YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test plan: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes and validates plan data. source names the data in error messages.
func Parse(data []byte, source string) (*Plan, error) {
	var raw schemas.TestPlan
	if isJSON(data, source) {
		if err := codec.Unmarshal(data, &raw); err != nil {
			return nil, ValidationErrors{{File: source, Field: "json", Message: err.Error()}}
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{File: source, Field: "yaml", Message: err.Error()}}
	}

	p := &Plan{TestPlan: raw, Source: source}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func isJSON(data []byte, source string) bool {
	if strings.EqualFold(filepath.Ext(source), ".json") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("{"))
}

// Validate reports every structural problem with the plan: it must have steps, step
// numbers must be positive and unique, and every step needs instructions.
func (p *Plan) Validate() error {
	var errs ValidationErrors
	if len(p.Steps) == 0 {
		errs = append(errs, ValidationError{File: p.Source, Field: "steps", Message: "must contain at least one step"})
	}

	seen := make(map[int]struct{}, len(p.Steps))
	for idx, step := range p.Steps {
		field := fmt.Sprintf("steps[%d]", idx)
		if step.StepNumber <= 0 {
			errs = append(errs, ValidationError{File: p.Source, Field: field + ".step_number", Message: "must be a positive integer"})
		} else if _, dup := seen[step.StepNumber]; dup {
			errs = append(errs, ValidationError{File: p.Source, Field: field + ".step_number", Message: fmt.Sprintf("duplicate step_number %d", step.StepNumber)})
		} else {
			seen[step.StepNumber] = struct{}{}
		}
		if strings.TrimSpace(step.Instructions) == "" {
			errs = append(errs, ValidationError{File: p.Source, Field: field + ".step_instructions", Message: "step_instructions is required"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Instructions renders the plan as the text handed to the planner and the reviewer,
// one "Step N: ..." line per step in authored order.
func (p *Plan) Instructions() string {
	var b strings.Builder
	for i, step := range p.Steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Step %d: %s", step.StepNumber, strings.TrimSpace(step.Instructions))
	}
	return b.String()
}

// Baseline is the initial review state: one pending entry per step.
func (p *Plan) Baseline() schemas.TestScriptState {
	steps := make([]schemas.TestStepState, len(p.Steps))
	for i, step := range p.Steps {
		steps[i] = schemas.TestStepState{StepNumber: step.StepNumber, Status: schemas.StepPending}
	}
	return schemas.TestScriptState{Steps: steps}
}
