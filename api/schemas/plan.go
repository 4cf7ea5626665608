package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// -- Test Script Schemas --

// StepStatus is the review verdict for a single test step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepPass    StepStatus = "pass"
	StepFail    StepStatus = "fail"
)

// ParseStepStatus normalizes a status string returned by a review service.
// Services are inconsistent about casing ("Pass" vs "pass"), so matching is case-insensitive.
func ParseStepStatus(s string) (StepStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "":
		return StepPending, nil
	case "pass", "passed":
		return StepPass, nil
	case "fail", "failed":
		return StepFail, nil
	default:
		return "", fmt.Errorf("unknown step status %q", s)
	}
}

// IsTerminal reports whether the status is pass or fail.
func (s StepStatus) IsTerminal() bool {
	return s == StepPass || s == StepFail
}

// TestStepState is the review state of one step in the test plan.
// StepNumber is the stable ordering key; it never changes once the plan is instantiated.
type TestStepState struct {
	StepNumber int        `json:"step_number"`
	Status     StepStatus `json:"status"`
	Reasoning  string     `json:"step_reasoning"`
	ImagePath  string     `json:"image_path,omitempty"`
}

// TestScriptState is the ordered list of step states for a single test run.
type TestScriptState struct {
	Steps []TestStepState `json:"steps"`
}

// Clone returns a deep copy of the state.
func (s TestScriptState) Clone() TestScriptState {
	steps := make([]TestStepState, len(s.Steps))
	copy(steps, s.Steps)
	return TestScriptState{Steps: steps}
}

// StepNumbers returns the step numbers in order.
func (s TestScriptState) StepNumbers() []int {
	nums := make([]int, len(s.Steps))
	for i, st := range s.Steps {
		nums[i] = st.StepNumber
	}
	return nums
}

// JSON serializes the state in the wire form emitted to observers.
func (s TestScriptState) JSON() (string, error) {
	if s.Steps == nil {
		s.Steps = []TestStepState{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal test script state: %w", err)
	}
	return string(b), nil
}

// StepVerdict is a single step entry as returned by a review service.
type StepVerdict struct {
	StepNumber int        `json:"step_number"`
	Status     StepStatus `json:"status"`
	Reasoning  string     `json:"step_reasoning"`
}

// -- Test Plan Schemas --

// TestStep is one authored step of a test plan.
type TestStep struct {
	StepNumber   int    `json:"step_number" yaml:"step_number"`
	Instructions string `json:"step_instructions" yaml:"step_instructions"`
}

// TestPlan is the ordered list of steps produced by an external authoring step.
type TestPlan struct {
	Steps []TestStep `json:"steps" yaml:"steps"`
}
