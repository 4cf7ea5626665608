package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/lookout/api/schemas"
)

func TestParseStepStatus(t *testing.T) {
	tests := []struct {
		in   string
		want schemas.StepStatus
	}{
		{"pass", schemas.StepPass},
		{"Pass", schemas.StepPass},
		{" PASSED ", schemas.StepPass},
		{"fail", schemas.StepFail},
		{"Failed", schemas.StepFail},
		{"pending", schemas.StepPending},
		{"", schemas.StepPending},
	}
	for _, tt := range tests {
		got, err := schemas.ParseStepStatus(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := schemas.ParseStepStatus("skipped")
	assert.ErrorContains(t, err, `unknown step status "skipped"`)
}

func TestStepStatus_IsTerminal(t *testing.T) {
	assert.False(t, schemas.StepPending.IsTerminal())
	assert.True(t, schemas.StepPass.IsTerminal())
	assert.True(t, schemas.StepFail.IsTerminal())
}

func TestTestScriptState_CloneIsDeep(t *testing.T) {
	orig := schemas.TestScriptState{Steps: []schemas.TestStepState{{StepNumber: 1, Status: schemas.StepPending}}}
	clone := orig.Clone()
	clone.Steps[0].Status = schemas.StepPass

	assert.Equal(t, schemas.StepPending, orig.Steps[0].Status)
	assert.Equal(t, []int{1}, orig.StepNumbers())
}

func TestTestScriptState_JSON(t *testing.T) {
	out, err := schemas.TestScriptState{}.JSON()
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, out)

	out, err = schemas.TestScriptState{Steps: []schemas.TestStepState{
		{StepNumber: 2, Status: schemas.StepFail, Reasoning: "button missing", ImagePath: "run/2.png"},
	}}.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[{"step_number":2,"status":"fail","step_reasoning":"button missing","image_path":"run/2.png"}]}`, out)
}

func TestPlannerResponse_Messages(t *testing.T) {
	var nilResp *schemas.PlannerResponse
	assert.Nil(t, nilResp.Messages())

	resp := &schemas.PlannerResponse{Output: []schemas.OutputItem{
		schemas.Reasoning{Summary: []string{"thinking"}},
		schemas.Message{Text: "first"},
		schemas.Message{},
		schemas.ComputerCall{CallID: "c1"},
		schemas.Message{Text: "second"},
	}}
	assert.Equal(t, []string{"first", "second"}, resp.Messages())
}

func TestComputerAction_IsClick(t *testing.T) {
	assert.True(t, schemas.ComputerAction{Type: schemas.ComputerClick}.IsClick())
	assert.True(t, schemas.ComputerAction{Type: schemas.ComputerDoubleClick}.IsClick())
	assert.False(t, schemas.ComputerAction{Type: schemas.ComputerScroll}.IsClick())
}
