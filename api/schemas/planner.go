package schemas

import (
	"time"
)

// -- Planner Output Schemas --

// OutputItem is one entry of a planner response. The set of implementations is closed:
// only types in this package can satisfy it, so every consumer switches over a known set.
type OutputItem interface {
	outputItem()
}

// ComputerCall asks the client to perform a single browser action.
type ComputerCall struct {
	CallID              string
	Action              ComputerAction
	PendingSafetyChecks []SafetyCheck
}

// FunctionCall is a named tool invocation (e.g. "mark_done").
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}

// Message is free-form text from the planner. CallID is usually empty.
type Message struct {
	Text   string
	CallID string
}

// Reasoning carries the planner's summarized reasoning.
type Reasoning struct {
	Summary []string
}

func (ComputerCall) outputItem() {}
func (FunctionCall) outputItem() {}
func (Message) outputItem()      {}
func (Reasoning) outputItem()    {}

// SafetyCheck is an advisory attached to a computer call that must be acknowledged
// by a human before the action may run.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlannerResponse is a single turn of the planning conversation.
type PlannerResponse struct {
	// ID is the continuation id for the next turn.
	ID     string
	Output []OutputItem
}

// Messages returns the text of all message items in order.
func (r *PlannerResponse) Messages() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, item := range r.Output {
		if m, ok := item.(Message); ok && m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

// MarkDoneFunction is the function tool the planner calls when it has finished.
const MarkDoneFunction = "mark_done"

// -- Computer Actions --

// ComputerActionType enumerates the structured browser actions a planner can issue.
type ComputerActionType string

const (
	ComputerClick       ComputerActionType = "click"
	ComputerDoubleClick ComputerActionType = "double_click"
	ComputerType        ComputerActionType = "type"
	ComputerKeypress    ComputerActionType = "keypress"
	ComputerScroll      ComputerActionType = "scroll"
	ComputerDrag        ComputerActionType = "drag"
	ComputerMove        ComputerActionType = "move"
	ComputerWait        ComputerActionType = "wait"
	ComputerNavigate    ComputerActionType = "navigate"
	ComputerScreenshot  ComputerActionType = "screenshot"
)

// Point is a viewport coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ComputerAction is a structured browser action.
type ComputerAction struct {
	Type     ComputerActionType `json:"type"`
	X        float64            `json:"x,omitempty"`
	Y        float64            `json:"y,omitempty"`
	Button   string             `json:"button,omitempty"`
	Text     string             `json:"text,omitempty"`
	Keys     []string           `json:"keys,omitempty"`
	ScrollX  float64            `json:"scroll_x,omitempty"`
	ScrollY  float64            `json:"scroll_y,omitempty"`
	Path     []Point            `json:"path,omitempty"`
	URL      string             `json:"url,omitempty"`
	Duration time.Duration      `json:"-"`
}

// IsClick reports whether the action is click-class. Click-class actions are review checkpoints.
func (a ComputerAction) IsClick() bool {
	return a.Type == ComputerClick || a.Type == ComputerDoubleClick
}
