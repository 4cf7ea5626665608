package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// defaultWaitDuration applies when a wait action carries no explicit duration.
const defaultWaitDuration = 2 * time.Second

// -- Wire shapes of the Responses API output items --

type wireItem struct {
	Type string `json:"type"`
}

type wireComputerCall struct {
	CallID              string                `json:"call_id"`
	Action              wireAction            `json:"action"`
	PendingSafetyChecks []schemas.SafetyCheck `json:"pending_safety_checks"`
}

type wireAction struct {
	Type    string          `json:"type"`
	X       float64         `json:"x"`
	Y       float64         `json:"y"`
	Button  string          `json:"button"`
	Text    string          `json:"text"`
	Keys    []string        `json:"keys"`
	ScrollX float64         `json:"scroll_x"`
	ScrollY float64         `json:"scroll_y"`
	Path    []schemas.Point `json:"path"`
	URL     string          `json:"url"`
	// Milliseconds, when present.
	Duration *int `json:"duration_ms"`
}

type wireFunctionCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireMessage struct {
	CallID  string `json:"call_id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type wireReasoning struct {
	Summary []struct {
		Text string `json:"text"`
	} `json:"summary"`
}

var knownActions = map[schemas.ComputerActionType]struct{}{
	schemas.ComputerClick:       {},
	schemas.ComputerDoubleClick: {},
	schemas.ComputerType:        {},
	schemas.ComputerKeypress:    {},
	schemas.ComputerScroll:      {},
	schemas.ComputerDrag:        {},
	schemas.ComputerMove:        {},
	schemas.ComputerWait:        {},
	schemas.ComputerNavigate:    {},
	schemas.ComputerScreenshot:  {},
}

// parseOutput converts raw output items into the closed OutputItem union. Unknown and
// undecodable items are dropped with a warning. A computer call whose action cannot be
// performed is kept as a screenshot action, so its call id is still answered.
func parseOutput(raw []json.RawMessage, logger *zap.Logger) []schemas.OutputItem {
	items := make([]schemas.OutputItem, 0, len(raw))
	malformed := func(i int, kind string, err error) {
		logger.Warn("Dropping malformed planner output item", zap.String("type", kind), zap.Int("index", i), zap.Error(err))
	}
	for i, r := range raw {
		var head wireItem
		if err := json.Unmarshal(r, &head); err != nil {
			malformed(i, "", err)
			continue
		}

		switch head.Type {
		case "computer_call":
			var w wireComputerCall
			if err := json.Unmarshal(r, &w); err != nil {
				malformed(i, head.Type, err)
				continue
			}
			action, err := convertAction(w.Action)
			if err != nil {
				logger.Warn("Planner issued an action that cannot be performed, answering with a screenshot",
					zap.String("call_id", w.CallID), zap.Error(err))
				action = schemas.ComputerAction{Type: schemas.ComputerScreenshot}
			}
			items = append(items, schemas.ComputerCall{
				CallID:              w.CallID,
				Action:              action,
				PendingSafetyChecks: w.PendingSafetyChecks,
			})

		case "function_call":
			var w wireFunctionCall
			if err := json.Unmarshal(r, &w); err != nil {
				malformed(i, head.Type, err)
				continue
			}
			items = append(items, schemas.FunctionCall{Name: w.Name, CallID: w.CallID, Arguments: w.Arguments})

		case "message":
			var w wireMessage
			if err := json.Unmarshal(r, &w); err != nil {
				malformed(i, head.Type, err)
				continue
			}
			var parts []string
			for _, c := range w.Content {
				if c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			items = append(items, schemas.Message{Text: strings.Join(parts, "\n"), CallID: w.CallID})

		case "reasoning":
			var w wireReasoning
			if err := json.Unmarshal(r, &w); err != nil {
				malformed(i, head.Type, err)
				continue
			}
			summary := make([]string, 0, len(w.Summary))
			for _, s := range w.Summary {
				summary = append(summary, s.Text)
			}
			items = append(items, schemas.Reasoning{Summary: summary})

		default:
			logger.Warn("Dropping unrecognized planner output item", zap.String("type", head.Type), zap.Int("index", i))
		}
	}
	return items
}

func convertAction(w wireAction) (schemas.ComputerAction, error) {
	t := schemas.ComputerActionType(w.Type)
	if _, ok := knownActions[t]; !ok {
		return schemas.ComputerAction{}, fmt.Errorf("unknown action type %q", w.Type)
	}
	a := schemas.ComputerAction{
		Type:    t,
		X:       w.X,
		Y:       w.Y,
		Button:  w.Button,
		Text:    w.Text,
		Keys:    w.Keys,
		ScrollX: w.ScrollX,
		ScrollY: w.ScrollY,
		Path:    w.Path,
		URL:     w.URL,
	}
	switch t {
	case schemas.ComputerWait:
		a.Duration = defaultWaitDuration
		if w.Duration != nil && *w.Duration > 0 {
			a.Duration = time.Duration(*w.Duration) * time.Millisecond
		}
	case schemas.ComputerDrag:
		if len(w.Path) < 2 {
			return schemas.ComputerAction{}, fmt.Errorf("drag requires at least two path points")
		}
	case schemas.ComputerNavigate:
		if w.URL == "" {
			return schemas.ComputerAction{}, fmt.Errorf("navigate requires a url")
		}
	}
	if a.IsClick() && a.Button == "" {
		a.Button = "left"
	}
	return a, nil
}
