package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// Notifier publishes the events of a single run. Delivery is best effort: failures are
// logged and never interrupt the caller.
type Notifier struct {
	bus    *Bus
	runID  string
	logger *zap.Logger
}

func NewNotifier(bus *Bus, runID string, logger *zap.Logger) *Notifier {
	return &Notifier{bus: bus, runID: runID, logger: logger.Named("notifier")}
}

// Message publishes a human-readable progress line.
func (n *Notifier) Message(ctx context.Context, text string) {
	n.post(ctx, schemas.Event{Kind: schemas.EventMessage, Text: text})
}

// ScriptUpdate publishes the serialized test script state after a review.
func (n *Notifier) ScriptUpdate(ctx context.Context, state string) {
	n.post(ctx, schemas.Event{Kind: schemas.EventScriptUpdate, Text: state})
}

// ScriptUpdateError publishes a failed review.
func (n *Notifier) ScriptUpdateError(ctx context.Context, err error) {
	n.post(ctx, schemas.Event{Kind: schemas.EventScriptUpdate, Error: err.Error()})
}

// TestCases publishes the loaded plan.
func (n *Notifier) TestCases(ctx context.Context, plan string) {
	n.post(ctx, schemas.Event{Kind: schemas.EventTestCases, Text: plan})
}

// Verdict publishes the terminal status of the run.
func (n *Notifier) Verdict(ctx context.Context, status schemas.StepStatus) {
	n.post(ctx, schemas.Event{Kind: schemas.EventVerdict, Text: string(status)})
}

func (n *Notifier) post(ctx context.Context, ev schemas.Event) {
	ev.RunID = n.runID
	if err := n.bus.Post(ctx, ev); err != nil {
		n.logger.Warn("Failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
