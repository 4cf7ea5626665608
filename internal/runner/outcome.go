package runner

import (
	"sync/atomic"

	"github.com/xkilldash9x/lookout/api/schemas"
)

const (
	outcomePending int32 = iota
	outcomePass
	outcomeFail
)

// Outcome is the run-level verdict shared between the loop and its observers.
// It moves from pending to pass or fail exactly once; later writes are ignored.
type Outcome struct {
	status atomic.Int32
}

func NewOutcome() *Outcome {
	return &Outcome{}
}

// Status returns the current status.
func (o *Outcome) Status() schemas.StepStatus {
	switch o.status.Load() {
	case outcomePass:
		return schemas.StepPass
	case outcomeFail:
		return schemas.StepFail
	default:
		return schemas.StepPending
	}
}

// Set records a terminal status. It reports whether this call made the transition.
// Setting pending is a no-op.
func (o *Outcome) Set(status schemas.StepStatus) bool {
	var next int32
	switch status {
	case schemas.StepPass:
		next = outcomePass
	case schemas.StepFail:
		next = outcomeFail
	default:
		return false
	}
	return o.status.CompareAndSwap(outcomePending, next)
}
