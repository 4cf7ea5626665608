package review

import (
	"github.com/xkilldash9x/lookout/api/schemas"
)

// Reconcile applies verdicts onto prev by step number. Verdicts for unknown steps are ignored,
// steps without a verdict are carried over, and the order of prev is preserved, so the result
// always has exactly the step set of prev. Only status and reasoning are taken from a verdict.
func Reconcile(prev schemas.TestScriptState, verdicts []schemas.StepVerdict) schemas.TestScriptState {
	byNumber := make(map[int]schemas.StepVerdict, len(verdicts))
	for _, v := range verdicts {
		if _, seen := byNumber[v.StepNumber]; !seen {
			byNumber[v.StepNumber] = v
		}
	}

	next := prev.Clone()
	for i := range next.Steps {
		v, ok := byNumber[next.Steps[i].StepNumber]
		if !ok {
			continue
		}
		next.Steps[i].Status = v.Status
		next.Steps[i].Reasoning = v.Reasoning
	}
	return next
}

// ChangedSteps returns the step numbers that moved from pending to pass or fail.
func ChangedSteps(prev, next schemas.TestScriptState) map[int]struct{} {
	nextByNumber := make(map[int]schemas.StepStatus, len(next.Steps))
	for _, s := range next.Steps {
		nextByNumber[s.StepNumber] = s.Status
	}

	changed := make(map[int]struct{})
	for _, s := range prev.Steps {
		if s.Status != schemas.StepPending {
			continue
		}
		if status, ok := nextByNumber[s.StepNumber]; ok && status != schemas.StepPending {
			changed[s.StepNumber] = struct{}{}
		}
	}
	return changed
}

// ApplyImageRefs sets ref on changed steps and carries every other step's previous
// reference forward. next is modified in place.
func ApplyImageRefs(prev schemas.TestScriptState, next *schemas.TestScriptState, changed map[int]struct{}, ref string) {
	prevRefs := make(map[int]string, len(prev.Steps))
	for _, s := range prev.Steps {
		prevRefs[s.StepNumber] = s.ImagePath
	}
	for i := range next.Steps {
		n := next.Steps[i].StepNumber
		if _, ok := changed[n]; ok && ref != "" {
			next.Steps[i].ImagePath = ref
			continue
		}
		next.Steps[i].ImagePath = prevRefs[n]
	}
}
