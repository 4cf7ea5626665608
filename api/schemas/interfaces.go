package schemas

import (
	"context"
)

// Viewport is the size of a surface's visible area in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Surface is a controllable browser page. The action loop only talks to the browser through it.
type Surface interface {
	// ID identifies the surface (for chromedp, the target id).
	ID() string
	Navigate(ctx context.Context, url string) error
	// Screenshot captures the visible viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// ListTabs returns every open surface in the same browser, ordered oldest first.
	ListTabs(ctx context.Context) ([]Surface, error)
	Viewport(ctx context.Context) (Viewport, error)
	SetViewport(ctx context.Context, width, height int) error
	Execute(ctx context.Context, action ComputerAction) error
	Close(ctx context.Context) error
}

// ScreenshotInput is the continuation payload sent to a planner after an action.
type ScreenshotInput struct {
	PreviousID string
	CallID     string
	Screenshot []byte
	Text       string
}

// Planner is the planning service adapter used by the action loop.
type Planner interface {
	Start(ctx context.Context, instructions, userInfo string) (*PlannerResponse, error)
	SendScreenshot(ctx context.Context, in ScreenshotInput) (*PlannerResponse, error)
	SendFunctionResult(ctx context.Context, previousID, callID string, result any) (*PlannerResponse, error)
}

// ReviewRequest is a single screenshot review.
type ReviewRequest struct {
	Screenshot []byte
	Context    string
	// ContinuationID is empty on the first call or when continuations are disabled.
	ContinuationID string
	// Baseline is the state the service is asked to update.
	Baseline TestScriptState
}

// ReviewResponse carries the service's verdicts, not yet reconciled with the baseline.
type ReviewResponse struct {
	ContinuationID string
	Steps          []StepVerdict
}

// Reviewer is the screenshot review service adapter.
type Reviewer interface {
	// Instantiate seeds the review conversation with the test plan.
	Instantiate(ctx context.Context, plan string, baseline TestScriptState) (*ReviewResponse, error)
	Review(ctx context.Context, req ReviewRequest) (*ReviewResponse, error)
}

// ScreenshotStore persists screenshots and returns a durable reference.
type ScreenshotStore interface {
	Save(ctx context.Context, png []byte) (string, error)
}
