// Package runner drives the planner conversation against a browser surface until the
// planner finishes, a safety check trips, or the run is aborted.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
	"github.com/xkilldash9x/lookout/internal/review"
)

var (
	// ErrFrameDepthExceeded is returned when tab switches would nest deeper than allowed.
	ErrFrameDepthExceeded = errors.New("maximum frame depth exceeded")
	// ErrTurnLimitExceeded is returned when the planner conversation runs out of turns.
	ErrTurnLimitExceeded = errors.New("planner turn limit exceeded")
	// ErrNotResumable is returned by Resume when there is no live conversation to continue.
	ErrNotResumable = errors.New("run cannot be resumed")
)

// Progress messages shown to the operator.
const (
	MsgTestFinished = "✅ Test case finished."
	MsgTestFailed   = "Test case failed. Exiting the computer use loop."
)

// ReviewQueue accepts screenshots for asynchronous grading. *review.Queue satisfies it.
type ReviewQueue interface {
	Enqueue(ctx context.Context, screenshot []byte, reviewContext string) *review.Pending
}

// Notifier receives progress for the operator. *notify.Notifier satisfies it.
type Notifier interface {
	Message(ctx context.Context, text string)
	ScriptUpdate(ctx context.Context, state string)
	ScriptUpdateError(ctx context.Context, err error)
}

// TerminalState says how a run ended.
type TerminalState int

const (
	// Completed means the planner called mark_done or the outcome was already pass.
	Completed TerminalState = iota
	// Failed means a safety check tripped, the run was aborted, or the outcome was already fail.
	Failed
	// Returned means the planner stopped issuing actions without finishing.
	Returned
)

func (s TerminalState) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Returned:
		return "returned"
	default:
		return fmt.Sprintf("TerminalState(%d)", int(s))
	}
}

// Result is the end of a run.
type Result struct {
	// Response is the last planner response.
	Response *schemas.PlannerResponse
	// Messages are the text messages of Response.
	Messages []string
	State    TerminalState
}

// Config tunes a Loop.
type Config struct {
	SettleInterval     time.Duration
	ScreenshotAttempts int
	ScreenshotBackoff  time.Duration
	// MaxTurns bounds planner round trips across all frames. Zero means unbounded.
	MaxTurns      int
	MaxFrameDepth int
	// Viewport is the size new tabs are normalized to.
	Viewport schemas.Viewport
}

// ConfigFrom builds a loop Config from the runner and browser sections.
func ConfigFrom(r config.RunnerConfig, b config.BrowserConfig) Config {
	return Config{
		SettleInterval:     r.SettleInterval,
		ScreenshotAttempts: r.ScreenshotAttempts,
		ScreenshotBackoff:  r.ScreenshotBackoff,
		MaxTurns:           r.MaxTurns,
		MaxFrameDepth:      r.MaxFrameDepth,
		Viewport:           schemas.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
	}
}

// frame is one surface the conversation is bound to. A frame that has switched to a new
// tab never switches again.
type frame struct {
	surface    schemas.Surface
	lastCallID string
	switched   bool
}

// Loop alternates planner turns with browser actions.
type Loop struct {
	planner  schemas.Planner
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	// Where the last run stopped, for Resume.
	mu   sync.Mutex
	last *frame
	resp *schemas.PlannerResponse

	reviews sync.WaitGroup
}

func NewLoop(planner schemas.Planner, notifier Notifier, cfg Config, logger *zap.Logger) *Loop {
	if cfg.ScreenshotAttempts < 1 {
		cfg.ScreenshotAttempts = 1
	}
	if cfg.MaxFrameDepth < 1 {
		cfg.MaxFrameDepth = 1
	}
	return &Loop{
		planner:  planner,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("action_loop"),
	}
}

// Run drives the conversation starting from initial until it reaches a terminal state.
// Click-class actions and the screenshots they precede are sent to queue without
// waiting; their results go to the notifier only.
func (l *Loop) Run(ctx context.Context, surface schemas.Surface, initial *schemas.PlannerResponse, queue ReviewQueue, outcome *Outcome) (*Result, error) {
	return l.run(ctx, &frame{surface: surface}, initial, queue, outcome)
}

// Resume continues a run that returned by sending the operator's message, with a fresh
// screenshot, to the planner. It is only allowed while the outcome is pending.
func (l *Loop) Resume(ctx context.Context, message string, queue ReviewQueue, outcome *Outcome) (*Result, error) {
	if outcome.Status() != schemas.StepPending {
		return nil, fmt.Errorf("%w: outcome is %s", ErrNotResumable, outcome.Status())
	}
	l.mu.Lock()
	last, resp := l.last, l.resp
	l.mu.Unlock()
	if last == nil || resp == nil {
		return nil, fmt.Errorf("%w: no previous run", ErrNotResumable)
	}

	shot, err := l.screenshotWithRetry(ctx, last.surface)
	if err != nil {
		return l.abort(ctx, resp, outcome, err)
	}
	next, err := l.planner.SendScreenshot(ctx, schemas.ScreenshotInput{
		PreviousID: resp.ID,
		CallID:     last.lastCallID,
		Screenshot: shot,
		Text:       message,
	})
	if err != nil {
		return l.abort(ctx, resp, outcome, err)
	}
	l.logger.Info("Resuming run with operator message")
	return l.run(ctx, &frame{surface: last.surface, lastCallID: last.lastCallID, switched: last.switched}, next, queue, outcome)
}

// SubmitReview enqueues a screenshot and forwards the review result to the notifier
// when it completes. The returned handle may be awaited; nobody has to.
func (l *Loop) SubmitReview(ctx context.Context, queue ReviewQueue, screenshot []byte, reviewContext string) *review.Pending {
	// Reviews outlive the run context so the final ones can still land during shutdown.
	detached := context.WithoutCancel(ctx)
	p := queue.Enqueue(detached, screenshot, reviewContext)

	l.reviews.Add(1)
	go func() {
		defer l.reviews.Done()
		state, err := p.Wait(detached)
		if err != nil {
			l.logger.Error("Test script review failed", zap.Error(err))
			l.notifier.ScriptUpdateError(detached, err)
			return
		}
		l.notifier.ScriptUpdate(detached, state)
	}()
	return p
}

// WaitReviews blocks until every review submitted through SubmitReview has been forwarded.
func (l *Loop) WaitReviews() {
	l.reviews.Wait()
}

func (l *Loop) run(ctx context.Context, root *frame, response *schemas.PlannerResponse, queue ReviewQueue, outcome *Outcome) (*Result, error) {
	frames := []*frame{root}
	turns := 0

	for {
		f := frames[len(frames)-1]
		l.remember(f, response)

		switch outcome.Status() {
		case schemas.StepPass:
			l.logger.Info("Test case passed, exiting action loop")
			return result(response, Completed), nil
		case schemas.StepFail:
			l.logger.Info("Test case failed, exiting action loop")
			return result(response, Failed), nil
		}
		if err := ctx.Err(); err != nil {
			return l.abort(ctx, response, outcome, err)
		}

		var (
			computerCalls []schemas.ComputerCall
			functionCalls []schemas.FunctionCall
			messages      []schemas.Message
			reasoning     []schemas.Reasoning
		)
		for _, item := range response.Output {
			switch v := item.(type) {
			case schemas.ComputerCall:
				computerCalls = append(computerCalls, v)
			case schemas.FunctionCall:
				functionCalls = append(functionCalls, v)
			case schemas.Message:
				messages = append(messages, v)
			case schemas.Reasoning:
				reasoning = append(reasoning, v)
			default:
				l.logger.Warn("Ignoring unexpected output item", zap.String("type", fmt.Sprintf("%T", item)))
			}
		}

		// -- Function calls --
		for _, fc := range functionCalls {
			if fc.Name != schemas.MarkDoneFunction {
				l.logger.Warn("Ignoring unknown function call", zap.String("name", fc.Name))
				continue
			}
			return l.markDone(ctx, frames, response, fc, outcome)
		}

		// -- No action: free text or give back control --
		if len(computerCalls) == 0 {
			if len(messages) == 0 {
				l.logger.Debug("Response carries no action or message, returning control")
				return result(response, Returned), nil
			}
			msg := messages[0]
			l.logger.Debug("Planner message", zap.String("text", msg.Text))
			if msg.CallID == "" {
				l.logger.Warn("Planner message has no call id, continuing the conversation")
			}
			if err := l.takeTurn(&turns); err != nil {
				return l.abort(ctx, response, outcome, err)
			}
			next, err := l.planner.SendScreenshot(ctx, schemas.ScreenshotInput{
				PreviousID: response.ID,
				CallID:     msg.CallID,
				Text:       "continue",
			})
			if err != nil {
				return l.abort(ctx, response, outcome, err)
			}
			response = next
			continue
		}

		// -- Computer call --
		for _, r := range reasoning {
			text := strings.TrimSpace(strings.Join(r.Summary, " "))
			if text == "" {
				text = "No reasoning provided"
			}
			l.notifier.Message(ctx, text)
		}

		call := computerCalls[0]
		if len(computerCalls) > 1 {
			l.logger.Warn("Planner issued more than one computer call, only the first runs", zap.Int("count", len(computerCalls)))
		}

		if len(call.PendingSafetyChecks) > 0 {
			check := call.PendingSafetyChecks[0]
			l.logger.Error("Safety check detected", zap.String("code", check.Code), zap.String("message", check.Message))
			l.notifier.Message(ctx, "Safety check detected: "+check.Message)
			l.notifier.Message(ctx, MsgTestFailed)
			outcome.Set(schemas.StepFail)
			return result(response, Failed), nil
		}

		f.lastCallID = call.CallID
		l.remember(f, response)
		l.logger.Debug("Processing computer action", zap.String("type", string(call.Action.Type)), zap.String("call_id", call.CallID))

		if call.Action.IsClick() {
			if shot, err := f.surface.Screenshot(ctx); err != nil {
				l.logger.Warn("Could not capture pre-click screenshot for review", zap.Error(err))
			} else {
				l.SubmitReview(ctx, queue, shot, "")
			}
		}

		if err := f.surface.Execute(ctx, call.Action); err != nil {
			// The next screenshot shows the planner what happened.
			l.logger.Warn("Action failed", zap.String("type", string(call.Action.Type)), zap.Error(err))
		}
		if err := sleep(ctx, l.cfg.SettleInterval); err != nil {
			return l.abort(ctx, response, outcome, err)
		}

		// -- New tab --
		if !f.switched {
			tabs, err := f.surface.ListTabs(ctx)
			if err != nil {
				l.logger.Warn("Could not list tabs", zap.Error(err))
			}
			if len(tabs) > 1 {
				if len(frames) >= l.cfg.MaxFrameDepth {
					return l.abort(ctx, response, outcome, ErrFrameDepthExceeded)
				}
				newest := tabs[len(tabs)-1]
				l.logger.Info("New tab detected, switching context", zap.String("tab", newest.ID()))
				if err := l.normalizeViewport(ctx, newest); err != nil {
					l.logger.Warn("Could not normalize viewport of new tab", zap.Error(err))
				}
				shot, err := l.screenshotWithRetry(ctx, newest)
				if err != nil {
					return l.abort(ctx, response, outcome, err)
				}
				if err := l.takeTurn(&turns); err != nil {
					return l.abort(ctx, response, outcome, err)
				}
				next, err := l.planner.SendScreenshot(ctx, schemas.ScreenshotInput{
					PreviousID: response.ID,
					CallID:     f.lastCallID,
					Screenshot: shot,
				})
				if err != nil {
					return l.abort(ctx, response, outcome, err)
				}
				f.switched = true
				frames = append(frames, &frame{surface: newest, lastCallID: f.lastCallID, switched: true})
				response = next
				continue
			}
		}

		// -- Same tab --
		shot, err := l.screenshotWithRetry(ctx, f.surface)
		if err != nil {
			return l.abort(ctx, response, outcome, err)
		}
		if err := l.takeTurn(&turns); err != nil {
			return l.abort(ctx, response, outcome, err)
		}
		next, err := l.planner.SendScreenshot(ctx, schemas.ScreenshotInput{
			PreviousID: response.ID,
			CallID:     f.lastCallID,
			Screenshot: shot,
		})
		if err != nil {
			return l.abort(ctx, response, outcome, err)
		}
		response = next
	}
}

func (l *Loop) markDone(ctx context.Context, frames []*frame, response *schemas.PlannerResponse, fc schemas.FunctionCall, outcome *Outcome) (*Result, error) {
	l.logger.Info("Processing mark_done function call")
	next, err := l.planner.SendFunctionResult(ctx, response.ID, fc.CallID, map[string]string{"status": "done"})
	if err != nil {
		return l.abort(ctx, response, outcome, fmt.Errorf("failed to acknowledge mark_done: %w", err))
	}
	l.notifier.Message(ctx, MsgTestFinished)
	outcome.Set(schemas.StepPass)

	for i := len(frames) - 1; i >= 0; i-- {
		if err := frames[i].surface.Close(ctx); err != nil {
			l.logger.Warn("Failed to close surface", zap.String("surface", frames[i].surface.ID()), zap.Error(err))
		}
	}
	l.remember(frames[len(frames)-1], next)
	return result(next, Completed), nil
}

// abort records a fatal error: the outcome becomes fail and the operator is told why.
func (l *Loop) abort(ctx context.Context, response *schemas.PlannerResponse, outcome *Outcome, err error) (*Result, error) {
	l.logger.Error("Action loop aborted", zap.Error(err))
	if outcome.Set(schemas.StepFail) {
		l.notifier.Message(context.WithoutCancel(ctx), fmt.Sprintf("Test case failed: %v", err))
	}
	return result(response, Failed), err
}

func (l *Loop) takeTurn(turns *int) error {
	if l.cfg.MaxTurns > 0 && *turns >= l.cfg.MaxTurns {
		return fmt.Errorf("%w (%d)", ErrTurnLimitExceeded, l.cfg.MaxTurns)
	}
	*turns++
	return nil
}

func (l *Loop) remember(f *frame, response *schemas.PlannerResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *f
	l.last = &copied
	l.resp = response
}

func (l *Loop) normalizeViewport(ctx context.Context, s schemas.Surface) error {
	want := l.cfg.Viewport
	if want.Width <= 0 || want.Height <= 0 {
		return nil
	}
	got, err := s.Viewport(ctx)
	if err == nil && got == want {
		return nil
	}
	l.logger.Debug("Resetting viewport size",
		zap.Int("from_width", got.Width), zap.Int("from_height", got.Height),
		zap.Int("to_width", want.Width), zap.Int("to_height", want.Height))
	return s.SetViewport(ctx, want.Width, want.Height)
}

// screenshotWithRetry makes up to ScreenshotAttempts captures with a fixed pause between them.
func (l *Loop) screenshotWithRetry(ctx context.Context, s schemas.Surface) ([]byte, error) {
	var (
		shot    []byte
		attempt int
	)
	op := func() error {
		attempt++
		b, err := s.Screenshot(ctx)
		if err != nil {
			l.logger.Error("Screenshot capture failed",
				zap.Int("attempt", attempt), zap.Int("max_attempts", l.cfg.ScreenshotAttempts), zap.Error(err))
			return err
		}
		shot = b
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.ScreenshotBackoff), uint64(l.cfg.ScreenshotAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot after %d attempts: %w", attempt, err)
	}
	return shot, nil
}

func result(response *schemas.PlannerResponse, state TerminalState) *Result {
	return &Result{Response: response, Messages: response.Messages(), State: state}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
