// Package orchestrator runs one test case end to end: it prepares the page, records the
// review checkpoints, performs the optional login, starts the planner and hands control
// to the action loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
	"github.com/xkilldash9x/lookout/internal/review"
	"github.com/xkilldash9x/lookout/internal/runner"
)

// Progress messages shown to the operator.
const (
	MsgStarting       = "Starting test script execution..."
	MsgLoginRequired  = "Login required... proceeding with login."
	MsgLoginExecuted  = "Login step executed... proceeding with test script execution."
	MsgExecutionError = "Test script execution failed. Please check the logs."
	MsgStoppedEarly   = "The planner stopped without finishing the test case."
)

// Page is the browser tab a test runs in. *browser.Page satisfies it.
type Page interface {
	schemas.Surface
	FillCredentials(ctx context.Context, username, password string) error
	SubmitLogin(ctx context.Context) error
}

// ReviewQueue is the review pipeline as seen by the orchestrator. *review.Queue satisfies it.
type ReviewQueue interface {
	runner.ReviewQueue
	Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (string, error)
	Wait(ctx context.Context) error
	State() schemas.TestScriptState
}

// Notifier publishes progress. *notify.Notifier satisfies it.
type Notifier interface {
	runner.Notifier
	TestCases(ctx context.Context, plan string)
	Verdict(ctx context.Context, status schemas.StepStatus)
}

// Loop is the action loop. *runner.Loop satisfies it.
type Loop interface {
	Run(ctx context.Context, surface schemas.Surface, initial *schemas.PlannerResponse, queue runner.ReviewQueue, outcome *runner.Outcome) (*runner.Result, error)
	Resume(ctx context.Context, message string, queue runner.ReviewQueue, outcome *runner.Outcome) (*runner.Result, error)
	SubmitReview(ctx context.Context, queue runner.ReviewQueue, screenshot []byte, reviewContext string) *review.Pending
	WaitReviews()
}

// Config tunes an Orchestrator.
type Config struct {
	Viewport             schemas.Viewport
	PostNavigateSettle   time.Duration
	PostLoginFillSettle  time.Duration
	AwaitFirstCheckpoint bool
	// ShutdownWait bounds how long Finish waits for outstanding reviews.
	ShutdownWait time.Duration
}

// ConfigFrom builds an orchestrator Config from the loaded configuration.
func ConfigFrom(cfg config.Interface) Config {
	return Config{
		Viewport:             schemas.Viewport{Width: cfg.Browser().Viewport.Width, Height: cfg.Browser().Viewport.Height},
		PostNavigateSettle:   cfg.Runner().PostNavigateSettle,
		PostLoginFillSettle:  cfg.Runner().PostLoginFillSettle,
		AwaitFirstCheckpoint: cfg.Review().AwaitFirstCheckpoint,
		ShutdownWait:         cfg.Review().ShutdownWait,
	}
}

// Params describe one test case.
type Params struct {
	URL string
	// Instructions is the rendered test plan.
	Instructions string
	Baseline     schemas.TestScriptState
	UserInfo     string
	Login        config.LoginConfig
}

type Orchestrator struct {
	planner  schemas.Planner
	queue    ReviewQueue
	loop     Loop
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

func New(planner schemas.Planner, queue ReviewQueue, loop Loop, notifier Notifier, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		planner:  planner,
		queue:    queue,
		loop:     loop,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

// Execute runs the test case on page. Any error is also reported to the operator and
// leaves the outcome failed.
func (o *Orchestrator) Execute(ctx context.Context, page Page, p Params, outcome *runner.Outcome) (*runner.Result, error) {
	o.logger.Info("Starting test script execution", zap.String("url", p.URL), zap.Bool("login_required", p.Login.Enabled))
	o.notifier.Message(ctx, MsgStarting)
	o.notifier.TestCases(ctx, p.Instructions)

	res, err := o.execute(ctx, page, p, outcome)
	if err != nil {
		o.logger.Error("Test script execution failed", zap.Error(err), zap.String("url", p.URL))
		if outcome.Set(schemas.StepFail) {
			o.notifier.Message(context.WithoutCancel(ctx), MsgExecutionError)
		}
		return res, err
	}
	o.emitMessages(ctx, res)
	return res, nil
}

// Resume continues a run that returned, with an operator message.
func (o *Orchestrator) Resume(ctx context.Context, message string, outcome *runner.Outcome) (*runner.Result, error) {
	res, err := o.loop.Resume(ctx, message, o.queue, outcome)
	if err != nil {
		if errors.Is(err, runner.ErrNotResumable) {
			return nil, err
		}
		o.logger.Error("Resumed run failed", zap.Error(err))
		if outcome.Set(schemas.StepFail) {
			o.notifier.Message(context.WithoutCancel(ctx), MsgExecutionError)
		}
		return res, err
	}
	o.emitMessages(ctx, res)
	return res, nil
}

// Finish waits, bounded by ShutdownWait, for outstanding reviews, settles an undecided
// outcome as failed, publishes the verdict and returns the final test script state.
func (o *Orchestrator) Finish(ctx context.Context, outcome *runner.Outcome) schemas.TestScriptState {
	waitCtx := context.WithoutCancel(ctx)
	if o.cfg.ShutdownWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, o.cfg.ShutdownWait)
		defer cancel()
	}
	if err := o.queue.Wait(waitCtx); err != nil {
		o.logger.Warn("Outstanding reviews did not finish in time", zap.Error(err))
	} else {
		o.loop.WaitReviews()
	}

	final := context.WithoutCancel(ctx)
	if outcome.Set(schemas.StepFail) {
		o.notifier.Message(final, MsgStoppedEarly)
	}
	o.notifier.Verdict(final, outcome.Status())
	return o.queue.State()
}

func (o *Orchestrator) execute(ctx context.Context, page Page, p Params, outcome *runner.Outcome) (*runner.Result, error) {
	initial, err := o.queue.Instantiate(ctx, p.Instructions, p.Baseline)
	if err != nil {
		return nil, err
	}
	o.notifier.ScriptUpdate(ctx, initial)

	if v := o.cfg.Viewport; v.Width > 0 && v.Height > 0 {
		if err := page.SetViewport(ctx, v.Width, v.Height); err != nil {
			return nil, err
		}
		o.logger.Debug("Viewport set", zap.Int("width", v.Width), zap.Int("height", v.Height))
	}
	if err := page.Navigate(ctx, p.URL); err != nil {
		return nil, err
	}
	if err := sleep(ctx, o.cfg.PostNavigateSettle); err != nil {
		return nil, err
	}

	// -- Initial checkpoint --
	if err := o.checkpoint(ctx, page, "initial", o.cfg.AwaitFirstCheckpoint); err != nil {
		return nil, err
	}

	// -- Login --
	if p.Login.Enabled {
		if err := o.login(ctx, page, p.Login); err != nil {
			return nil, err
		}
	} else {
		o.logger.Debug("No login required")
	}

	// -- Planner --
	resp, err := o.planner.Start(ctx, p.Instructions, p.UserInfo)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Planner conversation started", zap.String("response_id", resp.ID))

	return o.loop.Run(ctx, page, resp, o.queue, outcome)
}

func (o *Orchestrator) login(ctx context.Context, page Page, login config.LoginConfig) error {
	o.logger.Info("Processing login requirement")
	o.notifier.Message(ctx, MsgLoginRequired)

	if err := page.FillCredentials(ctx, login.Username, login.Password); err != nil {
		// Applications differ; the planner may still get past the form on its own.
		o.logger.Error("Error filling login credentials", zap.Error(err))
	}
	if err := sleep(ctx, o.cfg.PostLoginFillSettle); err != nil {
		return err
	}
	if err := o.checkpoint(ctx, page, "post-login", false); err != nil {
		return err
	}
	if err := page.SubmitLogin(ctx); err != nil {
		o.logger.Error("Error clicking login button", zap.Error(err))
	}
	o.notifier.Message(ctx, MsgLoginExecuted)
	o.logger.Info("Login process completed")
	return nil
}

// checkpoint screenshots the page and submits it for review. Only an awaited checkpoint
// blocks, and a failed review never fails the run.
func (o *Orchestrator) checkpoint(ctx context.Context, page Page, name string, await bool) error {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture %s screenshot: %w", name, err)
	}
	o.logger.Debug("Checkpoint screenshot captured", zap.String("checkpoint", name), zap.Int("size", len(shot)))

	pending := o.loop.SubmitReview(ctx, o.queue, shot, "")
	if !await {
		return nil
	}
	if _, err := pending.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("Checkpoint review failed", zap.String("checkpoint", name), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) emitMessages(ctx context.Context, res *runner.Result) {
	if res == nil {
		return
	}
	for _, m := range res.Messages {
		o.notifier.Message(ctx, m)
	}
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
