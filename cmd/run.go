package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/artifacts"
	"github.com/xkilldash9x/lookout/internal/browser"
	"github.com/xkilldash9x/lookout/internal/config"
	"github.com/xkilldash9x/lookout/internal/llmclient"
	"github.com/xkilldash9x/lookout/internal/notify"
	"github.com/xkilldash9x/lookout/internal/observability"
	"github.com/xkilldash9x/lookout/internal/orchestrator"
	"github.com/xkilldash9x/lookout/internal/planner"
	"github.com/xkilldash9x/lookout/internal/review"
	"github.com/xkilldash9x/lookout/internal/runner"
	"github.com/xkilldash9x/lookout/internal/testplan"
)

// ErrTestFailed is returned by the run command when the verdict is fail.
var ErrTestFailed = errors.New("test case failed")

// MsgAborted is shown when the operator interrupts a run.
const MsgAborted = "Run aborted by operator."

type runOptions struct {
	url         string
	planPath    string
	username    string
	password    string
	login       bool
	userInfo    string
	interactive bool
	headed      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a test plan against a web application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			opts.apply(cfg)
			return runTest(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := runCmd.Flags()
	flags.StringVar(&opts.url, "url", "", "URL of the application under test (required)")
	flags.StringVar(&opts.planPath, "plan", "", "path to the YAML or JSON test plan (required)")
	flags.StringVar(&opts.username, "username", "", "username for the application login")
	flags.StringVar(&opts.password, "password", "", "password for the application login")
	flags.BoolVar(&opts.login, "login", false, "fill and submit the login form before the test (implied by --username)")
	flags.StringVar(&opts.userInfo, "user-info", "", "extra facts the planner may use, e.g. an email address")
	flags.BoolVarP(&opts.interactive, "interactive", "i", false, "prompt for guidance when the planner stops without finishing")
	flags.BoolVar(&opts.headed, "headed", false, "show the browser window")
	return runCmd
}

func (o runOptions) validate() error {
	if o.url == "" {
		return fmt.Errorf("--url is required")
	}
	if !strings.HasPrefix(o.url, "http://") && !strings.HasPrefix(o.url, "https://") {
		return fmt.Errorf("--url must be an http or https URL, got %q", o.url)
	}
	if o.planPath == "" {
		return fmt.Errorf("--plan is required")
	}
	if o.login && o.username == "" {
		return fmt.Errorf("--login requires --username")
	}
	return nil
}

// apply copies the flag overrides onto the loaded configuration.
func (o runOptions) apply(cfg config.Interface) {
	cfg.SetLogin(config.LoginConfig{
		Enabled:  o.login || o.username != "",
		Username: o.username,
		Password: o.password,
	})
	if o.headed {
		cfg.SetBrowserHeadless(false)
	}
}

// runTest wires the components for one run, executes it and renders the result.
func runTest(ctx context.Context, cfg *config.Config, opts runOptions, in io.Reader, out io.Writer) error {
	plan, err := testplan.Load(opts.planPath)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := observability.GetLogger().With(zap.String("run_id", runID))
	logger.Info("Starting test run", zap.String("url", opts.url), zap.String("plan", plan.Source), zap.Int("steps", len(plan.Steps)))

	// -- Services --
	plannerAPI, err := llmclient.NewResponsesClient(cfg.Planner().ProviderConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create planner client: %w", err)
	}
	viewport := cfg.Browser().Viewport
	plannerClient := planner.New(plannerAPI, planner.Options{
		Model:           cfg.Planner().Model,
		DisplayWidth:    viewport.Width,
		DisplayHeight:   viewport.Height,
		EnvInstructions: cfg.Planner().EnvInstructions,
	}, logger)

	reviewer, err := buildReviewer(ctx, cfg.Review(), logger)
	if err != nil {
		return err
	}

	store, closeStore, err := artifacts.Open(ctx, cfg.Artifacts(), runID, logger)
	defer closeStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	// Not closed: reviews still running once Finish gives up are abandoned at exit.
	queue := review.NewQueue(reviewer, store, review.Options{PersistContinuation: cfg.Review().PersistContinuation}, logger)

	bus := notify.NewBus(logger, 0)
	notifier := notify.NewNotifier(bus, runID, logger)
	sink := notify.NewConsoleSink(bus, out, logger)

	// -- Browser --
	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		bus.Shutdown()
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}()
	page, err := manager.NewPage(ctx)
	if err != nil {
		bus.Shutdown()
		return fmt.Errorf("failed to open page: %w", err)
	}

	loop := runner.NewLoop(plannerClient, notifier, runner.ConfigFrom(cfg.Runner(), cfg.Browser()), logger)
	orch := orchestrator.New(plannerClient, queue, loop, notifier, orchestrator.ConfigFrom(cfg), logger)

	params := orchestrator.Params{
		URL:          opts.url,
		Instructions: plan.Instructions(),
		Baseline:     plan.Baseline(),
		UserInfo:     opts.userInfo,
		Login:        cfg.Login(),
	}
	var prompt *operatorPrompt
	if opts.interactive {
		prompt = newOperatorPrompt(in, out)
	}

	// -- Execute --
	outcome := runner.NewOutcome()
	var final schemas.TestScriptState

	var g errgroup.Group
	// The sink outlives the run context so the verdict is still rendered after an abort.
	g.Go(func() error { return sink.Run(context.WithoutCancel(ctx)) })
	g.Go(func() error {
		defer bus.Shutdown()
		final = drive(ctx, cfg.Runner().RunTimeout, orch, page, params, outcome, notifier, prompt, logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Test run finished", zap.String("verdict", string(outcome.Status())))
	summarize(out, runID, final)
	if outcome.Status() != schemas.StepPass {
		return ErrTestFailed
	}
	return nil
}

// testSession is the orchestrator surface drive needs. *orchestrator.Orchestrator satisfies it.
type testSession interface {
	Execute(ctx context.Context, page orchestrator.Page, p orchestrator.Params, outcome *runner.Outcome) (*runner.Result, error)
	Resume(ctx context.Context, message string, outcome *runner.Outcome) (*runner.Result, error)
	Finish(ctx context.Context, outcome *runner.Outcome) schemas.TestScriptState
}

type messenger interface {
	Message(ctx context.Context, text string)
}

// drive runs the test case under the run timeout, hands control to the operator while the
// planner keeps returning, and always finishes with a verdict and a closed page.
// Cancellation of ctx is the operator abort.
func drive(ctx context.Context, timeout time.Duration, session testSession, page orchestrator.Page, params orchestrator.Params, outcome *runner.Outcome, msgs messenger, prompt *operatorPrompt, logger *zap.Logger) schemas.TestScriptState {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	res, err := session.Execute(runCtx, page, params, outcome)
	for err == nil && res != nil && res.State == runner.Returned && prompt != nil {
		message, ok := prompt.Next()
		if !ok {
			break
		}
		res, err = session.Resume(runCtx, message, outcome)
	}
	if err != nil {
		logger.Debug("Run ended with error", zap.Error(err))
	}

	if ctx.Err() != nil {
		outcome.Set(schemas.StepFail)
		msgs.Message(context.WithoutCancel(ctx), MsgAborted)
	}
	final := session.Finish(ctx, outcome)

	// A completed run has already closed the page; every other ending leaves it open.
	if page != nil {
		if err := page.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to close page", zap.Error(err))
		}
	}
	return final
}

// operatorPrompt reads guidance for a returned run, one line per resume.
type operatorPrompt struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func newOperatorPrompt(in io.Reader, out io.Writer) *operatorPrompt {
	return &operatorPrompt{scanner: bufio.NewScanner(in), out: out}
}

// Next returns the operator's next message. An empty line, "exit", or EOF ends the session.
func (p *operatorPrompt) Next() (string, bool) {
	fmt.Fprint(p.out, "lookout > ")
	if !p.scanner.Scan() {
		return "", false
	}
	line := strings.TrimSpace(p.scanner.Text())
	if line == "" || line == "exit" || line == "quit" {
		return "", false
	}
	return line, true
}

func buildReviewer(ctx context.Context, cfg config.ReviewConfig, logger *zap.Logger) (schemas.Reviewer, error) {
	switch cfg.Backend {
	case "gemini":
		client, err := review.NewGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return review.NewGeminiReviewer(client.Models, cfg.Model, logger), nil
	case "openai", "":
		api, err := llmclient.NewResponsesClient(cfg.ProviderConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create review client: %w", err)
		}
		return review.NewOpenAIReviewer(api, cfg.Model, logger), nil
	default:
		return nil, fmt.Errorf("unsupported review backend %q", cfg.Backend)
	}
}

// summarize prints the final per-step table.
func summarize(out io.Writer, runID string, final schemas.TestScriptState) {
	fmt.Fprintf(out, "\nRun %s\n", runID)
	for _, step := range final.Steps {
		fmt.Fprintf(out, "  Step %d: %s", step.StepNumber, strings.ToUpper(string(step.Status)))
		if step.ImagePath != "" {
			fmt.Fprintf(out, "  (%s)", step.ImagePath)
		}
		fmt.Fprintln(out)
	}
}
