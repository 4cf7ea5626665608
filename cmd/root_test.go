package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
	"github.com/xkilldash9x/lookout/internal/orchestrator"
	"github.com/xkilldash9x/lookout/internal/runner"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lookout "+Version+"\n", out)
}

func TestPlanValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - step_number: 1\n    step_instructions: Sign in\n"), 0o600))

	out, err := execute(t, "plan", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 steps")
	assert.Contains(t, out, "Step 1: Sign in")
}

func TestPlanValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps: []\n"), 0o600))

	_, err := execute(t, "plan", "validate", path)
	assert.ErrorContains(t, err, "must contain at least one step")
}

func TestRootCmd_BadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner:\n  max_turns: 0\n"), 0o600))

	_, err := execute(t, "--config", path, "plan", "validate", "unused.yaml")
	assert.ErrorContains(t, err, "max_turns must be greater than 0")
}

func TestRunOptions_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts runOptions
		want string
	}{
		{"missing url", runOptions{planPath: "p.yaml"}, "--url is required"},
		{"bad scheme", runOptions{url: "ftp://x", planPath: "p.yaml"}, "http or https"},
		{"missing plan", runOptions{url: "https://x"}, "--plan is required"},
		{"login without username", runOptions{url: "https://x", planPath: "p.yaml", login: true}, "--login requires --username"},
		{"ok", runOptions{url: "https://x", planPath: "p.yaml"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRunCmd_RequiresURL(t *testing.T) {
	_, err := execute(t, "run", "--plan", "p.yaml")
	assert.ErrorContains(t, err, "--url is required")
}

func TestRunOptions_Apply(t *testing.T) {
	cfg := config.NewDefaultConfig()
	runOptions{username: "qa", password: "pw", headed: true}.apply(cfg)

	assert.Equal(t, config.LoginConfig{Enabled: true, Username: "qa", Password: "pw"}, cfg.Login())
	assert.False(t, cfg.Browser().Headless)
}

func TestBuildReviewer_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := buildReviewer(context.Background(), config.ReviewConfig{Backend: "carrier-pigeon"}, logger)
	assert.ErrorContains(t, err, "unsupported review backend")

	_, err = buildReviewer(context.Background(), config.ReviewConfig{Backend: "gemini", ProviderConfig: config.ProviderConfig{Model: "gemini-2.5-flash"}}, logger)
	assert.ErrorContains(t, err, "API Key is required")

	_, err = buildReviewer(context.Background(), config.ReviewConfig{Backend: "openai", ProviderConfig: config.ProviderConfig{Provider: "openai"}}, logger)
	assert.ErrorContains(t, err, "failed to create review client")
}

// -- drive --

type fakeSession struct {
	mu       sync.Mutex
	results  []runner.TerminalState
	resumed  []string
	finished bool
	onRun    func(ctx context.Context, outcome *runner.Outcome)
}

func (s *fakeSession) next(ctx context.Context, outcome *runner.Outcome) (*runner.Result, error) {
	if s.onRun != nil {
		s.onRun(ctx, outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.results[0]
	s.results = s.results[1:]
	return &runner.Result{State: state}, nil
}

func (s *fakeSession) Execute(ctx context.Context, page orchestrator.Page, p orchestrator.Params, outcome *runner.Outcome) (*runner.Result, error) {
	return s.next(ctx, outcome)
}

func (s *fakeSession) Resume(ctx context.Context, message string, outcome *runner.Outcome) (*runner.Result, error) {
	s.mu.Lock()
	s.resumed = append(s.resumed, message)
	s.mu.Unlock()
	return s.next(ctx, outcome)
}

func (s *fakeSession) Finish(ctx context.Context, outcome *runner.Outcome) schemas.TestScriptState {
	s.finished = true
	outcome.Set(schemas.StepFail)
	return schemas.TestScriptState{}
}

type messages struct{ got []string }

func (m *messages) Message(ctx context.Context, text string) { m.got = append(m.got, text) }

func TestDrive_ResumesWhileOperatorTypes(t *testing.T) {
	session := &fakeSession{results: []runner.TerminalState{runner.Returned, runner.Returned, runner.Completed}}
	var out bytes.Buffer
	prompt := newOperatorPrompt(strings.NewReader("click the blue button\n  try again \nnever read\n"), &out)

	drive(context.Background(), 0, session, nil, orchestrator.Params{}, runner.NewOutcome(), &messages{}, prompt, zaptest.NewLogger(t))

	assert.Equal(t, []string{"click the blue button", "try again"}, session.resumed)
	assert.True(t, session.finished)
	assert.Equal(t, 2, strings.Count(out.String(), "lookout > "))
}

func TestDrive_StopsOnEmptyLineOrWithoutPrompt(t *testing.T) {
	session := &fakeSession{results: []runner.TerminalState{runner.Returned}}
	prompt := newOperatorPrompt(strings.NewReader("\n"), &bytes.Buffer{})
	drive(context.Background(), 0, session, nil, orchestrator.Params{}, runner.NewOutcome(), &messages{}, prompt, zaptest.NewLogger(t))
	assert.Empty(t, session.resumed)

	session = &fakeSession{results: []runner.TerminalState{runner.Returned}}
	drive(context.Background(), 0, session, nil, orchestrator.Params{}, runner.NewOutcome(), &messages{}, nil, zaptest.NewLogger(t))
	assert.Empty(t, session.resumed)
	assert.True(t, session.finished)
}

func TestDrive_OperatorAbortFailsTheRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{
		results: []runner.TerminalState{runner.Failed},
		onRun:   func(context.Context, *runner.Outcome) { cancel() },
	}
	msgs := &messages{}
	outcome := runner.NewOutcome()

	drive(ctx, 0, session, nil, orchestrator.Params{}, outcome, msgs, nil, zaptest.NewLogger(t))

	assert.Equal(t, schemas.StepFail, outcome.Status())
	assert.Equal(t, []string{MsgAborted}, msgs.got)
}

// closingPage counts Close calls and checks they survive a canceled run context.
type closingPage struct {
	orchestrator.Page
	closed  int
	ctxErrs []error
}

func (p *closingPage) Close(ctx context.Context) error {
	p.closed++
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return nil
}

func TestDrive_ClosesThePageOnEveryEnding(t *testing.T) {
	for _, state := range []runner.TerminalState{runner.Completed, runner.Failed, runner.Returned} {
		t.Run(state.String(), func(t *testing.T) {
			page := &closingPage{}
			session := &fakeSession{results: []runner.TerminalState{state}}
			drive(context.Background(), 0, session, page, orchestrator.Params{}, runner.NewOutcome(), &messages{}, nil, zaptest.NewLogger(t))
			assert.Equal(t, 1, page.closed)
		})
	}

	t.Run("aborted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		page := &closingPage{}
		session := &fakeSession{
			results: []runner.TerminalState{runner.Failed},
			onRun:   func(context.Context, *runner.Outcome) { cancel() },
		}
		drive(ctx, 0, session, page, orchestrator.Params{}, runner.NewOutcome(), &messages{}, nil, zaptest.NewLogger(t))
		assert.Equal(t, 1, page.closed)
		assert.Equal(t, []error{nil}, page.ctxErrs)
	})
}

func TestDrive_AppliesRunTimeout(t *testing.T) {
	var deadlineSet bool
	session := &fakeSession{
		results: []runner.TerminalState{runner.Completed},
		onRun: func(ctx context.Context, _ *runner.Outcome) {
			_, deadlineSet = ctx.Deadline()
		},
	}
	drive(context.Background(), time.Minute, session, nil, orchestrator.Params{}, runner.NewOutcome(), &messages{}, nil, zaptest.NewLogger(t))
	assert.True(t, deadlineSet)
}

func TestSummarize(t *testing.T) {
	var out bytes.Buffer
	summarize(&out, "run-1", schemas.TestScriptState{Steps: []schemas.TestStepState{
		{StepNumber: 1, Status: schemas.StepPass, ImagePath: "shots/1.png"},
		{StepNumber: 2, Status: schemas.StepPending},
	}})
	assert.Equal(t, "\nRun run-1\n  Step 1: PASS  (shots/1.png)\n  Step 2: PENDING\n", out.String())
}
