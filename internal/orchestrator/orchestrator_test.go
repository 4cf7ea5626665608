package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
	"github.com/xkilldash9x/lookout/internal/review"
	"github.com/xkilldash9x/lookout/internal/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Doubles --

type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Start(ctx context.Context, instructions, userInfo string) (*schemas.PlannerResponse, error) {
	args := m.Called(ctx, instructions, userInfo)
	resp, _ := args.Get(0).(*schemas.PlannerResponse)
	return resp, args.Error(1)
}

func (m *MockPlanner) SendScreenshot(ctx context.Context, in schemas.ScreenshotInput) (*schemas.PlannerResponse, error) {
	args := m.Called(ctx, in)
	resp, _ := args.Get(0).(*schemas.PlannerResponse)
	return resp, args.Error(1)
}

func (m *MockPlanner) SendFunctionResult(ctx context.Context, previousID, callID string, result any) (*schemas.PlannerResponse, error) {
	args := m.Called(ctx, previousID, callID, result)
	resp, _ := args.Get(0).(*schemas.PlannerResponse)
	return resp, args.Error(1)
}

type fakePage struct {
	mu sync.Mutex

	navigateErr error
	fillErr     error

	calls []string
	shots int
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) ID() string { return "page" }

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	return p.navigateErr
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shots++
	p.calls = append(p.calls, "screenshot")
	return []byte("png"), nil
}

func (p *fakePage) ListTabs(ctx context.Context) ([]schemas.Surface, error) {
	return []schemas.Surface{p}, nil
}

func (p *fakePage) Viewport(ctx context.Context) (schemas.Viewport, error) {
	return schemas.Viewport{Width: 1024, Height: 768}, nil
}

func (p *fakePage) SetViewport(ctx context.Context, width, height int) error {
	p.record("viewport")
	return nil
}

func (p *fakePage) Execute(ctx context.Context, action schemas.ComputerAction) error {
	p.record("execute " + string(action.Type))
	return nil
}

func (p *fakePage) Close(ctx context.Context) error {
	p.record("close")
	return nil
}

func (p *fakePage) FillCredentials(ctx context.Context, username, password string) error {
	p.record("fill " + username + "/" + password)
	return p.fillErr
}

func (p *fakePage) SubmitLogin(ctx context.Context) error {
	p.record("submit")
	return nil
}

func (p *fakePage) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	updates  []string
	plans    []string
	verdicts []schemas.StepStatus
}

func (n *recordingNotifier) Message(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) ScriptUpdate(ctx context.Context, state string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, state)
}

func (n *recordingNotifier) ScriptUpdateError(ctx context.Context, err error) {
	n.ScriptUpdate(ctx, "error: "+err.Error())
}

func (n *recordingNotifier) TestCases(ctx context.Context, plan string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.plans = append(n.plans, plan)
}

func (n *recordingNotifier) Verdict(ctx context.Context, status schemas.StepStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verdicts = append(n.verdicts, status)
}

type stepReviewer struct {
	instantiateErr error
}

func (r stepReviewer) Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	if r.instantiateErr != nil {
		return nil, r.instantiateErr
	}
	return &schemas.ReviewResponse{}, nil
}

func (stepReviewer) Review(ctx context.Context, req schemas.ReviewRequest) (*schemas.ReviewResponse, error) {
	return &schemas.ReviewResponse{Steps: []schemas.StepVerdict{{StepNumber: 1, Status: schemas.StepPass, Reasoning: "page loaded"}}}, nil
}

type memStore struct{}

func (memStore) Save(ctx context.Context, png []byte) (string, error) { return "mem://1", nil }

type harness struct {
	orch     *Orchestrator
	planner  *MockPlanner
	notifier *recordingNotifier
	queue    *review.Queue
	page     *fakePage
}

func newHarness(t *testing.T, reviewer schemas.Reviewer) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	planner := new(MockPlanner)
	notifier := &recordingNotifier{}
	queue := review.NewQueue(reviewer, memStore{}, review.Options{}, logger)
	t.Cleanup(queue.Close)

	loop := runner.NewLoop(planner, notifier, runner.Config{ScreenshotAttempts: 1, MaxFrameDepth: 2}, logger)
	cfg := Config{
		Viewport:             schemas.Viewport{Width: 1024, Height: 768},
		AwaitFirstCheckpoint: true,
		ShutdownWait:         time.Second,
	}
	return &harness{
		orch:     New(planner, queue, loop, notifier, cfg, logger),
		planner:  planner,
		notifier: notifier,
		queue:    queue,
		page:     &fakePage{},
	}
}

var params = Params{
	URL:          "https://shop.example",
	Instructions: "Step 1: Open the shop",
	Baseline:     schemas.TestScriptState{Steps: []schemas.TestStepState{{StepNumber: 1, Status: schemas.StepPending}}},
	UserInfo:     "email: qa@example.com",
}

func markDone() *schemas.PlannerResponse {
	return &schemas.PlannerResponse{ID: "resp_1", Output: []schemas.OutputItem{
		schemas.FunctionCall{Name: schemas.MarkDoneFunction, CallID: "call_1"},
	}}
}

// -- Tests --

func TestExecute_HappyPath(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.planner.On("Start", mock.Anything, params.Instructions, params.UserInfo).Return(markDone(), nil).Once()
	h.planner.On("SendFunctionResult", mock.Anything, "resp_1", "call_1", mock.Anything).
		Return(&schemas.PlannerResponse{ID: "resp_2", Output: []schemas.OutputItem{schemas.Message{Text: "All steps verified."}}}, nil).Once()

	outcome := runner.NewOutcome()
	res, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	require.NoError(t, err)
	assert.Equal(t, runner.Completed, res.State)

	final := h.orch.Finish(context.Background(), outcome)
	assert.Equal(t, schemas.StepPass, final.Steps[0].Status)
	assert.Equal(t, "mem://1", final.Steps[0].ImagePath)

	assert.Equal(t, []string{"viewport", "navigate https://shop.example", "screenshot", "close"}, h.page.history())
	assert.Equal(t, []string{MsgStarting, runner.MsgTestFinished, "All steps verified."}, h.notifier.messages)
	assert.Equal(t, []string{params.Instructions}, h.notifier.plans)
	assert.Equal(t, []schemas.StepStatus{schemas.StepPass}, h.notifier.verdicts)
	// The instantiated state, then the awaited initial checkpoint.
	require.Len(t, h.notifier.updates, 2)
	assert.Contains(t, h.notifier.updates[0], `"status":"pending"`)
	assert.Contains(t, h.notifier.updates[1], `"status":"pass"`)
	h.planner.AssertExpectations(t)
}

func TestExecute_Login(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.planner.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(markDone(), nil).Once()
	h.planner.On("SendFunctionResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&schemas.PlannerResponse{ID: "resp_2"}, nil).Once()

	p := params
	p.Login = config.LoginConfig{Enabled: true, Username: "qa", Password: "secret"}
	// A failed fill is logged; the run carries on.
	h.page.fillErr = errors.New("no username field")

	outcome := runner.NewOutcome()
	_, err := h.orch.Execute(context.Background(), h.page, p, outcome)
	require.NoError(t, err)
	h.orch.Finish(context.Background(), outcome)

	assert.Equal(t, []string{
		"viewport", "navigate https://shop.example", "screenshot",
		"fill qa/secret", "screenshot", "submit", "close",
	}, h.page.history())
	assert.Contains(t, h.notifier.messages, MsgLoginRequired)
	assert.Contains(t, h.notifier.messages, MsgLoginExecuted)
}

func TestExecute_NavigateFailure(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.page.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	outcome := runner.NewOutcome()
	_, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	assert.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, schemas.StepFail, outcome.Status())
	assert.Equal(t, MsgExecutionError, h.notifier.messages[len(h.notifier.messages)-1])
	h.planner.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)

	h.orch.Finish(context.Background(), outcome)
	assert.Equal(t, []schemas.StepStatus{schemas.StepFail}, h.notifier.verdicts)
}

func TestExecute_InstantiateFailure(t *testing.T) {
	h := newHarness(t, stepReviewer{instantiateErr: errors.New("review service down")})

	outcome := runner.NewOutcome()
	_, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	assert.ErrorContains(t, err, "review service down")
	assert.Empty(t, h.page.history(), "the page is untouched when the review cannot start")
	assert.Equal(t, schemas.StepFail, outcome.Status())
}

func TestExecute_PlannerStartFailure(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.planner.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("401 unauthorized")).Once()

	outcome := runner.NewOutcome()
	_, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, schemas.StepFail, outcome.Status())
	h.orch.Finish(context.Background(), outcome)
}

func TestFinish_UndecidedRunFails(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.planner.On("Start", mock.Anything, mock.Anything, mock.Anything).
		Return(&schemas.PlannerResponse{ID: "resp_1", Output: []schemas.OutputItem{schemas.Reasoning{Summary: []string{"hmm"}}}}, nil).Once()

	outcome := runner.NewOutcome()
	res, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	require.NoError(t, err)
	assert.Equal(t, runner.Returned, res.State)
	assert.Equal(t, schemas.StepPending, outcome.Status())

	h.orch.Finish(context.Background(), outcome)
	assert.Equal(t, schemas.StepFail, outcome.Status())
	assert.Contains(t, h.notifier.messages, MsgStoppedEarly)
	assert.Equal(t, []schemas.StepStatus{schemas.StepFail}, h.notifier.verdicts)
}

func TestResume_AfterReturn(t *testing.T) {
	h := newHarness(t, stepReviewer{})
	h.planner.On("Start", mock.Anything, mock.Anything, mock.Anything).
		Return(&schemas.PlannerResponse{ID: "resp_idle"}, nil).Once()
	h.planner.On("SendScreenshot", mock.Anything, mock.MatchedBy(func(in schemas.ScreenshotInput) bool {
		return in.PreviousID == "resp_idle" && in.Text == "try the other button"
	})).Return(markDone(), nil).Once()
	h.planner.On("SendFunctionResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&schemas.PlannerResponse{ID: "resp_2"}, nil).Once()

	outcome := runner.NewOutcome()
	_, err := h.orch.Execute(context.Background(), h.page, params, outcome)
	require.NoError(t, err)

	res, err := h.orch.Resume(context.Background(), "try the other button", outcome)
	require.NoError(t, err)
	assert.Equal(t, runner.Completed, res.State)
	h.orch.Finish(context.Background(), outcome)
	h.planner.AssertExpectations(t)
}
