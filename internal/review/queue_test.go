package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// -- Mocks and Fakes --

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, png []byte) (string, error) {
	args := m.Called(ctx, png)
	return args.String(0), args.Error(1)
}

// scriptedReviewer answers reviews from a per-context script and records call order
// and concurrency.
type scriptedReviewer struct {
	mu       sync.Mutex
	calls    []schemas.ReviewRequest
	replies  map[string][]schemas.StepVerdict
	failures map[string]error
	latency  map[string]time.Duration
	gate     chan struct{}

	inFlight    int32
	maxInFlight int32
	counter     int
}

func newScriptedReviewer() *scriptedReviewer {
	return &scriptedReviewer{
		replies:  make(map[string][]schemas.StepVerdict),
		failures: make(map[string]error),
		latency:  make(map[string]time.Duration),
	}
}

func (r *scriptedReviewer) Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	return &schemas.ReviewResponse{ContinuationID: "resp_init"}, nil
}

func (r *scriptedReviewer) Review(ctx context.Context, req schemas.ReviewRequest) (*schemas.ReviewResponse, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		m := atomic.LoadInt32(&r.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxInFlight, m, n) {
			break
		}
	}

	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	delay := r.latency[req.Context]
	r.mu.Unlock()
	time.Sleep(delay)

	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.counter++
	id := fmt.Sprintf("resp_%d", r.counter)
	err := r.failures[req.Context]
	verdicts := r.replies[req.Context]
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &schemas.ReviewResponse{ContinuationID: id, Steps: verdicts}, nil
}

func (r *scriptedReviewer) contexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Context
	}
	return out
}

func baseline(n int) schemas.TestScriptState {
	s := schemas.TestScriptState{}
	for i := 1; i <= n; i++ {
		s.Steps = append(s.Steps, schemas.TestStepState{StepNumber: i, Status: schemas.StepPending})
	}
	return s
}

func newInstantiatedQueue(t *testing.T, reviewer schemas.Reviewer, store schemas.ScreenshotStore, steps int) *Queue {
	t.Helper()
	q := NewQueue(reviewer, store, Options{PersistContinuation: true}, zaptest.NewLogger(t))
	_, err := q.Instantiate(context.Background(), "Step 1: open", baseline(steps))
	require.NoError(t, err)
	return q
}

// -- Queue Tests --

func TestQueue_FIFOOrderingAndSingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	reviewer.gate = make(chan struct{})
	store := new(MockStore)
	q := newInstantiatedQueue(t, reviewer, store, 3)

	// Later jobs are slower than the first; resolution order must still follow enqueue order.
	reviewer.latency["job-1"] = 30 * time.Millisecond
	reviewer.latency["job-2"] = 20 * time.Millisecond

	ctx := context.Background()
	var handles []*Pending
	for i := 0; i < 5; i++ {
		handles = append(handles, q.Enqueue(ctx, []byte{byte(i)}, fmt.Sprintf("job-%d", i)))
	}
	close(reviewer.gate)

	// When a handle resolves, every handle enqueued before it must already be resolved.
	var outOfOrder atomic.Int32
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Pending) {
			defer wg.Done()
			<-h.Done()
			for _, earlier := range handles[:i] {
				select {
				case <-earlier.Done():
				default:
					outOfOrder.Add(1)
				}
			}
		}(i, h)
	}
	wg.Wait()
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, q.Wait(ctx))
	q.Close()

	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}, reviewer.contexts())
	assert.Zero(t, outOfOrder.Load(), "a job resolved before one enqueued ahead of it")
	assert.Equal(t, int32(1), atomic.LoadInt32(&reviewer.maxInFlight), "at most one review call in flight")
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestQueue_ThreadsContinuationIDs(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	q := newInstantiatedQueue(t, reviewer, new(MockStore), 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil, "a").Wait(ctx)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, nil, "b").Wait(ctx)
	require.NoError(t, err)
	q.Close()

	require.Len(t, reviewer.calls, 2)
	assert.Equal(t, "resp_init", reviewer.calls[0].ContinuationID)
	assert.Equal(t, "resp_1", reviewer.calls[1].ContinuationID)
}

func TestQueue_CardinalityInvariant(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	// Unknown step 99, missing step 2, reordered entries.
	reviewer.replies["shot"] = []schemas.StepVerdict{
		{StepNumber: 3, Status: schemas.StepPending, Reasoning: "not yet"},
		{StepNumber: 99, Status: schemas.StepPass, Reasoning: "invented"},
		{StepNumber: 1, Status: schemas.StepPass, Reasoning: "page loaded"},
	}
	store := new(MockStore)
	store.On("Save", mock.Anything, []byte("png")).Return("/test_results/run/a.png", nil).Once()
	q := newInstantiatedQueue(t, reviewer, store, 3)
	ctx := context.Background()

	out, err := q.Enqueue(ctx, []byte("png"), "shot").Wait(ctx)
	require.NoError(t, err)
	q.Close()

	state := q.State()
	assert.Equal(t, []int{1, 2, 3}, state.StepNumbers())
	assert.Equal(t, `{"steps":[{"step_number":1,"status":"pass","step_reasoning":"page loaded","image_path":"/test_results/run/a.png"},{"step_number":2,"status":"pending","step_reasoning":""},{"step_number":3,"status":"pending","step_reasoning":"not yet"}]}`, out)
	store.AssertExpectations(t)
}

func TestQueue_StatusChangeDetection(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	reviewer.replies["first"] = []schemas.StepVerdict{
		{StepNumber: 1, Status: schemas.StepPass, Reasoning: "ok"},
		{StepNumber: 2, Status: schemas.StepPending},
	}
	// No transition: step 1 stays pass, step 2 stays pending.
	reviewer.replies["second"] = []schemas.StepVerdict{
		{StepNumber: 1, Status: schemas.StepPass, Reasoning: "still ok"},
		{StepNumber: 2, Status: schemas.StepPending},
	}
	reviewer.replies["third"] = []schemas.StepVerdict{
		{StepNumber: 1, Status: schemas.StepPass, Reasoning: "still ok"},
		{StepNumber: 2, Status: schemas.StepFail, Reasoning: "error banner"},
	}

	store := new(MockStore)
	store.On("Save", mock.Anything, []byte("first")).Return("ref-1", nil).Once()
	store.On("Save", mock.Anything, []byte("third")).Return("ref-3", nil).Once()
	q := newInstantiatedQueue(t, reviewer, store, 2)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(ctx, []byte(name), name).Wait(ctx)
		require.NoError(t, err)
	}
	q.Close()

	want := schemas.TestScriptState{Steps: []schemas.TestStepState{
		{StepNumber: 1, Status: schemas.StepPass, Reasoning: "still ok", ImagePath: "ref-1"},
		{StepNumber: 2, Status: schemas.StepFail, Reasoning: "error banner", ImagePath: "ref-3"},
	}}
	if diff := cmp.Diff(want, q.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "Save", 2)
}

func TestQueue_FailureRejectsOnlyThatJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	reviewer.failures["bad"] = errors.New("service unavailable")
	reviewer.replies["good"] = []schemas.StepVerdict{{StepNumber: 1, Status: schemas.StepPending, Reasoning: "waiting"}}
	q := newInstantiatedQueue(t, reviewer, new(MockStore), 1)
	ctx := context.Background()

	bad := q.Enqueue(ctx, nil, "bad")
	good := q.Enqueue(ctx, nil, "good")

	_, err := bad.Wait(ctx)
	assert.ErrorContains(t, err, "service unavailable")
	out, err := good.Wait(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting")
	q.Close()
}

func TestQueue_StoreFailureLeavesStateUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	reviewer.replies["shot"] = []schemas.StepVerdict{{StepNumber: 1, Status: schemas.StepPass}}
	store := new(MockStore)
	store.On("Save", mock.Anything, mock.Anything).Return("", errors.New("disk full"))
	q := newInstantiatedQueue(t, reviewer, store, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("x"), "shot").Wait(ctx)
	assert.ErrorContains(t, err, "disk full")
	q.Close()

	assert.Equal(t, schemas.StepPending, q.State().Steps[0].Status)
}

func TestQueue_RejectsJobsBeforeInstantiate(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(newScriptedReviewer(), new(MockStore), Options{}, zaptest.NewLogger(t))
	_, err := q.Enqueue(context.Background(), nil, "").Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotInstantiated)
	q.Close()
}

func TestQueue_WaitIdleAndPendingDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	reviewer := newScriptedReviewer()
	reviewer.gate = make(chan struct{})
	q := newInstantiatedQueue(t, reviewer, new(MockStore), 1)

	// An idle queue returns immediately.
	require.NoError(t, q.Wait(context.Background()))

	p := q.Enqueue(context.Background(), nil, "slow")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	select {
	case <-p.Done():
		t.Fatal("pending resolved before the reviewer answered")
	default:
	}

	close(reviewer.gate)
	<-p.Done()
	require.NoError(t, q.Wait(context.Background()))
	q.Close()
}

func TestQueue_InstantiateReconcilesToBaseline(t *testing.T) {
	reviewer := new(MockReviewer)
	reviewer.On("Instantiate", mock.Anything, "plan", mock.Anything).Return(&schemas.ReviewResponse{
		ContinuationID: "resp_0",
		Steps: []schemas.StepVerdict{
			{StepNumber: 2, Status: schemas.StepPending, Reasoning: "later"},
			{StepNumber: 7, Status: schemas.StepPass},
		},
	}, nil)

	q := NewQueue(reviewer, new(MockStore), Options{PersistContinuation: true}, zaptest.NewLogger(t))
	out, err := q.Instantiate(context.Background(), "plan", baseline(2))
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[{"step_number":1,"status":"pending","step_reasoning":""},{"step_number":2,"status":"pending","step_reasoning":"later"}]}`, out)
}

type MockReviewer struct {
	mock.Mock
}

func (m *MockReviewer) Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (*schemas.ReviewResponse, error) {
	args := m.Called(ctx, plan, baseline)
	resp, _ := args.Get(0).(*schemas.ReviewResponse)
	return resp, args.Error(1)
}

func (m *MockReviewer) Review(ctx context.Context, req schemas.ReviewRequest) (*schemas.ReviewResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*schemas.ReviewResponse)
	return resp, args.Error(1)
}
