package review

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// ErrNotInstantiated is returned for jobs enqueued before Instantiate succeeded.
var ErrNotInstantiated = errors.New("review queue has not been instantiated")

// Options tunes a Queue.
type Options struct {
	// PersistContinuation threads each review's continuation id into the next call.
	PersistContinuation bool
}

// Pending is the completion handle of one enqueued review.
type Pending struct {
	done   chan struct{}
	result string
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(result string, err error) {
	p.result, p.err = result, err
	close(p.done)
}

// Done is closed once the review has been resolved or rejected.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the review completes and returns the serialized post-review state.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type job struct {
	ctx        context.Context
	screenshot []byte
	context    string
	pending    *Pending
}

// Queue serializes screenshot reviews against a single conversation and owns the
// authoritative TestScriptState for a run. Jobs are processed strictly in enqueue order
// by a single drain goroutine, so at most one review call is in flight at any time.
type Queue struct {
	reviewer schemas.Reviewer
	store    schemas.ScreenshotStore
	opts     Options
	logger   *zap.Logger

	mu             sync.Mutex
	jobs           []*job
	draining       bool
	idle           chan struct{}
	instantiated   bool
	state          schemas.TestScriptState
	continuationID string

	wg sync.WaitGroup
}

// NewQueue creates an empty queue. Instantiate must be called before reviews can succeed.
func NewQueue(reviewer schemas.Reviewer, store schemas.ScreenshotStore, opts Options, logger *zap.Logger) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		reviewer: reviewer,
		store:    store,
		opts:     opts,
		logger:   logger.Named("review_queue"),
		idle:     idle,
	}
}

// Instantiate seeds the review conversation with the plan and fixes the step set to
// that of baseline. It returns the serialized initial state.
func (q *Queue) Instantiate(ctx context.Context, plan string, baseline schemas.TestScriptState) (string, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return "", fmt.Errorf("cannot instantiate while reviews are in flight")
	}
	q.mu.Unlock()

	resp, err := q.reviewer.Instantiate(ctx, plan, baseline)
	if err != nil {
		return "", fmt.Errorf("failed to instantiate review conversation: %w", err)
	}
	initial := Reconcile(baseline, resp.Steps)
	out, err := initial.JSON()
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.state = initial
	q.instantiated = true
	if q.opts.PersistContinuation {
		q.continuationID = resp.ContinuationID
	}
	q.mu.Unlock()

	q.logger.Info("Review conversation instantiated", zap.Int("steps", len(initial.Steps)))
	return out, nil
}

// Enqueue appends a review job and returns immediately. The job runs under ctx.
func (q *Queue) Enqueue(ctx context.Context, screenshot []byte, reviewContext string) *Pending {
	p := newPending()

	q.mu.Lock()
	q.jobs = append(q.jobs, &job{ctx: ctx, screenshot: screenshot, context: reviewContext, pending: p})
	depth := len(q.jobs)
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		q.wg.Add(1)
		go q.drain()
	}
	q.mu.Unlock()

	q.logger.Debug("Review job enqueued", zap.Int("queue_depth", depth))
	return p
}

// State returns a deep copy of the current state.
func (q *Queue) State() schemas.TestScriptState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Clone()
}

// Wait blocks until the queue is empty and no job is being processed.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for the drain goroutine to exit.
func (q *Queue) Close() {
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	q.logger.Debug("Starting queue processing")

	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			q.logger.Debug("Queue processing completed")
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		ready := q.instantiated
		prev := q.state.Clone()
		continuation := q.continuationID
		q.mu.Unlock()

		if !ready {
			j.pending.resolve("", ErrNotInstantiated)
			continue
		}

		next, nextContinuation, err := q.process(j, prev, continuation)
		if err != nil {
			q.logger.Error("Review job failed", zap.Error(err))
			j.pending.resolve("", err)
			continue
		}

		out, err := next.JSON()
		if err != nil {
			j.pending.resolve("", err)
			continue
		}

		// Only the drain goroutine writes state after instantiation, so prev is still current.
		q.mu.Lock()
		q.state = next
		if q.opts.PersistContinuation {
			q.continuationID = nextContinuation
		}
		q.mu.Unlock()

		j.pending.resolve(out, nil)
	}
}

func (q *Queue) process(j *job, prev schemas.TestScriptState, continuation string) (schemas.TestScriptState, string, error) {
	resp, err := q.reviewer.Review(j.ctx, schemas.ReviewRequest{
		Screenshot:     j.screenshot,
		Context:        j.context,
		ContinuationID: continuation,
		Baseline:       prev,
	})
	if err != nil {
		return schemas.TestScriptState{}, "", fmt.Errorf("failed to process test script status: %w", err)
	}

	next := Reconcile(prev, resp.Steps)
	changed := ChangedSteps(prev, next)

	var ref string
	if len(changed) > 0 {
		ref, err = q.store.Save(j.ctx, j.screenshot)
		if err != nil {
			return schemas.TestScriptState{}, "", fmt.Errorf("failed to persist review screenshot: %w", err)
		}
	}
	ApplyImageRefs(prev, &next, changed, ref)

	q.logger.Debug("Test script state updated",
		zap.Int("steps", len(next.Steps)),
		zap.Int("changed_steps", len(changed)),
		zap.String("image_ref", ref))
	return next, resp.ContinuationID, nil
}
