package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// ErrBusShutdown is returned by Post after Shutdown has begun.
var ErrBusShutdown = errors.New("notification bus is shut down")

var allKinds = []schemas.EventKind{
	schemas.EventMessage,
	schemas.EventScriptUpdate,
	schemas.EventTestCases,
	schemas.EventVerdict,
}

// Bus is an in-process publish/subscribe channel for run events. Sends block when a
// subscriber's buffer is full, so slow consumers apply backpressure to publishers.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[schemas.EventKind][]chan schemas.Event
	bufferSize  int

	// processingWg tracks delivered events not yet acknowledged.
	processingWg sync.WaitGroup
	// activePostsWg tracks Post calls in progress.
	activePostsWg sync.WaitGroup

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewBus creates a bus. A non-positive bufferSize uses 100.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		logger:      logger.Named("notify_bus"),
		subscribers: make(map[schemas.EventKind][]chan schemas.Event),
		bufferSize:  bufferSize,
	}
}

// Post delivers ev to every subscriber of its kind. It fills in ID and Timestamp when unset.
func (b *Bus) Post(ctx context.Context, ev schemas.Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A subscriber that unsubscribes while this post holds a copy of its channel
	// turns the send into a send on a closed channel.
	defer func() {
		if r := recover(); r != nil {
			b.processingWg.Done()
			b.logger.Debug("Recovered from send on a closed subscriber channel", zap.Any("panic", r))
			err = errors.New("subscriber went away during delivery")
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan schemas.Event, len(b.subscribers[ev.Kind]))
	copy(subs, b.subscribers[ev.Kind])
	b.mu.RUnlock()

	for _, ch := range subs {
		b.processingWg.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given kinds (all kinds when none are given)
// and a function that unsubscribes and closes it. Every received event must be acknowledged.
func (b *Bus) Subscribe(kinds ...schemas.EventKind) (<-chan schemas.Event, func()) {
	if len(kinds) == 0 {
		kinds = allKinds
	}
	ch := make(chan schemas.Event, b.bufferSize)

	b.mu.Lock()
	for _, k := range kinds {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			removed := false
			for _, k := range kinds {
				subs := b.subscribers[k]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[k] = append(subs[:i], subs[i+1:]...)
						removed = true
						break
					}
				}
			}
			// Shutdown already closed it otherwise.
			if removed {
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Acknowledge marks a received event as processed.
func (b *Bus) Acknowledge(schemas.Event) {
	b.processingWg.Done()
}

// Shutdown stops accepting events, lets in-flight posts land, closes all subscriber
// channels and waits until every delivered event has been acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.activePostsWg.Wait()

	b.mu.Lock()
	unique := make(map[chan schemas.Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[schemas.EventKind][]chan schemas.Event)
	b.mu.Unlock()

	b.processingWg.Wait()
	b.logger.Debug("Notification bus shut down")
}
