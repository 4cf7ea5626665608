package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
)

const (
	defaultNavigateTimeout = 45 * time.Second
	actionTimeout          = 30 * time.Second
	screenshotTimeout      = 20 * time.Second
	closeTimeout           = 5 * time.Second
)

// ErrPageClosed is returned by operations on a page after Close.
var ErrPageClosed = errors.New("page is closed")

// Page is one browser tab. It implements schemas.Surface.
type Page struct {
	manager *Manager
	id      target.ID
	// ctx is the chromedp context bound to this tab.
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	tracked   bool
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

var _ schemas.Surface = (*Page)(nil)

func newPage(m *Manager, id target.ID, ctx context.Context, cancel context.CancelFunc) *Page {
	return &Page{
		manager: m,
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  m.logger.Named("page").With(zap.String("target_id", string(id))),
	}
}

func (p *Page) ID() string { return string(p.id) }

// run executes actions against this tab, bounded by both the tab and the caller's context.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPageClosed
	}

	opCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(opCtx, timeout)
		defer cancelTimeout()
	}

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() == nil && opCtx.Err() != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("browser operation timed out after %v: %w", timeout, err)
		}
		return err
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	timeout := p.manager.cfg.NavigateTimeout
	if timeout <= 0 {
		timeout = defaultNavigateTimeout
	}
	p.logger.Debug("Navigating", zap.String("url", url))
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, screenshotTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("failed to capture screenshot: empty image")
	}
	return buf, nil
}

// ListTabs returns every open tab in the browser this page belongs to.
func (p *Page) ListTabs(ctx context.Context) ([]schemas.Surface, error) {
	return p.manager.tabs(ctx)
}

func (p *Page) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var size []int
	if err := p.run(ctx, actionTimeout, chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &size)); err != nil {
		return schemas.Viewport{}, fmt.Errorf("failed to read viewport: %w", err)
	}
	if len(size) != 2 {
		return schemas.Viewport{}, fmt.Errorf("unexpected viewport reply %v", size)
	}
	return schemas.Viewport{Width: size[0], Height: size[1]}, nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	if err := p.run(ctx, actionTimeout, chromedp.EmulateViewport(int64(width), int64(height))); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	return nil
}

// Execute performs one planner action.
func (p *Page) Execute(ctx context.Context, action schemas.ComputerAction) error {
	actions, err := translate(action)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	timeout := actionTimeout
	switch action.Type {
	case schemas.ComputerWait:
		timeout += action.Duration
	case schemas.ComputerNavigate:
		timeout = p.manager.cfg.NavigateTimeout
		if timeout <= 0 {
			timeout = defaultNavigateTimeout
		}
	}

	p.logger.Debug("Executing action", zap.String("type", string(action.Type)))
	if err := p.run(ctx, timeout, actions...); err != nil {
		return fmt.Errorf("failed to execute %s: %w", action.Type, err)
	}
	return nil
}

// Close closes the tab. It is safe to call more than once.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		closeCtx, cancel := context.WithTimeout(Detach(p.ctx), closeTimeout)
		defer cancel()
		if runErr := chromedp.Run(closeCtx, page.Close()); runErr != nil && !errors.Is(runErr, context.Canceled) {
			err = fmt.Errorf("failed to close tab: %w", runErr)
		}

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if p.cancel != nil {
			p.cancel()
		}
		p.manager.forget(p.id)
		if p.tracked {
			p.manager.wg.Done()
		}
	})
	return err
}
