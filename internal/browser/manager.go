package browser

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lookout/api/schemas"
	"github.com/xkilldash9x/lookout/internal/config"
)

// Manager owns the Chrome process and the tabs opened in it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process. All tab contexts derive from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu      sync.Mutex
	initial *Page
	pages   map[target.ID]*Page
	order   []target.ID

	// wg tracks pages handed out by NewPage for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser process and waits for it to respond.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		pages:  make(map[target.ID]*Page),
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, buildAllocatorOptions(m.cfg)...)
	m.allocatorCtx, m.allocatorCancel = allocCtx, allocCancel

	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(m.logger.Sugar().Debugf)}
	if m.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)
	m.browserCtx, m.browserCancel = browserCtx, browserCancel

	// The first Run allocates the browser and must not carry a timeout of its own,
	// otherwise the process dies with it.
	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Target == nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser started without an initial target")
	}
	first := newPage(m, c.Target.TargetID, browserCtx, nil)
	m.initial = first
	m.pages[first.id] = first
	m.order = append(m.order, first.id)

	m.logger.Info("Browser launched successfully and is responsive.", zap.Bool("headless", m.cfg.Headless))
	return nil
}

// allocatorFlags lists the command-line switches layered over chromedp's defaults.
// A false value removes a default switch.
func allocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		"enable-automation":         false,
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
		"disable-file-system":       true,
		"disable-gpu":               cfg.Headless,
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers (Docker on Linux) need these.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewPage returns a tab to drive. The first call hands out the tab opened at launch.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	m.mu.Lock()
	if p := m.initial; p != nil {
		m.initial = nil
		m.wg.Add(1)
		p.tracked = true
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	p := newPage(m, c.Target.TargetID, tabCtx, cancel)
	p.tracked = true

	m.mu.Lock()
	m.pages[p.id] = p
	m.order = append(m.order, p.id)
	m.wg.Add(1)
	m.mu.Unlock()
	return p, nil
}

// tabs lists the open page targets, oldest first. Targets seen for the first time are
// wrapped in a Page attached to the existing tab.
func (m *Manager) tabs(ctx context.Context) ([]schemas.Surface, error) {
	listCtx, cancel := CombineContext(m.browserCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(listCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	live := make(map[target.ID]bool, len(infos))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		if info.Type == "page" {
			live[info.TargetID] = true
		}
	}
	for _, info := range discoveredPages(infos, m.pages) {
		tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(info.TargetID))
		m.pages[info.TargetID] = newPage(m, info.TargetID, tabCtx, tabCancel)
		m.order = append(m.order, info.TargetID)
		m.logger.Debug("Discovered new tab", zap.String("target_id", string(info.TargetID)), zap.String("url", info.URL))
	}

	order := m.order[:0]
	out := make([]schemas.Surface, 0, len(live))
	for _, id := range m.order {
		if !live[id] {
			delete(m.pages, id)
			continue
		}
		order = append(order, id)
		out = append(out, m.pages[id])
	}
	m.order = order
	return out, nil
}

// discoveredPages returns the page targets not yet in known, ordered so that a tab comes
// after the tab that opened it. CDP reports no creation time, so tabs with no ordering
// between them (siblings opened by one action) are ordered by target id.
func discoveredPages(infos []*target.Info, known map[target.ID]*Page) []*target.Info {
	fresh := make(map[target.ID]*target.Info)
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if _, ok := known[info.TargetID]; ok {
			continue
		}
		fresh[info.TargetID] = info
	}

	depth := func(info *target.Info) int {
		d := 0
		for seen := map[target.ID]bool{info.TargetID: true}; ; d++ {
			opener, ok := fresh[info.OpenerID]
			if !ok || seen[opener.TargetID] {
				return d
			}
			seen[opener.TargetID] = true
			info = opener
		}
	}

	out := make([]*target.Info, 0, len(fresh))
	for _, info := range fresh {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b *target.Info) int {
		if c := cmp.Compare(depth(a), depth(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.TargetID, b.TargetID)
	})
	return out
}

func (m *Manager) forget(id target.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	for i, known := range m.order {
		if known == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Shutdown waits for handed-out pages to close, bounded by ctx, then terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active pages to close...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All pages have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down main browser process...")
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
