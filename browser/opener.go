// Package browser opens authorization pages in a visible Chrome window
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/johnstarich/sagelink/authorize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const targetCheckTimeout = 5 * time.Second

// Config sets up an Opener
type Config struct {
	// ExecPath overrides the Chrome executable. Empty searches the usual locations
	ExecPath string
	Debug    bool
	Logger   *zap.Logger
}

// Opener launches Chrome on first use and opens each URL as a new tab
type Opener struct {
	config Config

	mu            sync.Mutex
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
}

// New creates an Opener. Chrome isn't started until Open is called
func New(config Config) *Opener {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Opener{config: config}
}

func (o *Opener) browser() (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.browserCtx != nil && o.browserCtx.Err() == nil {
		return o.browserCtx, nil
	}

	execOpts := append(
		// skip headless option
		chromedp.DefaultExecAllocatorOptions[3:],

		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
	)
	if o.config.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(o.config.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), execOpts...)
	var ctxOpts []chromedp.ContextOption
	if o.config.Debug {
		logger := o.config.Logger.Sugar()
		ctxOpts = append(ctxOpts,
			chromedp.WithDebugf(logger.Debugf),
			chromedp.WithLogf(logger.Infof),
			chromedp.WithErrorf(logger.Errorf),
		)
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, ctxOpts...)
	// the first Run starts the browser
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, errors.Wrap(err, "Failed to start Chrome")
	}
	o.browserCtx = browserCtx
	o.cancelBrowser = func() {
		cancelBrowser()
		cancelAlloc()
	}
	return browserCtx, nil
}

// Open implements authorize.Opener. Any failure to show the page is reported as authorize.ErrPopupBlocked
func (o *Opener) Open(ctx context.Context, url string) (authorize.Window, error) {
	browserCtx, err := o.browser()
	if err != nil {
		o.config.Logger.Error("Unable to launch browser", zap.Error(err))
		return nil, authorize.ErrPopupBlocked
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		cancelTab()
		o.config.Logger.Error("Unable to open authorization page", zap.Error(err))
		return nil, authorize.ErrPopupBlocked
	}
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancelTab()
		return nil, authorize.ErrPopupBlocked
	}
	return &window{
		targetID:   c.Target.TargetID,
		browserCtx: browserCtx,
		cancel:     cancelTab,
		logger:     o.config.Logger,
	}, nil
}

// Close shuts down Chrome
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelBrowser != nil {
		o.cancelBrowser()
		o.browserCtx, o.cancelBrowser = nil, nil
	}
	return nil
}

type window struct {
	targetID   target.ID
	browserCtx context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger

	closeOnce sync.Once
}

// Closed returns true if the tab no longer exists, i.e. the user closed it
func (w *window) Closed() bool {
	if w.browserCtx.Err() != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(w.browserCtx, targetCheckTimeout)
	defer cancel()
	targets, err := chromedp.Targets(ctx)
	if err != nil {
		w.logger.Debug("Failed to list browser targets", zap.Error(err))
		return w.browserCtx.Err() != nil
	}
	return !containsTarget(targets, w.targetID)
}

func containsTarget(targets []*target.Info, id target.ID) bool {
	for _, t := range targets {
		if t.TargetID == id {
			return true
		}
	}
	return false
}

// Close closes the tab
func (w *window) Close() error {
	w.closeOnce.Do(w.cancel)
	return nil
}
