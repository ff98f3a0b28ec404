// Package browser captures the cookie jar of a page using headless Chrome.
//
// Each Capture call owns a private browser process with a throwaway profile.
// The sequence is fixed: navigate until DOMContentLoaded, scroll to the
// bottom and back, wait for the network to go quiet, settle, then read every
// cookie the browser holds. Cookies are read even when navigation failed.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"cookiescan/internal/domain"
)

const DesktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

type Options struct {
	NavigationTimeout  time.Duration
	NetworkIdleTimeout time.Duration
	// IdleQuiet is how long the network must stay empty to count as idle.
	IdleQuiet      time.Duration
	ScrollPause    time.Duration
	SettleDelay    time.Duration
	ExtractTimeout time.Duration
	UserAgent      string
	Width, Height  int
	ExecPath       string
}

func DefaultOptions() Options {
	return Options{
		NavigationTimeout:  60 * time.Second,
		NetworkIdleTimeout: 8 * time.Second,
		IdleQuiet:          500 * time.Millisecond,
		ScrollPause:        3 * time.Second,
		SettleDelay:        4 * time.Second,
		ExtractTimeout:     10 * time.Second,
		UserAgent:          DesktopUserAgent,
		Width:              1920,
		Height:             1080,
	}
}

// withDefaults fills zero fields. Zero delays stay zero only for
// ScrollPause and SettleDelay, which tests shorten.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = d.NavigationTimeout
	}
	if o.NetworkIdleTimeout <= 0 {
		o.NetworkIdleTimeout = d.NetworkIdleTimeout
	}
	if o.IdleQuiet <= 0 {
		o.IdleQuiet = d.IdleQuiet
	}
	if o.ExtractTimeout <= 0 {
		o.ExtractTimeout = d.ExtractTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = d.Width, d.Height
	}
	return o
}

type Engine struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Engine {
	return &Engine{opts: opts.withDefaults(), logger: logger.With("component", "browser")}
}

func (e *Engine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(e.opts.UserAgent),
		chromedp.WindowSize(e.opts.Width, e.opts.Height),
	)
	if e.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.opts.ExecPath))
	}
	return opts
}

// Capture loads url and returns the cookie jar. The error is non-nil only
// when the browser session could not be started.
func (e *Engine) Capture(ctx context.Context, url string) (domain.Capture, error) {
	log := e.logger.With("url", url)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, e.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	tracker := newNetTracker()
	chromedp.ListenTarget(browserCtx, tracker.handle)

	// the first Run starts the browser
	err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(e.opts.Width), int64(e.opts.Height)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return domain.Capture{}, fmt.Errorf("failed to start browser: %w", err)
	}

	var navErr string
	if err := e.navigate(browserCtx, url); err != nil {
		navErr = err.Error()
		log.Warn("navigation failed", "error", err)
	}

	if navErr == "" {
		if err := e.interact(browserCtx); err != nil {
			navErr = err.Error()
			log.Warn("page interaction failed", "error", err)
		}
	}

	if navErr == "" {
		if err := tracker.waitIdle(browserCtx, e.opts.IdleQuiet, e.opts.NetworkIdleTimeout); err != nil {
			log.Warn("network did not go idle", "timeout", e.opts.NetworkIdleTimeout, "error", err)
		}
		if err := sleep(browserCtx, e.opts.SettleDelay); err != nil {
			navErr = err.Error()
		}
	}

	cookies, err := e.extract(browserCtx)
	if err != nil {
		log.Error("cookie extraction failed", "error", err)
		if navErr == "" {
			navErr = err.Error()
		}
	}
	log.Debug("capture finished", "cookies", len(cookies), "navigation_error", navErr)
	return domain.Capture{Cookies: cookies, NavigationError: navErr}, nil
}

// navigate returns once DOMContentLoaded fired or the navigation timeout
// elapsed, whichever is first.
func (e *Engine) navigate(browserCtx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(browserCtx, e.opts.NavigationTimeout)
	defer cancel()

	var domReady atomic.Bool
	chromedp.ListenTarget(navCtx, func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			domReady.Store(true)
			cancel()
		}
	})

	err := chromedp.Run(navCtx, chromedp.Navigate(url))
	switch {
	case err == nil:
		return nil
	case domReady.Load() && errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("navigation timeout of %s exceeded", e.opts.NavigationTimeout)
	default:
		return fmt.Errorf("navigation failed: %w", err)
	}
}

// interact scrolls to the bottom, pauses, and scrolls back to trigger lazy
// loaded trackers.
func (e *Engine) interact(browserCtx context.Context) error {
	ctx, cancel := context.WithTimeout(browserCtx, e.opts.ScrollPause+10*time.Second)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.Evaluate(`window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`, nil),
		chromedp.Sleep(e.opts.ScrollPause),
		chromedp.Evaluate(`window.scrollTo(0, 0)`, nil),
	)
}

func (e *Engine) extract(browserCtx context.Context) ([]domain.RawCookie, error) {
	ctx, cancel := context.WithTimeout(browserCtx, e.opts.ExtractTimeout)
	defer cancel()

	var jar []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		jar, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie jar: %w", err)
	}
	return toRawCookies(jar), nil
}

func toRawCookies(jar []*network.Cookie) []domain.RawCookie {
	out := make([]domain.RawCookie, 0, len(jar))
	for _, c := range jar {
		if c == nil {
			continue
		}
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		out = append(out, domain.RawCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
