package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// chromeDriver talks CDP through chromedp. All state clearing runs against
// the instance's browser context, so it applies to every tab the instance
// might have opened.
type chromeDriver struct{}

func (d *chromeDriver) clear(ctx context.Context, inst *instance, origin string) error {
	actions := []chromedp.Action{
		network.ClearBrowserCookies(),
		network.ClearBrowserCache(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := storage.ClearDataForOrigin(origin, "all").Do(ctx); err != nil {
				return fmt.Errorf("clear origin storage: %w", err)
			}
			return nil
		}),
	}
	runCtx := inst.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp clear: %w", err)
	}
	return nil
}

func (d *chromeDriver) render(ctx context.Context, inst *instance, rawURL string) (Page, error) {
	runCtx := inst.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return Page{}, fmt.Errorf("chromedp run: %w", err)
	}
	return Page{URL: rawURL, FinalURL: finalURL, HTML: html}, nil
}

func (d *chromeDriver) close(inst *instance) {
	inst.cancel()
}
