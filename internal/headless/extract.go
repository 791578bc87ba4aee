// Package headless runs a single extraction in a fresh browser tab driven by
// chromedp.
package headless

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/pagecopy/internal/cdpcontrol"
	"github.com/dgnsrekt/pagecopy/internal/target"
)

// Options selects the browser and bounds the run.
type Options struct {
	// CDPURL attaches to an already running browser. Empty starts a new
	// headless one.
	CDPURL  string
	Timeout time.Duration
	// WaitSelector must be visible before extraction. Defaults to "body".
	WaitSelector string
}

// Result is what one locator produced on the loaded page.
type Result struct {
	Locator target.Locator
	Found   bool
	Text    string
}

// Session is a browser tab that stays open across several extractions.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Open starts (or attaches to) a browser, loads pageURL and waits for the
// document to be ready.
func Open(ctx context.Context, pageURL string, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.WaitSelector == "" {
		opts.WaitSelector = "body"
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.CDPURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.CDPURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", true))
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	runCtx, runCancel := context.WithTimeout(tabCtx, opts.Timeout)

	s := &Session{
		ctx: runCtx,
		cancel: func() {
			runCancel()
			tabCancel()
			allocCancel()
		},
	}

	slog.Info("headless navigate", "url", pageURL, "remote", opts.CDPURL != "")
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(opts.WaitSelector, chromedp.ByQuery),
	); err != nil {
		s.Close()
		return nil, fmt.Errorf("load %s: %w", pageURL, err)
	}
	return s, nil
}

// Extract resolves loc in the loaded document and reads its rendered text.
func (s *Session) Extract(loc target.Locator) (Result, error) {
	if err := loc.Validate(); err != nil {
		return Result{}, err
	}
	var raw string
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(cdpcontrol.ExtractScript(loc), &raw)); err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", loc, err)
	}
	ext, err := cdpcontrol.DecodeExtraction(raw)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", loc, err)
	}
	return Result{Locator: loc, Found: ext.Found, Text: ext.Text}, nil
}

// Close releases the tab and the browser allocator.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
