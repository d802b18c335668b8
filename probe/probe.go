package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/will-x86/storagebridge"
	"github.com/will-x86/storagebridge/logger"
)

var ErrNotReady = errors.New("bridge page never became ready")

type Options struct {
	Logger logger.Logger
	// ShowBrowser runs Chrome with a visible window.
	ShowBrowser bool
	// ExecPath overrides Chrome discovery.
	ExecPath         string
	HandshakeTimeout time.Duration
}

// Report is what a real browser saw when it loaded the bridge page.
type Report struct {
	URL       string
	Ready     bool
	RoundTrip bool
	Keys      int
	Elapsed   time.Duration
}

// Prober loads bridge pages in headless Chrome and exercises the same
// handler the page exposes to framed tenants.
type Prober struct {
	logger           logger.Logger
	handshakeTimeout time.Duration
	allocCtx         context.Context
	cancel           context.CancelFunc
}

func New(ctx context.Context, opts Options) *Prober {
	if opts.Logger == nil {
		opts.Logger = logger.NewStdLogger()
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = bridge.HandshakeTimeout
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.ShowBrowser),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, allocOpts...)

	return &Prober{
		logger:           opts.Logger,
		handshakeTimeout: opts.HandshakeTimeout,
		allocCtx:         allocCtx,
		cancel:           cancel,
	}
}

// Check navigates to page and verifies the handshake flag and a full
// set/get/remove round trip against the page's localStorage.
func (p *Prober) Check(ctx context.Context, page *url.URL) (report Report, err error) {
	report.URL = page.String()
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	tabCtx, cancelTab := chromedp.NewContext(p.allocCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	p.logger.Info("Probing: %s", page)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(page.String())); err != nil {
		return report, fmt.Errorf("navigation failed: %w", err)
	}

	var ready bool
	err = chromedp.Run(tabCtx, chromedp.Poll("window.storageBridgeReady === true", &ready,
		chromedp.WithPollingTimeout(p.handshakeTimeout)))
	if err != nil {
		return report, fmt.Errorf("%w after %v: %v", ErrNotReady, p.handshakeTimeout, err)
	}
	report.Ready = ready

	key := "storagebridge-probe-" + uuid.NewString()[:8]
	value := uuid.NewString()

	if _, err := p.call(tabCtx, bridge.MethodSetItem, &key, &value); err != nil {
		return report, err
	}
	got, err := p.call(tabCtx, bridge.MethodGetItem, &key, nil)
	if err != nil {
		return report, err
	}
	if _, err := p.call(tabCtx, bridge.MethodRemoveItem, &key, nil); err != nil {
		return report, err
	}
	if !got.Found || got.Value != value {
		return report, fmt.Errorf("round trip returned %q, want %q", got.Value, value)
	}
	report.RoundTrip = true

	keys, err := p.call(tabCtx, bridge.MethodGetAllKeys, nil, nil)
	if err != nil {
		return report, err
	}
	report.Keys = len(keys.Keys)

	p.logger.Info("Bridge at %s is healthy (%d keys)", page, report.Keys)
	return report, nil
}

func (p *Prober) call(tabCtx context.Context, method bridge.Method, key, value *string) (bridge.Result, error) {
	req := bridge.NewRequest(method, key, value)
	req.RequestID = uuid.NewString()

	script, err := handleScript(req)
	if err != nil {
		return bridge.Result{}, err
	}

	var raw string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &raw)); err != nil {
		return bridge.Result{}, fmt.Errorf("%s: evaluate failed: %w", method, err)
	}

	msg, err := bridge.DecodeMessage([]byte(raw))
	if err != nil {
		return bridge.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	if msg.Kind != bridge.KindResponse || msg.Response.RequestID != req.RequestID {
		return bridge.Result{}, fmt.Errorf("%s: unexpected reply %s", method, raw)
	}
	if msg.Response.Error != nil {
		return bridge.Result{}, fmt.Errorf("%s: page reported %s", method, *msg.Response.Error)
	}
	return bridge.ResultFrom(method, msg.Response.Result, bridge.SourceBridge)
}

func handleScript(req bridge.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return "JSON.stringify(window.storageBridgeHandle(" + string(data) + "))", nil
}

// Close shuts down the browser.
func (p *Prober) Close() error {
	p.cancel()
	return nil
}

// Check runs a single probe with a browser started for it.
func Check(ctx context.Context, page *url.URL, opts Options) (Report, error) {
	p := New(ctx, opts)
	defer p.Close()
	return p.Check(ctx, page)
}
