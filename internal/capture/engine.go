// Package capture produces screenshots through a headless browser and
// bounds how many captures run at once.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// FailureKind classifies why a capture failed.
type FailureKind string

const (
	FailureTimeout FailureKind = "timeout"
	FailureNetwork FailureKind = "network"
	FailureEngine  FailureKind = "engine"
)

// Error wraps an engine failure with its classification. The underlying
// diagnostic stays attached for logging.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Engine is the screenshot collaborator: give it a URL and a viewport, get
// image bytes or a classified failure.
type Engine interface {
	Capture(ctx context.Context, url string, width, height int, timeout time.Duration) ([]byte, error)
}

// EngineConfig tunes the browser engine.
type EngineConfig struct {
	Quality    int
	BlockFonts bool
	BlockMedia bool
	Debug      bool
}

// Resource types that never contribute to a static screenshot.
var blockedExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".mp3": {}, ".wav": {}, ".ogg": {},
	".ico": {}, ".webmanifest": {},
}

// Analytics and tracker hosts aborted during page load; they only slow the
// capture down.
var trackerDomains = []string{
	"google-analytics.com", "googletagmanager.com", "hotjar.com",
	"mixpanel.com", "segment.io", "sentry.io",
	"doubleclick.net", "googlesyndication.com", "adservice.google.com",
	"connect.facebook.net", "bat.bing.com",
	"intercom.io", "crisp.chat", "drift.com",
}

// BrowserEngine drives a shared headless Chromium over CDP.
type BrowserEngine struct {
	browser *rod.Browser
	config  EngineConfig
	logger  *slog.Logger
}

// NewBrowserEngine locates a browser binary, launches it headless, and
// connects.
func NewBrowserEngine(config EngineConfig, logger *slog.Logger) (*BrowserEngine, error) {
	path, found := launcher.LookPath()
	if !found {
		return nil, errors.New("browser not found")
	}

	url := launcher.New().
		Bin(path).
		Headless(true).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-default-apps").
		Set("no-first-run").
		Set("hide-scrollbars").
		Set("mute-audio").
		MustLaunch()

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	return &BrowserEngine{browser: browser, config: config, logger: logger}, nil
}

// Close shuts the browser down.
func (e *BrowserEngine) Close() error {
	return e.browser.Close()
}

// Capture renders url at the given viewport and returns webp bytes. Failures
// come back as *Error with the kind already classified.
func (e *BrowserEngine) Capture(_ context.Context, url string, width, height int, timeout time.Duration) ([]byte, error) {
	page, err := e.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, classify(fmt.Errorf("creating page: %w", err))
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
	}); err != nil {
		return nil, classify(fmt.Errorf("setting viewport: %w", err))
	}

	router := page.HijackRequests()
	router.MustAdd("*", e.hijackHandler())
	go router.Run()
	defer router.MustStop()

	if err := page.Timeout(timeout).Navigate(url); err != nil {
		return nil, classify(fmt.Errorf("navigating: %w", err))
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, classify(fmt.Errorf("waiting for load: %w", err))
	}

	quality := e.config.Quality
	screenshot, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:           proto.PageCaptureScreenshotFormatWebp,
		Quality:          &quality,
		OptimizeForSpeed: true,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("capturing screenshot: %w", err))
	}

	return screenshot, nil
}

func (e *BrowserEngine) hijackHandler() func(*rod.Hijack) {
	return func(h *rod.Hijack) {
		reqURL := h.Request.URL().String()
		reqType := h.Request.Type()

		if e.shouldBlock(reqURL, reqType) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}

		if e.config.Debug {
			e.logger.Debug("fetching", slog.String("type", string(reqType)), slog.String("url", reqURL))
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
}

func (e *BrowserEngine) shouldBlock(reqURL string, reqType proto.NetworkResourceType) bool {
	if e.config.BlockFonts && reqType == proto.NetworkResourceTypeFont {
		return true
	}

	if e.config.BlockMedia {
		if reqType == proto.NetworkResourceTypeMedia || reqType == proto.NetworkResourceTypeWebSocket {
			return true
		}
		if idx := strings.LastIndexByte(reqURL, '.'); idx != -1 {
			if _, blocked := blockedExtensions[reqURL[idx:]]; blocked {
				return true
			}
		}
	}

	switch reqType {
	case proto.NetworkResourceTypeXHR,
		proto.NetworkResourceTypeFetch,
		proto.NetworkResourceTypePing,
		proto.NetworkResourceTypePrefetch,
		proto.NetworkResourceTypeEventSource,
		proto.NetworkResourceTypeManifest:
		return true
	}

	if reqType != proto.NetworkResourceTypeStylesheet && reqType != proto.NetworkResourceTypeDocument {
		host := hostOf(reqURL)
		for _, d := range trackerDomains {
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
		}
	}

	return false
}

func hostOf(rawURL string) string {
	u := rawURL
	if idx := strings.Index(u, "://"); idx != -1 {
		u = u[idx+3:]
	}
	if idx := strings.IndexByte(u, '/'); idx != -1 {
		u = u[:idx]
	}
	if idx := strings.IndexByte(u, ':'); idx != -1 {
		u = u[:idx]
	}
	return strings.ToLower(u)
}

// classify maps a raw engine error to the failure taxonomy. CDP surfaces
// unreachable targets as net:: error codes in the message; rod surfaces
// deadline overruns as context.DeadlineExceeded or "timeout" text.
func classify(err error) *Error {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
		return &Error{Kind: FailureTimeout, Err: err}
	case strings.Contains(msg, "net::ERR"), strings.Contains(msg, "DNS"), strings.Contains(msg, "certificate"):
		return &Error{Kind: FailureNetwork, Err: err}
	default:
		return &Error{Kind: FailureEngine, Err: err}
	}
}
