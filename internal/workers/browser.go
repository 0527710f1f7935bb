package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deepresearch/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodFetcher renders pages in a headless Chrome so script-built content is
// visible to extraction. The browser is launched on first use.
type RodFetcher struct {
	BinPath string

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   bool
}

// NewRodFetcher creates a lazy headless browser fetcher. An empty binPath
// lets the launcher locate or download a browser.
func NewRodFetcher(binPath string) *RodFetcher {
	return &RodFetcher{BinPath: binPath}
}

func (f *RodFetcher) ensureStarted() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errors.New("browser fetcher closed")
	}
	if f.browser != nil {
		return f.browser, nil
	}

	l := launcher.New().Headless(true)
	if f.BinPath != "" {
		l = l.Bin(f.BinPath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	f.browser = browser
	f.launcher = l
	logging.Workers("headless browser started")
	return browser, nil
}

// Fetch implements PageFetcher.
func (f *RodFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	browser, err := f.ensureStarted()
	if err != nil {
		return "", err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return "", fmt.Errorf("incognito context: %w", err)
	}
	defer func() { _ = incognito.Close() }()

	page, err := incognito.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	page = page.Context(ctx)

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Close shuts the browser down.
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	if f.launcher != nil {
		f.launcher.Kill()
	}
	f.browser = nil
	f.launcher = nil
	return err
}
