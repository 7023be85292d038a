package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Config holds browser configuration for the rod driver.
type Config struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	// ScrollPause is the delay between scroll steps. Pacing, not evasion.
	ScrollPause time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Locale:         "en-US",
		ScrollPause:    time.Second,
	}
}

// Rod drives headless Chromium through the DevTools protocol. One shared
// browser process hosts all sessions; each session is its own incognito
// context.
type Rod struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRod creates the driver without launching a browser; the browser starts
// lazily on the first Open.
func NewRod(cfg Config, log *zap.Logger) *Rod {
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1920
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 1080
	}
	if cfg.ScrollPause == 0 {
		cfg.ScrollPause = time.Second
	}
	return &Rod{cfg: cfg, log: log}
}

func (d *Rod) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return d.browser, nil
		}
		d.log.Warn("stale browser connection, relaunching")
		_ = d.browser.Close()
		d.browser = nil
	}

	controlURL, err := launcher.New().Headless(d.cfg.Headless).Launch()
	if err != nil {
		return nil, NewError(Transient, "open", fmt.Errorf("launch chrome: %w", err))
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, NewError(Transient, "open", fmt.Errorf("connect to chrome: %w", err))
	}
	d.browser = browser
	return browser, nil
}

// Open creates a fresh incognito context with its own page.
func (d *Rod) Open(ctx context.Context) (Session, error) {
	openCtx, cancel := context.WithTimeout(ctx, OpenTimeout)
	defer cancel()

	browser, err := d.ensureBrowser(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, NewError(Transient, "open", fmt.Errorf("incognito context: %w", err))
	}

	page, err := incognito.Context(openCtx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, NewError(Transient, "open", fmt.Errorf("create page: %w", err))
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.ViewportWidth,
		Height:            d.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		d.log.Warn("failed to set viewport", zap.Error(err))
	}

	// Hide the automation marker before any document loads.
	if _, err := page.EvalOnNewDocument(
		`Object.defineProperty(navigator, 'webdriver', { get: () => undefined })`,
	); err != nil {
		d.log.Warn("failed to install init script", zap.Error(err))
	}

	return &rodSession{cfg: d.cfg, page: page}, nil
}

type rodSession struct {
	cfg Config

	mu     sync.Mutex
	page   *rod.Page
	closed bool
}

func (s *rodSession) Navigate(ctx context.Context, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, NavigateTimeout)
	defer cancel()

	p := s.page.Context(navCtx)
	if err := p.Navigate(target); err != nil {
		return classify("navigate", err)
	}
	if err := p.WaitLoad(); err != nil {
		return classify("navigate", err)
	}
	return nil
}

func (s *rodSession) WaitFor(ctx context.Context, selector string) error {
	waitCtx, cancel := context.WithTimeout(ctx, WaitTimeout)
	defer cancel()

	if _, err := s.page.Context(waitCtx).Element(selector); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The page rendered but never produced the selector: the layout
			// is not one we recognize.
			return NewError(Permanent, "wait_for", fmt.Errorf("selector %q not found", selector))
		}
		return classify("wait_for", err)
	}
	return nil
}

func (s *rodSession) FillQuery(ctx context.Context, text string) error {
	fillCtx, cancel := context.WithTimeout(ctx, WaitTimeout)
	defer cancel()

	p := s.page.Context(fillCtx)
	el, err := p.Element(`input#searchboxinput`)
	if err != nil {
		return NewError(Permanent, "fill_query", fmt.Errorf("search box not found: %w", err))
	}
	if err := el.Input(text); err != nil {
		return classify("fill_query", err)
	}
	if err := p.Keyboard.Press(input.Enter); err != nil {
		return classify("fill_query", err)
	}
	return nil
}

// ResultsSelector locates the scrollable result list on a Maps search page.
const ResultsSelector = `div[role="feed"]`

func (s *rodSession) ScrollResults(ctx context.Context, maxScrolls int) error {
	scrollCtx, cancel := context.WithTimeout(ctx, ScrollTimeout+time.Duration(maxScrolls)*s.cfg.ScrollPause)
	defer cancel()

	p := s.page.Context(scrollCtx)
	prev := -1
	for i := 0; i < maxScrolls; i++ {
		res, err := p.Evaluate(&rod.EvalOptions{
			JS: fmt.Sprintf(`
			() => {
				const feed = document.querySelector('%s');
				if (!feed) return -1;
				feed.scrollTop = feed.scrollHeight;
				return feed.scrollHeight;
			}
			`, ResultsSelector),
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil {
			return classify("scroll", err)
		}
		height := res.Value.Int()
		if height < 0 {
			return NewError(Permanent, "scroll", fmt.Errorf("result feed not found"))
		}
		if height == prev {
			return nil // list stopped growing
		}
		prev = height

		select {
		case <-ctx.Done():
			return NewError(Cancelled, "scroll", ctx.Err())
		case <-time.After(s.cfg.ScrollPause):
		}
	}
	return nil
}

func (s *rodSession) ParseResults(ctx context.Context, maxResults int) ([]PlaceRecord, error) {
	parseCtx, cancel := context.WithTimeout(ctx, ParseTimeout)
	defer cancel()

	res, err := s.page.Context(parseCtx).Evaluate(&rod.EvalOptions{
		JS: fmt.Sprintf(`
		() => {
			const feed = document.querySelector('%s');
			if (!feed) return null;
			const cards = Array.from(feed.querySelectorAll('a[href*="/maps/place/"]')).slice(0, %d);
			return cards.map(a => {
				const card = a.closest('div[jsaction]') || a.parentElement;
				const text = card ? card.innerText : '';
				const lines = text.split('\n').map(l => l.trim()).filter(Boolean);
				const ratingEl = card && card.querySelector('span[role="img"]');
				const ratingLabel = ratingEl ? (ratingEl.getAttribute('aria-label') || '') : '';
				const ratingMatch = ratingLabel.match(/([0-9][.,][0-9])/);
				const reviewMatch = ratingLabel.match(/([0-9][0-9.,]*)\s*(reviews|rese)/i);
				const phoneMatch = text.match(/(\+?[0-9][0-9\s().-]{7,}[0-9])/);
				const site = card && card.querySelector('a[href^="http"]:not([href*="google."])');
				return {
					name: a.getAttribute('aria-label') || (lines[0] || ''),
					address: (lines.find(l => /\d/.test(l) && l !== lines[0]) || ''),
					category: (lines[1] || ''),
					rating: ratingMatch ? ratingMatch[1].replace(',', '.') : '',
					review_count: reviewMatch ? reviewMatch[1].replace(/[.,]/g, '') : '',
					phone: phoneMatch ? phoneMatch[1] : '',
					website: site ? site.href : ''
				};
			}).filter(r => r.name);
		}
		`, ResultsSelector, maxResults),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, classify("parse", err)
	}
	if res.Value.Nil() {
		return nil, NewError(Permanent, "parse", fmt.Errorf("result feed not found"))
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, NewError(Permanent, "parse", fmt.Errorf("marshal results: %w", err))
	}

	var rows []struct {
		Name        string `json:"name"`
		Address     string `json:"address"`
		Category    string `json:"category"`
		Rating      string `json:"rating"`
		ReviewCount string `json:"review_count"`
		Phone       string `json:"phone"`
		Website     string `json:"website"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, NewError(Permanent, "parse", fmt.Errorf("decode results: %w", err))
	}

	records := make([]PlaceRecord, 0, len(rows))
	for _, r := range rows {
		rec := PlaceRecord{
			Name:     r.Name,
			Address:  r.Address,
			Category: r.Category,
			Phone:    r.Phone,
			Website:  r.Website,
		}
		if v, ok := parseFloat(r.Rating); ok {
			rec.Rating = &v
		}
		if v, ok := parseInt(r.ReviewCount); ok {
			rec.ReviewCount = &v
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *rodSession) CaptureImage(ctx context.Context) ([]byte, error) {
	capCtx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()

	png, err := s.page.Context(capCtx).Screenshot(false, nil)
	if err != nil {
		return nil, classify("capture", err)
	}
	return png, nil
}

func (s *rodSession) CurrentURL() string {
	info, err := s.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (s *rodSession) Alive() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	_, err := s.page.Timeout(2 * time.Second).Info()
	return err == nil
}

func (s *rodSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.page.Close(); err != nil {
		return NewError(Transient, "close", err)
	}
	return nil
}

// SearchURL builds the Google Maps search URL for an activity in a place.
func SearchURL(activity, location, locale string) string {
	query := strings.TrimSpace(activity + " in " + location)
	u := "https://www.google.com/maps/search/" + url.PathEscape(query)
	if locale != "" {
		u += "?hl=" + url.QueryEscape(locale)
	}
	return u
}

// classify maps raw rod/cdp errors onto the port taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(Cancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(Transient, op, err)
	default:
		msg := err.Error()
		if strings.Contains(msg, "not found") || strings.Contains(msg, "cannot find") {
			return NewError(Permanent, op, err)
		}
		return NewError(Transient, op, err)
	}
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}
