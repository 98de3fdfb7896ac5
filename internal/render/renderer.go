// Package render captures outage-schedule screenshots from the public
// schedule site. Every render owns a scoped headless browser: launch,
// drive, capture, tear down. Nothing browser-related outlives the call,
// which keeps failure isolation per render.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"poweron/internal/logging"
	"poweron/internal/poweron"
)

var (
	// ErrTimeout reports that the schedule fragment never appeared within
	// the wait budget.
	ErrTimeout = errors.New("render: schedule fragment did not appear")

	// ErrPageUnavailable reports a navigation or network failure before
	// the page could be driven.
	ErrPageUnavailable = errors.New("render: schedule page unavailable")

	// ErrFailed reports any other capture failure.
	ErrFailed = errors.New("render: capture failed")
)

// Site selectors and markers for the schedule page. The page is a React
// app; these are the stable hooks its markup exposes.
var (
	searchButtonNames  = []string{"Знайти", "Пошук", "Показати", "Отримати графік"}
	searchButtonFallbk = "Знай"
	queueCardSelector  = ".queue-card"
	scheduleMarkers    = []string{"Черга", "Вибрано:", "подача електроенергії", "Графік"}
	selectedMarker     = "Вибрано:"
	legendMarker       = "подача електроенергії"
	selectInputSel     = `input[id^="react-select-"]`
	selectInputAltSel  = `div[class*="control"] input`
	optionSelector     = `[class*="menu"] [class*="option"], [id*="-option-"]`
)

// Config controls the renderer.
type Config struct {
	SiteURL        string        `yaml:"site_url"`
	BrowserPath    string        `yaml:"browser_path"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	NavTimeout     time.Duration `yaml:"nav_timeout"`
	WaitBudget     time.Duration `yaml:"wait_budget"`
	CacheDir       string        `yaml:"cache_dir"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SiteURL:        poweron.DefaultSiteURL,
		ViewportWidth:  1400,
		ViewportHeight: 2200,
		NavTimeout:     60 * time.Second,
		WaitBudget:     10 * time.Second,
		CacheDir:       filepath.Join(os.TempDir(), "poweron-cache"),
		CacheTTL:       defaultCacheTTL,
	}
}

// Metrics is a point-in-time snapshot of renderer counters.
type Metrics struct {
	Attempts          int64  `json:"render_attempts"`
	Failures          int64  `json:"render_failures"`
	FullPageFallbacks int64  `json:"fullpage_fallbacks"`
	CacheHits         int64  `json:"cache_hits"`
	CacheMisses       int64  `json:"cache_misses"`
	LastDurationMs    int64  `json:"last_render_duration_ms"`
	LastError         string `json:"last_render_error"`
}

// Renderer produces schedule screenshots for resolved addresses.
type Renderer struct {
	cfg    Config
	cache  *fileCache
	flight singleflight.Group

	mu      sync.Mutex
	metrics Metrics
}

// New builds a renderer, creating the cache directory.
func New(cfg Config) (*Renderer, error) {
	def := DefaultConfig()
	if cfg.SiteURL == "" {
		cfg.SiteURL = def.SiteURL
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = def.ViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = def.ViewportHeight
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = def.NavTimeout
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = def.WaitBudget
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = def.CacheDir
	}

	cache, err := newFileCache(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("render: cache dir: %w", err)
	}
	return &Renderer{cfg: cfg, cache: cache}, nil
}

// Metrics returns a snapshot of the counters.
func (r *Renderer) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Render returns a PNG screenshot of the schedule fragment for addr.
// Concurrent renders of the same address collapse into a single browser
// flight; distinct addresses each get their own browser instance, so no
// two renders ever share a live page.
func (r *Renderer) Render(ctx context.Context, addr poweron.Address) ([]byte, error) {
	r.cache.maybeCleanup()

	key := addr.Key()
	if data, ok := r.cache.get(key); ok {
		r.count(func(m *Metrics) { m.CacheHits++ })
		logging.RenderDebug("cache hit key=%s", key)
		return data, nil
	}
	r.count(func(m *Metrics) { m.CacheMisses++ })

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent flight may have filled the cache while
		// this caller waited on the flight lock.
		if data, ok := r.cache.get(key); ok {
			return data, nil
		}
		return r.capture(ctx, addr)
	})
	if err != nil {
		return nil, err
	}

	data := v.([]byte)
	if err := r.cache.put(key, data); err != nil {
		logging.RenderError("cache write failed key=%s: %v", key, err)
	}
	return data, nil
}

func (r *Renderer) count(f func(*Metrics)) {
	r.mu.Lock()
	f(&r.metrics)
	r.mu.Unlock()
}

// capture performs one full scoped-browser render.
func (r *Renderer) capture(ctx context.Context, addr poweron.Address) (data []byte, err error) {
	renderID := uuid.NewString()[:8]
	started := time.Now()
	timer := logging.StartTimer(logging.CategoryRender, "capture "+renderID)
	defer timer.StopWithThreshold(30 * time.Second)

	r.count(func(m *Metrics) { m.Attempts++ })
	defer func() {
		elapsed := time.Since(started).Milliseconds()
		r.mu.Lock()
		r.metrics.LastDurationMs = elapsed
		if err != nil {
			r.metrics.Failures++
			r.metrics.LastError = err.Error()
		} else {
			r.metrics.LastError = ""
		}
		r.mu.Unlock()
	}()

	logging.Render("[%s] render start addr=%s", renderID, addr.Caption())

	browser, cleanup, err := r.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: launch: %v", ErrFailed, err)
	}
	defer cleanup()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("%w: open page: %v", ErrFailed, err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.ViewportWidth,
		Height:            r.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.RenderDebug("[%s] viewport override failed: %v", renderID, err)
	}

	if err := page.Timeout(r.cfg.NavTimeout).Navigate(r.cfg.SiteURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageUnavailable, err)
	}
	if err := page.Timeout(r.cfg.NavTimeout).WaitDOMStable(time.Second, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageUnavailable, err)
	}

	names := []string{addr.Settlement.SiteName(), addr.Street.SiteName(), addr.Building.SiteName()}
	for i, name := range names {
		if err := r.selectOption(page, i, name); err != nil {
			return nil, fmt.Errorf("%w: select input %d: %v", ErrFailed, i, err)
		}
	}

	if err := r.clickSearch(page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	if err := r.waitForSchedule(page); err != nil {
		return nil, err
	}

	data, err = r.screenshotFragment(page)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", ErrFailed, err)
	}

	logging.Render("[%s] render ok bytes=%d", renderID, len(data))
	return data, nil
}

// launch starts a scoped browser and returns a teardown that always runs.
func (r *Renderer) launch(ctx context.Context) (*rod.Browser, func(), error) {
	l := launcher.New().
		Headless(true).
		Set(flags.NoSandbox).
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")

	if bin := r.browserBinary(); bin != "" {
		l = l.Bin(bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, err
	}

	cleanup := func() {
		_ = browser.Close()
		l.Cleanup()
	}
	return browser, cleanup, nil
}

// browserBinary resolves the browser executable: explicit config, then
// well-known system binaries. Empty means rod's managed browser.
func (r *Renderer) browserBinary() string {
	if r.cfg.BrowserPath != "" {
		return r.cfg.BrowserPath
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// selectOption fills the idx-th combobox with the desired text and picks the
// matching dropdown option. The building input also accepts free text with
// Enter when no dropdown appears.
func (r *Renderer) selectOption(page *rod.Page, idx int, desired string) error {
	box, err := r.nthInput(page, idx)
	if err != nil {
		return err
	}

	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if err := box.SelectAllText(); err == nil {
		_ = box.Input("")
	}
	if err := box.Input(desired); err != nil {
		return err
	}

	if _, err := page.Timeout(12 * time.Second).Element(optionSelector); err != nil {
		// No dropdown; the building field accepts the raw value.
		_ = box.Type(input.Enter)
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	options, err := page.Elements(optionSelector)
	if err != nil || len(options) == 0 {
		return fmt.Errorf("options vanished for %q", desired)
	}

	want := normalizeOption(desired)
	limit := len(options)
	if limit > 30 {
		limit = 30
	}
	for i := 0; i < limit; i++ {
		text, err := options[i].Text()
		if err != nil {
			continue
		}
		if normalizeOption(text) == want {
			return options[i].Click(proto.InputMouseButtonLeft, 1)
		}
	}
	return options[0].Click(proto.InputMouseButtonLeft, 1)
}

func (r *Renderer) nthInput(page *rod.Page, idx int) (*rod.Element, error) {
	for _, sel := range []string{selectInputSel, selectInputAltSel} {
		els, err := page.Elements(sel)
		if err == nil && len(els) > idx {
			return els[idx], nil
		}
	}
	return nil, fmt.Errorf("no combobox input at index %d", idx)
}

func normalizeOption(s string) string {
	return strings.TrimSpace(strings.ToLower(strings.ReplaceAll(s, "вул. ", "")))
}

// clickSearch presses the schedule search button, trying the known button
// names, then a prefix fallback.
func (r *Renderer) clickSearch(page *rod.Page) error {
	buttons, err := page.Elements("button")
	if err != nil {
		return fmt.Errorf("list buttons: %v", err)
	}
	var fallback *rod.Element
	for _, b := range buttons {
		text, err := b.Text()
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		for _, name := range searchButtonNames {
			if text == name {
				return b.Click(proto.InputMouseButtonLeft, 1)
			}
		}
		if fallback == nil && strings.Contains(text, searchButtonFallbk) {
			fallback = b
		}
	}
	if fallback != nil {
		return fallback.Click(proto.InputMouseButtonLeft, 1)
	}
	return errors.New("search button not found")
}

// waitForSchedule blocks until the schedule fragment is present, first by
// the queue-card selector, then by marker texts. Exceeding the wait budget
// yields ErrTimeout after the scoped browser is torn down by the caller.
func (r *Renderer) waitForSchedule(page *rod.Page) error {
	if _, err := page.Timeout(r.cfg.WaitBudget).Element(queueCardSelector); err == nil {
		return nil
	}
	for _, marker := range scheduleMarkers {
		if _, err := page.Timeout(4 * time.Second).ElementR("*", regexp.QuoteMeta(marker)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %v", ErrTimeout, r.cfg.WaitBudget)
}

// screenshotFragment captures the schedule area, clipped around the queue
// cards plus the selection line and legend. Falls back to full page when
// the boxes cannot be measured.
func (r *Renderer) screenshotFragment(page *rod.Page) ([]byte, error) {
	cards, err := page.Elements(queueCardSelector)
	if err == nil && len(cards) > 0 {
		first := elementBox(cards[0])
		last := elementBox(cards[len(cards)-1])
		if first != nil && last != nil {
			selected := markerBox(page, selectedMarker)
			legend := markerBox(page, legendMarker)
			clip := computeClip(first, last, selected, legend, float64(r.cfg.ViewportWidth))
			return page.Screenshot(false, &proto.PageCaptureScreenshot{
				Format: proto.PageCaptureScreenshotFormatPng,
				Clip:   &clip,
			})
		}
	}

	r.count(func(m *Metrics) { m.FullPageFallbacks++ })
	logging.RenderDebug("fragment boxes unavailable, full page fallback")
	return page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func elementBox(el *rod.Element) *proto.DOMRect {
	shape, err := el.Shape()
	if err != nil {
		return nil
	}
	return shape.Box()
}

func markerBox(page *rod.Page, marker string) *proto.DOMRect {
	el, err := page.Timeout(2 * time.Second).ElementR("*", regexp.QuoteMeta(marker))
	if err != nil {
		return nil
	}
	return elementBox(el)
}

// computeClip builds the capture viewport from the fragment's bounding
// boxes: padded above the first card (or the selection line when it sits
// higher), padded below the last card (or the legend when it sits lower).
func computeClip(first, last, selected, legend *proto.DOMRect, viewportWidth float64) proto.PageViewport {
	top := first.Y - 120
	if selected != nil && selected.Y-20 < top {
		top = selected.Y - 20
	}
	if top < 0 {
		top = 0
	}

	bottom := last.Y + last.Height + 40
	if legend != nil && legend.Y+legend.Height+40 > bottom {
		bottom = legend.Y + legend.Height + 40
	}

	width := viewportWidth - 80
	if width < 300 {
		width = 300
	}
	height := bottom - top
	if height < 220 {
		height = 220
	}

	return proto.PageViewport{X: 40, Y: top, Width: width, Height: height, Scale: 1}
}
