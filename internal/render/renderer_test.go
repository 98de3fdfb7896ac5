package render

import (
	"os"
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func rect(y, h float64) *proto.DOMRect {
	return &proto.DOMRect{X: 100, Y: y, Width: 600, Height: h}
}

func TestComputeClipCardsOnly(t *testing.T) {
	clip := computeClip(rect(300, 200), rect(900, 200), nil, nil, 1400)

	if clip.X != 40 {
		t.Fatalf("x = %v, want 40", clip.X)
	}
	if clip.Y != 180 { // first card top minus padding
		t.Fatalf("y = %v, want 180", clip.Y)
	}
	if clip.Width != 1320 {
		t.Fatalf("width = %v, want 1320", clip.Width)
	}
	if clip.Height != 960 { // last card bottom plus padding, minus top
		t.Fatalf("height = %v, want 960", clip.Height)
	}
}

func TestComputeClipExtendsToSelectionAndLegend(t *testing.T) {
	first := rect(300, 200)
	last := rect(900, 200)
	selected := rect(100, 30)
	legend := rect(1200, 50)

	clip := computeClip(first, last, selected, legend, 1400)

	if clip.Y != 80 { // selection line sits above the first card
		t.Fatalf("y = %v, want 80", clip.Y)
	}
	wantBottom := 1200.0 + 50 + 40
	if got := clip.Y + clip.Height; got != wantBottom {
		t.Fatalf("bottom = %v, want %v", got, wantBottom)
	}
}

func TestComputeClipIgnoresMarkersInsideCardRange(t *testing.T) {
	first := rect(300, 200)
	last := rect(900, 200)
	selected := rect(400, 30) // below the padded card top
	legend := rect(950, 30)   // above the padded card bottom

	clip := computeClip(first, last, selected, legend, 1400)

	if clip.Y != 180 {
		t.Fatalf("y = %v, want 180", clip.Y)
	}
	if got := clip.Y + clip.Height; got != 1140 {
		t.Fatalf("bottom = %v, want 1140", got)
	}
}

func TestComputeClipClampsAndFloors(t *testing.T) {
	// Card near the page top: clip must not go negative.
	clip := computeClip(rect(50, 40), rect(50, 40), nil, nil, 320)
	if clip.Y != 0 {
		t.Fatalf("y = %v, want 0", clip.Y)
	}
	if clip.Width != 300 {
		t.Fatalf("width = %v, want floor 300", clip.Width)
	}
	if clip.Height != 220 {
		t.Fatalf("height = %v, want floor 220", clip.Height)
	}
}

func TestNormalizeOption(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Київ", "київ"},
		{"  вул. Хрещатик ", "хрещатик"},
		{"ХРЕЩАТИК", "хрещатик"},
	}
	for _, tc := range cases {
		if got := normalizeOption(tc.in); got != tc.want {
			t.Errorf("normalizeOption(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBrowserBinaryUsesConfigOnly(t *testing.T) {
	r := &Renderer{cfg: Config{BrowserPath: "/opt/bin/chromium"}}
	if got := r.browserBinary(); got != "/opt/bin/chromium" {
		t.Fatalf("got %q, want configured path", got)
	}

	// The env override lives in the config layer; the renderer must not
	// read it on its own.
	r.cfg.BrowserPath = ""
	t.Setenv("POWERON_BROWSER_PATH", "/env/chromium")
	if got := r.browserBinary(); got == "/env/chromium" {
		t.Fatal("renderer consulted the env var directly")
	}
}

func TestNewFillsDefaults(t *testing.T) {
	dir := t.TempDir() + "/cache"
	r, err := New(Config{CacheDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if r.cfg.ViewportWidth != 1400 || r.cfg.ViewportHeight != 2200 {
		t.Fatalf("viewport defaults not applied: %dx%d", r.cfg.ViewportWidth, r.cfg.ViewportHeight)
	}
	if r.cfg.SiteURL == "" || r.cfg.NavTimeout <= 0 || r.cfg.WaitBudget <= 0 {
		t.Fatal("timing or URL defaults not applied")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("cache dir not created: %v", err)
	}
}
