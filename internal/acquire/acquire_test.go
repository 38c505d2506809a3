package acquire

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvmarrod/image-weaver/internal/resilience"
	"github.com/alvmarrod/image-weaver/internal/search"
)

func patternImage(w, h, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*7 + seed) % 256),
				G: uint8((y*13 + seed*3) % 256),
				B: uint8((x*y + seed) % 256),
				A: 255,
			})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 240, G: 240, B: 240, A: 255})
		}
	}
	return img
}

// imageHost serves fixed bodies by path for any host name. Requests to any
// URL are dialed to the test server.
type imageHost struct {
	srv    *httptest.Server
	mu     sync.Mutex
	bodies map[string][]byte
	status map[string][]int // per-path status sequence, consumed front to back
	hits   map[string]int
}

func newImageHost(t *testing.T) *imageHost {
	h := &imageHost{
		bodies: make(map[string][]byte),
		status: make(map[string][]int),
		hits:   make(map[string]int),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.hits[r.Host+r.URL.Path]++
		body, ok := h.bodies[r.URL.Path]
		var code int
		if seq := h.status[r.URL.Path]; len(seq) > 0 {
			code = seq[0]
			h.status[r.URL.Path] = seq[1:]
		}
		h.mu.Unlock()

		if code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *imageHost) serve(path string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies[path] = body
}

func (h *imageHost) failFirst(path string, codes ...int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[path] = codes
}

func (h *imageHost) hitCount(hostPath string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[hostPath]
}

func (h *imageHost) client() *http.Client {
	addr := h.srv.Listener.Addr().String()
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
}

func testOptions() Options {
	return Options{
		MinBytes:       100,
		MaxBytes:       5 * 1024 * 1024,
		MinWidth:       100,
		MinHeight:      100,
		MinAspect:      0.33,
		MaxAspect:      3,
		MinStdDev:      10,
		MinColors:      16,
		Retry:          resilience.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond},
		FetchTimeout:   5 * time.Second,
		TrustedDomains: []string{"trustedshop.com"},
		PenaltyTerms:   []string{"thumb", "icon"},
		JPEGQuality:    90,
	}
}

func scenarioCandidates() (b, a, c search.Candidate) {
	b = search.Candidate{URL: "http://images.trustedshop.com/p/b.jpg", Source: "primary", Width: 1200, Height: 800}
	a = search.Candidate{URL: "http://random-site.net/a.jpg", Source: "primary", Width: 800, Height: 600}
	c = search.Candidate{URL: "http://cdn.other.org/thumb/c.jpg", Source: "secondary", Width: 150, Height: 150}
	return
}

func TestRank_RedNikeShoesScenario(t *testing.T) {
	p := NewPipeline(testOptions(), nil, nil)
	p.opts.MinWidth, p.opts.MinHeight = 300, 300
	b, a, c := scenarioCandidates()

	ranked := p.Rank([]search.Candidate{a, c, b})
	if len(ranked) != 3 {
		t.Fatalf("got %d ranked", len(ranked))
	}
	if ranked[0].URL != b.URL || ranked[1].URL != a.URL || ranked[2].URL != c.URL {
		t.Fatalf("expected [B A C], got %v", []string{ranked[0].URL, ranked[1].URL, ranked[2].URL})
	}
}

func TestRank_StableOnTiesAndExcludes(t *testing.T) {
	p := NewPipeline(testOptions(), nil, nil)
	in := []search.Candidate{
		{URL: "http://one.example.com/1.jpg"},
		{URL: "http://ads.example.com/2.jpg"},
		{URL: "http://two.example.com/3.jpg"},
		{URL: "/relative/4.jpg"},
		{URL: "http://three.example.com/5.jpg"},
	}
	ranked := p.Rank(in)
	want := []string{in[0].URL, in[2].URL, in[4].URL}
	if len(ranked) != len(want) {
		t.Fatalf("got %d ranked: %+v", len(ranked), ranked)
	}
	for i := range want {
		if ranked[i].URL != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ranked[i].URL, want[i])
		}
	}
}

func TestScore_SourceTrustAndFormat(t *testing.T) {
	opts := testOptions()
	opts.SourceTrust = map[string]float64{"curated": 1.5}
	p := NewPipeline(opts, nil, nil)

	base := p.Score(search.Candidate{URL: "http://x.com/a.jpg", Source: "other"})
	trusted := p.Score(search.Candidate{URL: "http://x.com/a.jpg", Source: "curated"})
	if trusted-base != 1.5 {
		t.Errorf("source trust bonus: %v", trusted-base)
	}
	if p.Score(search.Candidate{URL: "http://x.com/a.svg"}) >= base {
		t.Error("svg should rank below jpg")
	}
}

func TestAcquireBest_RedNikeShoesScenario(t *testing.T) {
	host := newImageHost(t)
	host.serve("/p/b.jpg", encodeJPEG(t, patternImage(300, 200, 1)))
	host.serve("/a.jpg", encodeJPEG(t, patternImage(300, 200, 2)))
	host.serve("/thumb/c.jpg", encodeJPEG(t, patternImage(150, 150, 3)))

	p := NewPipeline(testOptions(), host.client(), nil)
	b, a, c := scenarioCandidates()
	dest := t.TempDir()

	asset, err := p.AcquireBest(context.Background(), []search.Candidate{a, c, b}, dest, "red nike shoes", 0)
	if err != nil {
		t.Fatalf("AcquireBest: %v", err)
	}
	if asset.SourceURL != b.URL || asset.SourceName != "primary" {
		t.Fatalf("expected B, got %+v", asset)
	}
	if asset.Width != 300 || asset.Height != 200 {
		t.Errorf("dimensions: %dx%d", asset.Width, asset.Height)
	}
	if filepath.Ext(asset.LocalPath) != ".jpg" || filepath.Dir(asset.LocalPath) != dest {
		t.Errorf("unexpected path %s", asset.LocalPath)
	}
	info, err := os.Stat(asset.LocalPath)
	if err != nil {
		t.Fatalf("asset not on disk: %v", err)
	}
	if info.Size() != asset.ByteSize {
		t.Errorf("byte size %d, file %d", asset.ByteSize, info.Size())
	}
	if host.hitCount("random-site.net/a.jpg") != 0 {
		t.Error("lower-ranked candidate fetched after B was accepted")
	}
	if !p.Hashes().Contains(asset.ContentHash) {
		t.Error("hash not claimed")
	}
}

func TestAcquireBest_ExhaustionReportsReasons(t *testing.T) {
	host := newImageHost(t)
	host.serve("/solid.jpg", encodeJPEG(t, solidImage(300, 300)))
	host.serve("/tiny.jpg", encodeJPEG(t, patternImage(60, 60, 4)))
	host.serve("/wide.jpg", encodeJPEG(t, patternImage(400, 100, 5)))
	host.serve("/junk.jpg", bytes.Repeat([]byte("not an image "), 20))

	p := NewPipeline(testOptions(), host.client(), nil)
	cands := []search.Candidate{
		{URL: "http://h.com/missing.jpg"},
		{URL: "http://h.com/solid.jpg"},
		{URL: "http://h.com/tiny.jpg"},
		{URL: "http://h.com/wide.jpg"},
		{URL: "http://h.com/junk.jpg"},
	}

	asset, err := p.AcquireBest(context.Background(), cands, t.TempDir(), "lamp", 0)
	if asset != nil {
		t.Fatalf("expected no asset, got %+v", asset)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	want := map[string]int{ReasonFetch: 1, ReasonNoContent: 1, ReasonDimensions: 1, ReasonAspect: 1, ReasonDecode: 1}
	for reason, n := range want {
		if ex.Rejections[reason] != n {
			t.Errorf("%s: got %d, want %d (all: %v)", reason, ex.Rejections[reason], n, ex.Rejections)
		}
	}
	// 404 is permanent: exactly one request.
	if hits := host.hitCount("h.com/missing.jpg"); hits != 1 {
		t.Errorf("404 retried: %d requests", hits)
	}
}

func TestAcquireBest_NoCandidates(t *testing.T) {
	p := NewPipeline(testOptions(), nil, nil)
	_, err := p.AcquireBest(context.Background(), nil, t.TempDir(), "q", 0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAcquireBest_RetriesTransientErrors(t *testing.T) {
	host := newImageHost(t)
	host.serve("/img.jpg", encodeJPEG(t, patternImage(200, 200, 6)))
	host.failFirst("/img.jpg", http.StatusServiceUnavailable, http.StatusTooManyRequests)

	p := NewPipeline(testOptions(), host.client(), nil)
	asset, err := p.AcquireBest(context.Background(), []search.Candidate{{URL: "http://flaky.com/img.jpg"}}, t.TempDir(), "q", 0)
	if err != nil {
		t.Fatalf("AcquireBest: %v", err)
	}
	if asset == nil || host.hitCount("flaky.com/img.jpg") != 3 {
		t.Fatalf("expected success on third attempt, hits=%d", host.hitCount("flaky.com/img.jpg"))
	}
}

func TestAcquireBest_TooLarge(t *testing.T) {
	host := newImageHost(t)
	host.serve("/big.jpg", encodeJPEG(t, patternImage(200, 200, 7)))

	opts := testOptions()
	opts.MaxBytes = 512
	p := NewPipeline(opts, host.client(), nil)

	_, err := p.AcquireBest(context.Background(), []search.Candidate{{URL: "http://h.com/big.jpg"}}, t.TempDir(), "q", 0)
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Rejections[ReasonTooLarge] != 1 {
		t.Fatalf("expected too_large rejection, got %v", err)
	}
}

func TestAcquireBest_DedupAcrossRecords(t *testing.T) {
	host := newImageHost(t)
	same := encodeJPEG(t, patternImage(200, 200, 8))
	host.serve("/one.jpg", same)
	host.serve("/two.jpg", same)

	p := NewPipeline(testOptions(), host.client(), nil)
	cands := []search.Candidate{{URL: "http://a.com/one.jpg"}, {URL: "http://b.com/two.jpg"}}
	dest := t.TempDir()

	first, err := p.AcquireBest(context.Background(), cands, dest, "first record", 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	_, err = p.AcquireBest(context.Background(), cands, dest, "second record", 0)
	var ex *ExhaustedError
	if !errors.As(err, &ex) || ex.Rejections[ReasonDuplicate] != 2 {
		t.Fatalf("expected both duplicates rejected, got %v", err)
	}
	if first.ContentHash == "" || p.Hashes().Len() != 1 {
		t.Fatalf("unexpected hash set size %d", p.Hashes().Len())
	}
}

func TestAcquireBest_ConcurrentDedup(t *testing.T) {
	host := newImageHost(t)
	host.serve("/shared.jpg", encodeJPEG(t, patternImage(200, 200, 9)))

	p := NewPipeline(testOptions(), host.client(), nil)
	dest := t.TempDir()
	cands := []search.Candidate{{URL: "http://a.com/shared.jpg"}}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset, err := p.AcquireBest(context.Background(), cands, dest, "record "+string(rune('a'+i)), 0)
			if err == nil && asset != nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("byte-identical image accepted %d times", wins.Load())
	}
}

func TestAcquireBest_SkipAndRelease(t *testing.T) {
	host := newImageHost(t)
	host.serve("/1.jpg", encodeJPEG(t, patternImage(200, 200, 10)))
	host.serve("/2.jpg", encodeJPEG(t, patternImage(200, 200, 11)))

	p := NewPipeline(testOptions(), host.client(), nil)
	cands := []search.Candidate{{URL: "http://h.com/1.jpg"}, {URL: "http://h.com/2.jpg"}}
	dest := t.TempDir()

	best, err := p.AcquireBest(context.Background(), cands, dest, "q", 0)
	if err != nil || best.SourceURL != cands[0].URL {
		t.Fatalf("best: %+v, %v", best, err)
	}

	p.Release(best)
	if _, err := os.Stat(best.LocalPath); !os.IsNotExist(err) {
		t.Fatalf("released file still present: %v", err)
	}
	if p.Hashes().Contains(best.ContentHash) {
		t.Fatal("released hash still claimed")
	}

	next, err := p.AcquireBest(context.Background(), cands, dest, "q", 1)
	if err != nil {
		t.Fatalf("skip=1: %v", err)
	}
	if next.SourceURL != cands[1].URL {
		t.Fatalf("skip=1 returned %s", next.SourceURL)
	}
	if p.Hashes().Contains(best.ContentHash) {
		t.Fatal("skipped candidate must not be claimed")
	}

	if _, err := p.AcquireBest(context.Background(), cands, dest, "q", 2); !errors.Is(err, ErrExhausted) {
		t.Fatalf("skip beyond valid candidates: %v", err)
	}
}

func TestAcquireBest_TransparentSavedAsPNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: uint8(128 + x%128)})
		}
	}
	host := newImageHost(t)
	host.serve("/alpha.png", encodePNG(t, img))

	p := NewPipeline(testOptions(), host.client(), nil)
	asset, err := p.AcquireBest(context.Background(), []search.Candidate{{URL: "http://h.com/alpha.png"}}, t.TempDir(), "glass vase", 0)
	if err != nil {
		t.Fatalf("AcquireBest: %v", err)
	}
	if filepath.Ext(asset.LocalPath) != ".png" {
		t.Fatalf("transparent image saved as %s", asset.LocalPath)
	}
}

func TestContentStats(t *testing.T) {
	sd, colors := contentStats(solidImage(50, 50))
	if sd != 0 || colors != 1 {
		t.Errorf("solid: stddev %v colors %d", sd, colors)
	}
	sd, colors = contentStats(patternImage(200, 200, 1))
	if sd < 10 || colors < 16 {
		t.Errorf("pattern: stddev %v colors %d", sd, colors)
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct{ in, want string }{
		{"images.shop.example.co.uk", "example.co.uk"},
		{"cdn.trustedshop.com", "trustedshop.com"},
		{"127.0.0.1", "127.0.0.1"},
	}
	for _, tc := range tests {
		if got := RegistrableDomain(tc.in); got != tc.want {
			t.Errorf("RegistrableDomain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if !matchesDomain("m.media.trustedshop.com", "trustedshop.com") {
		t.Error("subdomain should match")
	}
	if matchesDomain("trustedshop.com.evil.net", "trustedshop.com") {
		t.Error("suffix trick should not match")
	}
}

func TestRank_MaxPerDomainDemotesSurplus(t *testing.T) {
	opts := testOptions()
	opts.MaxPerDomain = 2
	p := NewPipeline(opts, nil, nil)

	in := []search.Candidate{
		{URL: "http://img1.bigcdn.com/a.jpg"},
		{URL: "http://img2.bigcdn.com/b.jpg"},
		{URL: "http://bigcdn.com/c.jpg"},
		{URL: "http://shop.example.org/d.jpg"},
	}
	ranked := p.Rank(in)
	want := []string{in[0].URL, in[1].URL, in[3].URL, in[2].URL}
	if len(ranked) != len(want) {
		t.Fatalf("got %d ranked", len(ranked))
	}
	for i := range want {
		if ranked[i].URL != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ranked[i].URL, want[i])
		}
	}
}

func TestDomainLimiter(t *testing.T) {
	dl := NewDomainLimiter(1)
	if !dl.Add("a.shop.com") {
		t.Fatal("first add rejected")
	}
	if dl.CanAdd("b.shop.com") || dl.Add("b.shop.com") {
		t.Error("second host of the same domain accepted")
	}
	if !dl.Add("other.com") {
		t.Error("other domain rejected")
	}
	if dl.counts["shop.com"] != 1 {
		t.Errorf("count = %d", dl.counts["shop.com"])
	}

	unlimited := NewDomainLimiter(0)
	for i := 0; i < 5; i++ {
		if !unlimited.Add("shop.com") {
			t.Fatal("unlimited limiter rejected")
		}
	}
}
