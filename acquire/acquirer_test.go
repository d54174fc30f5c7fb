package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"upscaler/document"
	"upscaler/tensor"
)

func pngBytes(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 10), uint8(y * 10), 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newImageServer serves a 4x3 PNG at every path, sending cors as
// Access-Control-Allow-Origin when non-empty.
func newImageServer(t *testing.T, cors string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	data := pngBytes(t, 4, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if cors != "" {
			w.Header().Set("Access-Control-Allow-Origin", cors)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func firstImage(t *testing.T, page, base string) *document.Image {
	t.Helper()
	doc, err := document.Parse(context.Background(), strings.NewReader(page), base)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	imgs := doc.Images()
	if len(imgs) == 0 {
		t.Fatal("no images in page")
	}
	return imgs[0]
}

type stubFetcher struct {
	data        []byte
	contentType string
	err         error
	calls       atomic.Int32
	lastURL     atomic.Value
}

func (f *stubFetcher) FetchImage(_ context.Context, url string) ([]byte, string, error) {
	f.calls.Add(1)
	f.lastURL.Store(url)
	return f.data, f.contentType, f.err
}

func TestAcquire_DataURIUsesDirect(t *testing.T) {
	src := document.EncodeDataURI(pngBytes(t, 4, 3), "image/png")
	img := firstImage(t, `<img src="`+src+`">`, "https://page.example/")

	a := New(nil, WithLogger(zaptest.NewLogger(t)))
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyDirect {
		t.Errorf("Strategy = %q, want %q", res.Strategy, StrategyDirect)
	}
	if res.Pixels.Width != 4 || res.Pixels.Height != 3 || len(res.Pixels.Pix) != 4*3*4 {
		t.Errorf("pixels = %dx%d (%d bytes)", res.Pixels.Width, res.Pixels.Height, len(res.Pixels.Pix))
	}
	// pixel (1,2) = {10, 20, 200, 255}
	off := (2*4 + 1) * 4
	if got := res.Pixels.Pix[off : off+4]; got[0] != 10 || got[1] != 20 || got[2] != 200 || got[3] != 255 {
		t.Errorf("pixel (1,2) = %v", got)
	}
}

func TestAcquire_SameOriginUsesDirect(t *testing.T) {
	srv, hits := newImageServer(t, "")
	img := firstImage(t, `<img src="/photo.png">`, srv.URL+"/index.html")
	before := hits.Load()

	a := New(nil)
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyDirect {
		t.Errorf("Strategy = %q, want direct", res.Strategy)
	}
	if hits.Load() != before {
		t.Error("direct strategy should not refetch the image")
	}
}

func TestAcquire_SameOriginDirectFailureTriesPrivilegedNext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("not a png"))
	}))
	t.Cleanup(srv.Close)

	img := firstImage(t, `<img src="/photo.png">`, srv.URL+"/index.html")
	before := hits.Load()

	fetcher := &stubFetcher{data: pngBytes(t, 4, 3), contentType: "image/png"}
	res, err := New(fetcher, WithLogger(zaptest.NewLogger(t))).AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyPrivileged {
		t.Errorf("Strategy = %q, want privileged", res.Strategy)
	}
	if got := strings.Join(res.Tried, ","); got != "direct,privileged" {
		t.Errorf("Tried = %q, want direct,privileged", got)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetcher calls = %d, want 1", n)
	}
	if n := hits.Load() - before; n != 0 {
		t.Errorf("origin server hit %d times after load; cors and tainted must not run", n)
	}
	if n := img.Document().Blobs().Len(); n != 0 {
		t.Errorf("object URLs left registered: %d", n)
	}
}

func TestAcquire_CrossOriginWithCORSGrant(t *testing.T) {
	srv, _ := newImageServer(t, "*")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")

	a := New(nil)
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyCORS {
		t.Errorf("Strategy = %q, want cors", res.Strategy)
	}
	if n := img.Document().Blobs().Len(); n != 0 {
		t.Errorf("object URLs left registered: %d", n)
	}
}

func TestAcquire_PrivilegedBeforeCORS(t *testing.T) {
	srv, _ := newImageServer(t, "")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")

	fetcher := &stubFetcher{data: pngBytes(t, 4, 3)}
	a := New(fetcher)
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyPrivileged {
		t.Errorf("Strategy = %q, want privileged", res.Strategy)
	}
	if got := fetcher.lastURL.Load(); got != srv.URL+"/photo.png" {
		t.Errorf("fetched %v, want resolved src", got)
	}
	if n := img.Document().Blobs().Len(); n != 0 {
		t.Errorf("object URLs left registered: %d", n)
	}
}

func TestAcquire_PrivilegedFailureFallsThrough(t *testing.T) {
	srv, _ := newImageServer(t, "*")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")

	core, logs := observer.New(zapcore.WarnLevel)
	fetcher := &stubFetcher{err: errors.New("broker unreachable")}
	a := New(fetcher, WithLogger(zap.New(core)))

	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyCORS {
		t.Errorf("Strategy = %q, want cors", res.Strategy)
	}
	warns := logs.FilterMessage("Acquisition strategy failed").All()
	if len(warns) != 1 || warns[0].ContextMap()["strategy"] != StrategyPrivileged {
		t.Errorf("warn logs = %v", warns)
	}
}

func TestAcquire_GarbagePrivilegedBytesFallsThrough(t *testing.T) {
	srv, _ := newImageServer(t, "*")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")

	fetcher := &stubFetcher{data: []byte("not an image"), contentType: "text/html"}
	a := New(fetcher)
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != StrategyCORS {
		t.Errorf("Strategy = %q, want cors", res.Strategy)
	}
	if n := img.Document().Blobs().Len(); n != 0 {
		t.Errorf("object URLs left registered after failure: %d", n)
	}
}

func TestAcquire_AllStrategiesFail(t *testing.T) {
	srv, _ := newImageServer(t, "")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")

	core, logs := observer.New(zapcore.WarnLevel)
	a := New(nil, WithLogger(zap.New(core)))

	_, err := a.Acquire(context.Background(), img)
	if !errors.Is(err, ErrAcquisition) {
		t.Fatalf("error = %v, want ErrAcquisition", err)
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if got := strings.Join(aerr.Tried, ","); got != "cors,tainted" {
		t.Errorf("Tried = %q, want cors,tainted", got)
	}
	failures := aerr.Failures()
	if len(failures) != 2 {
		t.Fatalf("Failures() = %d, want 2", len(failures))
	}
	if !errors.Is(failures[0], document.ErrCORSDenied) {
		t.Errorf("cors failure = %v, want ErrCORSDenied", failures[0])
	}
	if !errors.Is(failures[1], ErrTainted) {
		t.Errorf("tainted failure = %v, want ErrTainted", failures[1])
	}
	if logs.Len() != 2 {
		t.Errorf("warn logs = %d, want 2", logs.Len())
	}
}

func TestAcquire_BrokenDataURIOnlyTriesDirect(t *testing.T) {
	img := firstImage(t, `<img src="data:image/png;base64,AAAA">`, "https://page.example/")

	_, err := New(nil).Acquire(context.Background(), img)
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if len(aerr.Tried) != 1 || aerr.Tried[0] != StrategyDirect {
		t.Errorf("Tried = %v, want [direct]", aerr.Tried)
	}
}

func TestAcquire_CanceledContext(t *testing.T) {
	srv, hits := newImageServer(t, "*")
	img := firstImage(t, `<img src="`+srv.URL+`/photo.png">`, "https://page.example/")
	before := hits.Load()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &stubFetcher{data: pngBytes(t, 4, 3)}
	_, err := New(fetcher).Acquire(ctx, img)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fetcher.calls.Load() != 0 || hits.Load() != before {
		t.Error("strategies ran after cancellation")
	}
}

type fakeStrategy struct {
	name    string
	applies bool
	err     error
	ran     *[]string
}

func (f fakeStrategy) Name() string                 { return f.name }
func (f fakeStrategy) Applies(*document.Image) bool { return f.applies }

func (f fakeStrategy) Acquire(context.Context, *document.Image) (tensor.PixelBuffer, error) {
	*f.ran = append(*f.ran, f.name)
	if f.err != nil {
		return tensor.PixelBuffer{}, f.err
	}
	return tensor.NewPixelBuffer(1, 1), nil
}

func TestAcquire_CustomChainShortCircuits(t *testing.T) {
	img := firstImage(t, `<img src="data:,x">`, "")
	var ran []string
	a := New(nil, WithStrategies(
		fakeStrategy{name: "a", applies: true, err: fmt.Errorf("nope"), ran: &ran},
		fakeStrategy{name: "b", applies: false, ran: &ran},
		fakeStrategy{name: "c", applies: true, ran: &ran},
		fakeStrategy{name: "d", applies: true, ran: &ran},
	))
	res, err := a.AcquireDetailed(context.Background(), img)
	if err != nil {
		t.Fatalf("AcquireDetailed() error = %v", err)
	}
	if res.Strategy != "c" || strings.Join(ran, ",") != "a,c" {
		t.Errorf("strategy = %q, ran = %v", res.Strategy, ran)
	}
	if got := strings.Join(a.Strategies(), ""); got != "abcd" {
		t.Errorf("Strategies() = %q", got)
	}
}

func TestSurface_RefusesTainted(t *testing.T) {
	res := &document.Resource{Data: pngBytes(t, 2, 2), ContentType: "image/png"}
	if _, err := (Surface{}).Read(res); !errors.Is(err, ErrTainted) {
		t.Errorf("tainted read error = %v", err)
	}
	res.OriginClean = true
	if _, err := (Surface{MaxPixels: 3}).Read(res); !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("oversize read error = %v", err)
	}
	buf, err := (Surface{}).Read(res)
	if err != nil || buf.Width != 2 || buf.Height != 2 {
		t.Errorf("clean read = %dx%d, %v", buf.Width, buf.Height, err)
	}
	res.Data = []byte("junk")
	if _, err := (Surface{}).Read(res); !errors.Is(err, ErrDecode) {
		t.Errorf("junk read error = %v", err)
	}
}
