package locator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"upscaler/document"
)

// newImageServer serves /<w>x<h>.png.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var iw, ih int
		if _, err := fmt.Sscanf(r.URL.Path, "/%dx%d.png", &iw, &ih); err != nil {
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		png.Encode(&buf, image.NewGray(image.Rect(0, 0, iw, ih)))
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func parse(t *testing.T, srv *httptest.Server, body string) *document.Document {
	t.Helper()
	doc, err := document.Parse(context.Background(), strings.NewReader(body), srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func srcs(imgs []*document.Image) []string {
	out := make([]string, len(imgs))
	for i, img := range imgs {
		out[i] = img.Src()
	}
	return out
}

func TestLocate_Band(t *testing.T) {
	srv := newImageServer(t)
	doc := parse(t, srv, `
		<img src="/99x200.png">
		<img src="/100x100.png">
		<img src="/200x300.png">
		<img src="/2000x2000.png">
		<img src="/2001x500.png">
		<img src="/missing.png">
		<img src="/150x150.png" style="display:none">
		<div hidden><img src="/150x150.png"></div>
		<img src="/150x150.png" width="0">
	`)

	got := strings.Join(srcs(New(0, 0, nil).Locate(doc)), " ")
	want := "/100x100.png /200x300.png /2000x2000.png"
	if got != want {
		t.Errorf("Locate() = %q, want %q", got, want)
	}
}

func TestLocate_CustomBand(t *testing.T) {
	srv := newImageServer(t)
	doc := parse(t, srv, `<img src="/50x60.png"><img src="/200x300.png">`)

	if n := New(40, 100, nil).Count(doc); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestLocate_Idempotent(t *testing.T) {
	srv := newImageServer(t)
	doc := parse(t, srv, `<img src="/200x300.png"><img src="/300x200.png">`)
	l := New(0, 0, nil)

	first, second := l.Locate(doc), l.Locate(doc)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("lengths %d, %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("element %d differs between calls", i)
		}
	}
	if l.Count(doc) != 2 {
		t.Errorf("Count() = %d", l.Count(doc))
	}
}

func TestLocate_SkipsMarked(t *testing.T) {
	srv := newImageServer(t)
	doc := parse(t, srv, `<img src="/200x300.png"><img src="/200x300.png"><img src="/300x200.png">`)
	l := New(0, 0, nil)
	imgs := l.Locate(doc)

	if !l.Marks.Claim(imgs[0]) {
		t.Fatal("Claim() = false")
	}
	l.Marks.MarkProcessed(imgs[1])

	got := l.Locate(doc)
	if len(got) != 1 || got[0] != imgs[2] {
		t.Errorf("Locate() = %v, want only the third image", srcs(got))
	}

	// same source, different element: identity is per element
	if l.Marks.Marked(imgs[2]) {
		t.Error("unrelated element reported marked")
	}

	l.Marks.Release(imgs[0])
	if n := l.Count(doc); n != 2 {
		t.Errorf("Count() after release = %d, want 2", n)
	}
}

func TestMarks_Claim(t *testing.T) {
	srv := newImageServer(t)
	doc := parse(t, srv, `<img src="/200x300.png">`)
	img := doc.Images()[0]
	m := NewMarks()

	if !m.Claim(img) {
		t.Fatal("first Claim() = false")
	}
	if m.Claim(img) {
		t.Error("Claim() of in-flight image = true")
	}
	m.MarkProcessed(img)
	if m.Claim(img) || !m.Processed(img) {
		t.Error("processed image claimable")
	}
	m.Unmark(img)
	if m.Marked(img) || !m.Claim(img) {
		t.Error("Unmark() did not clear marks")
	}
}
