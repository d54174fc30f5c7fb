package model

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"upscaler/core"
	"upscaler/tensor"
)

const nearestManifest = `name: nearest-x2
kernel: Nearest
scale: 2
`

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", nearestManifest, false},
		{"missing name", "kernel: nearest\nscale: 2\n", true},
		{"unknown kernel", "name: x\nkernel: lanczos\nscale: 2\n", true},
		{"zero scale", "name: x\nkernel: bilinear\nscale: 0\n", true},
		{"scale too big", "name: x\nkernel: bilinear\nscale: 9\n", true},
		{"not yaml", "name: [unterminated", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidManifest) {
					t.Errorf("error = %v, want ErrInvalidManifest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if m.Kernel != "nearest" || m.Scale != 2 {
				t.Errorf("manifest = %+v", m)
			}
		})
	}
}

func TestManifest_MarshalRoundTrip(t *testing.T) {
	data, err := Builtin().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	m, err := ParseManifest(data)
	if err != nil || m != Builtin() {
		t.Errorf("round trip = %+v, %v", m, err)
	}
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeManifest(t, nearestManifest)
	sum := core.ComputeSHA256FromBytes([]byte(nearestManifest))

	m, err := Load(context.Background(), path, LoadOptions{SHA256: sum})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Manifest().Name != "nearest-x2" || m.Scale() != 2 || m.Checksum() != sum {
		t.Errorf("model = %+v checksum %s", m.Manifest(), m.Checksum())
	}
}

func TestLoad_ChecksumMismatch(t *testing.T) {
	path := writeManifest(t, nearestManifest)
	bad := "0000000000000000000000000000000000000000000000000000000000000000"

	_, err := Load(context.Background(), path, LoadOptions{SHA256: bad})
	var mismatch *core.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *core.ChecksumMismatchError", err)
	}
	if mismatch.Source != path {
		t.Errorf("Source = %q", mismatch.Source)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), LoadOptions{}); err == nil {
		t.Error("missing file should fail")
	}
	path := writeManifest(t, "name: x\nkernel: nope\nscale: 2\n")
	if _, err := Load(context.Background(), path, LoadOptions{}); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("bad manifest error = %v", err)
	}
}

func TestLoad_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(nearestManifest))
	}))
	defer srv.Close()

	m, err := Load(context.Background(), srv.URL+"/model.yaml", LoadOptions{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Manifest().Kernel != "nearest" {
		t.Errorf("kernel = %q", m.Manifest().Kernel)
	}

	if _, err := Load(context.Background(), srv.URL+"/other.yaml", LoadOptions{HTTPClient: srv.Client()}); err == nil {
		t.Error("404 should fail")
	}
}

func TestLoad_Builtin(t *testing.T) {
	m, err := Load(context.Background(), BuiltinLocation, LoadOptions{})
	if err != nil || m.Manifest() != Builtin() {
		t.Errorf("builtin = %+v, %v", m, err)
	}
}

func TestRun_NearestReplicatesPixels(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	m, err := New(Manifest{Name: "n", Kernel: "nearest", Scale: 2}, zap.New(obs))
	if err != nil {
		t.Fatal(err)
	}

	// 2x1 image: red, blue
	in := tensor.Tensor{
		Data:  []float32{1, 0, 0, 0, 0, 1},
		Shape: tensor.NewShape(1, 2),
	}
	out, err := m.Run(in, "quality")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Width() != 4 || out.Height() != 2 {
		t.Fatalf("out shape = %v", out.Shape)
	}

	n := 8
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			i := y*4 + x
			wantR, wantB := float32(1), float32(0)
			if x >= 2 {
				wantR, wantB = 0, 1
			}
			if out.Data[i] != wantR || out.Data[n+i] != 0 || out.Data[2*n+i] != wantB {
				t.Errorf("pixel (%d,%d) = %v %v %v", x, y, out.Data[i], out.Data[n+i], out.Data[2*n+i])
			}
		}
	}

	entries := logs.FilterMessage("Model output").All()
	if len(entries) != 1 || entries[0].ContextMap()["mode"] != "quality" {
		t.Errorf("debug log = %v", entries)
	}
}

func TestRun_SmoothKernelsStayInRange(t *testing.T) {
	in := tensor.Tensor{Shape: tensor.NewShape(3, 3)}
	in.Data = make([]float32, in.Shape.Len())
	for i := range in.Data {
		in.Data[i] = float32(i%2) * 1.2 // overshoot is clamped on input
	}

	for _, k := range Kernels() {
		t.Run(k, func(t *testing.T) {
			m, err := New(Manifest{Name: k, Kernel: k, Scale: 3}, nil)
			if err != nil {
				t.Fatal(err)
			}
			out, err := m.Run(in, "")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.Width() != 9 || out.Height() != 9 {
				t.Errorf("shape = %v", out.Shape)
			}
			lo, hi := out.Range()
			if lo < 0 || hi > 1 || math.IsNaN(float64(lo)) {
				t.Errorf("range = [%v, %v]", lo, hi)
			}
		})
	}
}

func TestRun_RejectsInvalidTensor(t *testing.T) {
	m, _ := New(Builtin(), nil)
	if _, err := m.Run(tensor.Tensor{Data: []float32{1}, Shape: tensor.NewShape(2, 2)}, ""); !errors.Is(err, tensor.ErrInvalidTensor) {
		t.Errorf("error = %v", err)
	}
}
