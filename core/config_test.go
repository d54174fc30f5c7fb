package core

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

// configEnvVars lists every variable LoadConfig reads so tests start clean.
var configEnvVars = []string{
	"INFERENCE_TIMEOUT", "FETCH_TIMEOUT",
	"MIN_IMAGE_DIMENSION", "MAX_IMAGE_DIMENSION",
	"UPSCALE_MODE", "MODEL_PATH", "MODEL_SHA256",
	"WORKER_URL", "BROKER_URL", "MAX_IMAGE_BYTES",
	"ALLOW_SELF_SIGNED_CERTS", "HISTORY_DB",
	"BROKER_ADDR", "WORKER_ADDR",
	"LOG_FILE", "DEV_MODE", "LOG_LEVEL",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvVars {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.InferenceTimeout != 60*time.Second {
		t.Errorf("InferenceTimeout = %v, want 60s", cfg.InferenceTimeout)
	}
	if cfg.MinImageDimension != 100 || cfg.MaxImageDimension != 2000 {
		t.Errorf("band = [%d, %d], want [100, 2000]", cfg.MinImageDimension, cfg.MaxImageDimension)
	}
	if cfg.UpscaleMode != "quality" {
		t.Errorf("UpscaleMode = %q", cfg.UpscaleMode)
	}
	if cfg.ModelPath != DefaultModelPath {
		t.Errorf("ModelPath = %q", cfg.ModelPath)
	}
	if cfg.MaxImageBytes != 50<<20 {
		t.Errorf("MaxImageBytes = %d", cfg.MaxImageBytes)
	}
	if cfg.RemoteWorker() || cfg.RemoteBroker() {
		t.Error("empty environment should run in-process")
	}
	if cfg.BrokerAddr != DefaultBrokerAddr || cfg.WorkerAddr != DefaultWorkerAddr {
		t.Errorf("addrs = %q, %q", cfg.BrokerAddr, cfg.WorkerAddr)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("INFERENCE_TIMEOUT", "5")
	t.Setenv("FETCH_TIMEOUT", "1500ms")
	t.Setenv("MIN_IMAGE_DIMENSION", "64")
	t.Setenv("MAX_IMAGE_DIMENSION", "4096")
	t.Setenv("UPSCALE_MODE", "speed")
	t.Setenv("WORKER_URL", "ws://10.0.0.2:8788/unit")
	t.Setenv("BROKER_URL", "http://127.0.0.1:8787")
	t.Setenv("MAX_IMAGE_BYTES", "8 MiB")
	t.Setenv("ALLOW_SELF_SIGNED_CERTS", "yes")
	t.Setenv("MODEL_SHA256", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.InferenceTimeout != 5*time.Second {
		t.Errorf("InferenceTimeout = %v", cfg.InferenceTimeout)
	}
	if cfg.FetchTimeout != 1500*time.Millisecond {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
	if cfg.MinImageDimension != 64 || cfg.MaxImageDimension != 4096 {
		t.Errorf("band = [%d, %d]", cfg.MinImageDimension, cfg.MaxImageDimension)
	}
	if cfg.UpscaleMode != "speed" {
		t.Errorf("UpscaleMode = %q", cfg.UpscaleMode)
	}
	if !cfg.RemoteWorker() || !cfg.RemoteBroker() {
		t.Error("expected remote worker and broker")
	}
	if cfg.MaxImageBytes != 8<<20 {
		t.Errorf("MaxImageBytes = %d", cfg.MaxImageBytes)
	}
	if !cfg.AllowSelfSignedCerts {
		t.Error("AllowSelfSignedCerts = false")
	}
	if cfg.ModelSHA256 != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("ModelSHA256 not lowercased: %q", cfg.ModelSHA256)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantCode string
	}{
		{"non-numeric timeout", map[string]string{"INFERENCE_TIMEOUT": "soon"}, ErrCodeInvalidValue},
		{"zero timeout", map[string]string{"INFERENCE_TIMEOUT": "0"}, ErrCodeInvalidValue},
		{"inverted band", map[string]string{"MIN_IMAGE_DIMENSION": "500", "MAX_IMAGE_DIMENSION": "400"}, ErrCodeInvalidRange},
		{"zero min", map[string]string{"MIN_IMAGE_DIMENSION": "0"}, ErrCodeInvalidRange},
		{"http worker url", map[string]string{"WORKER_URL": "http://host/unit"}, ErrCodeInvalidURL},
		{"broker without host", map[string]string{"BROKER_URL": "http://"}, ErrCodeInvalidURL},
		{"short checksum", map[string]string{"MODEL_SHA256": "abc"}, ErrCodeInvalidModel},
		{"bad bool", map[string]string{"DEV_MODE": "maybe"}, ErrCodeInvalidValue},
		{"bad size", map[string]string{"MAX_IMAGE_BYTES": "lots"}, ErrCodeInvalidValue},
		{"bad addr", map[string]string{"BROKER_ADDR": "8787"}, ErrCodeInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			if err == nil {
				t.Fatal("LoadConfig() error = nil")
			}
			if code := GetErrorCode(err); code != tt.wantCode {
				t.Errorf("code = %q, want %q (err: %v)", code, tt.wantCode, err)
			}
		})
	}
}

func TestIsConfigError_Wrapped(t *testing.T) {
	base := ErrInvalidRange(3, 1)
	wrapped := errors.Join(errors.New("startup"), base)

	got, ok := IsConfigError(wrapped)
	if !ok || got != base {
		t.Errorf("IsConfigError() = %v, %v", got, ok)
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Error("plain error has a code")
	}
	if base.Error() == "" || base.Action == "" {
		t.Error("ConfigError should carry message and action")
	}
}

func TestGetHTTPClient(t *testing.T) {
	plain := GetHTTPClient(&Config{}, 3*time.Second)
	if plain.Timeout != 3*time.Second || plain.Transport != nil {
		t.Errorf("plain client = %+v", plain)
	}

	insecure := GetHTTPClient(&Config{AllowSelfSignedCerts: true}, time.Second)
	tr, ok := insecure.Transport.(*http.Transport)
	if !ok || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("self-signed client should skip verification")
	}

	if c := GetDefaultHTTPClient(nil); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", c.Timeout)
	}
}
