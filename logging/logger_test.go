package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// syncLogger ignores the "invalid argument" error Linux returns when syncing stdout.
func syncLogger(t testing.TB, logger *Logger) {
	t.Helper()
	if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
		t.Logf("Sync() warning: %v", err)
	}
}

func TestNewLogger_WritesJSONFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "upscaler.log")

	logger, err := NewLogger(Options{FilePath: logPath})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false")
	}
	if logger.LogFilePath() != logPath {
		t.Errorf("LogFilePath() = %q, want %q", logger.LogFilePath(), logPath)
	}

	logger.Info("broker listening", zap.String("addr", "127.0.0.1:8787"))
	syncLogger(t, logger)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, content)
	}
	for _, key := range []string{FieldTimestamp, FieldLevel, FieldMessage, FieldCaller} {
		if _, ok := entry[key]; !ok {
			t.Errorf("entry missing %q", key)
		}
	}
	if entry["addr"] != "127.0.0.1:8787" {
		t.Errorf("addr = %v", entry["addr"])
	}
}

func TestNewLogger_LevelOverride(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "upscaler.log")
	level := WarnLevel

	logger, err := NewLogger(Options{Development: true, FilePath: logPath, Level: &level})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	syncLogger(t, logger)

	content, _ := os.ReadFile(logPath)
	if strings.Contains(string(content), "dropped") {
		t.Error("info entry written despite warn level")
	}
	if !strings.Contains(string(content), "kept") {
		t.Error("warn entry missing")
	}
}

func TestNewLogger_InvalidPath(t *testing.T) {
	_, err := NewLogger(Options{FilePath: "/nonexistent/dir/upscaler.log"})
	if err == nil {
		t.Error("NewLogger() with invalid path should fail")
	}
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	logger, err := NewLogger(Options{})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.LogFilePath() != "" {
		t.Errorf("LogFilePath() = %q, want empty", logger.LogFilePath())
	}
}

func TestLogger_RedactsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))

	logger.Info("fetching",
		zap.String("url", "https://cdn.example/cat.png?w=2&token=abcdef123456"),
		zap.String("auth_token", "plain"),
		zap.Int("attempt", 1))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if got := fields["url"]; got != "https://cdn.example/cat.png?w=2&token=[REDACTED]" {
		t.Errorf("url = %v", got)
	}
	if got := fields["auth_token"]; got != RedactedPlaceholder {
		t.Errorf("auth_token = %v", got)
	}
	if got := fields["attempt"]; got != int64(1) {
		t.Errorf("attempt = %v", got)
	}
}

func TestLogger_SugarRedacts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))

	logger.Warnw("strategy failed", "src", "https://u:p@host/x.png", "password", "hunter22")

	fields := logs.All()[0].ContextMap()
	if got := fields["src"]; got != "https://[REDACTED]@host/x.png" {
		t.Errorf("src = %v", got)
	}
	if got := fields["password"]; got != RedactedPlaceholder {
		t.Errorf("password = %v", got)
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core)).Named("pipeline").With(zap.String("correlation_id", "1-x"))

	logger.Debug("stage", zap.String("stage", "acquire"))

	e := logs.All()[0]
	if e.LoggerName != "pipeline" {
		t.Errorf("LoggerName = %q", e.LoggerName)
	}
	if e.ContextMap()["correlation_id"] != "1-x" {
		t.Errorf("correlation_id missing: %v", e.ContextMap())
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("nothing")
	if err := logger.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
	var nilLogger *Logger
	if err := nilLogger.Sync(); err != nil {
		t.Errorf("nil Sync() error = %v", err)
	}
}

func TestUpscaleFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))

	logger.Info("upscale complete", UpscaleFields(UpscaleMetrics{
		CorrelationID: "7-abc",
		Strategy:      "direct",
		Mode:          "quality",
		InputWidth:    200,
		InputHeight:   300,
		OutputWidth:   400,
		OutputHeight:  600,
		InferenceTime: 1500 * time.Millisecond,
		Total:         2 * time.Second,
	}))

	obj, ok := logs.All()[0].ContextMap()["upscale"].(map[string]interface{})
	if !ok {
		t.Fatalf("upscale field is not an object: %#v", logs.All()[0].ContextMap())
	}
	if obj["scale"] != 2.0 {
		t.Errorf("scale = %v, want 2", obj["scale"])
	}
	if obj["inference_ms"] != int64(1500) {
		t.Errorf("inference_ms = %v", obj["inference_ms"])
	}
	if obj["correlation_id"] != "7-abc" {
		t.Errorf("correlation_id = %v", obj["correlation_id"])
	}
}
