package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// UpscaleMetrics summarizes one upscale operation for the final log line.
//
// Example:
//
//	logger.Info("upscale complete", logging.UpscaleFields(logging.UpscaleMetrics{
//		Strategy:      "privileged",
//		InputWidth:    200,
//		InputHeight:   300,
//		OutputWidth:   400,
//		OutputHeight:  600,
//		AcquireTime:   40 * time.Millisecond,
//		InferenceTime: 900 * time.Millisecond,
//	}))
type UpscaleMetrics struct {
	CorrelationID string
	Strategy      string
	Mode          string

	InputWidth   int
	InputHeight  int
	OutputWidth  int
	OutputHeight int

	AcquireTime   time.Duration
	InferenceTime time.Duration
	ReplaceTime   time.Duration
	Total         time.Duration
}

// Scale returns the horizontal scale factor, or 0 when the input is empty.
func (m UpscaleMetrics) Scale() float64 {
	if m.InputWidth == 0 {
		return 0
	}
	return float64(m.OutputWidth) / float64(m.InputWidth)
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Durations are in
// milliseconds.
func (m UpscaleMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if m.CorrelationID != "" {
		enc.AddString("correlation_id", m.CorrelationID)
	}
	enc.AddString("strategy", m.Strategy)
	enc.AddString("mode", m.Mode)
	enc.AddInt("input_width", m.InputWidth)
	enc.AddInt("input_height", m.InputHeight)
	enc.AddInt("output_width", m.OutputWidth)
	enc.AddInt("output_height", m.OutputHeight)
	enc.AddFloat64("scale", m.Scale())
	enc.AddInt64("acquire_ms", m.AcquireTime.Milliseconds())
	enc.AddInt64("inference_ms", m.InferenceTime.Milliseconds())
	enc.AddInt64("replace_ms", m.ReplaceTime.Milliseconds())
	enc.AddInt64("total_ms", m.Total.Milliseconds())
	return nil
}

// UpscaleFields wraps metrics as a single "upscale" field.
func UpscaleFields(m UpscaleMetrics) zap.Field {
	return zap.Object("upscale", m)
}
