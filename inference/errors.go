package inference

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("inference: timed out")

	// ErrInference is matched by every *InferenceError.
	ErrInference = errors.New("inference: remote failure")

	// ErrUnitCreate is returned when the unit factory fails.
	ErrUnitCreate = errors.New("inference: failed to create unit")

	// ErrUnitLost is returned for calls pending on a unit that died.
	ErrUnitLost = errors.New("inference: unit lost")

	// ErrModelLoad is returned by Warmup when the unit reports a failed load.
	ErrModelLoad = errors.New("inference: model failed to load")

	// ErrUnitBusy is wrapped by units that reject a request without being
	// broken. Only that call fails; the unit stays in service.
	ErrUnitBusy = errors.New("inference: unit busy")

	// ErrChannelClosed is returned after Close.
	ErrChannelClosed = errors.New("inference: channel closed")
)

// TimeoutError reports a call that received no response in time.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inference: request %s timed out after %s", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// InferenceError is a failure reported by the unit.
type InferenceError struct {
	CorrelationID string
	Message       string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: request %s failed: %s", e.CorrelationID, e.Message)
}

func (e *InferenceError) Unwrap() error { return ErrInference }
