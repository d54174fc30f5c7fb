package pipeline

import (
	"context"
	"errors"
	"time"

	"upscaler/inference"
)

// Kind classifies a failed upscale.
type Kind string

const (
	KindAcquisition  Kind = "AcquisitionError"
	KindTimeout      Kind = "TimeoutError"
	KindInference    Kind = "InferenceError"
	KindReplacement  Kind = "ReplacementError"
	KindNoCandidates Kind = "NoCandidates"
	KindBusy         Kind = "Busy"
	KindCanceled     Kind = "Canceled"
)

// Stage names the step an upscale stopped at.
type Stage string

const (
	StageLocate    Stage = "locate"
	StageClaim     Stage = "claim"
	StageAcquire   Stage = "acquire"
	StageEncode    Stage = "encode"
	StageInference Stage = "inference"
	StageDecode    Stage = "decode"
	StageReplace   Stage = "replace"
	StageDone      Stage = "done"
)

// Result reports one UpscaleFirst call. Width and Height are the output
// size on success. Kind is empty on success.
type Result struct {
	Success       bool          `json:"success"`
	Width         int           `json:"width,omitempty"`
	Height        int           `json:"height,omitempty"`
	Kind          Kind          `json:"kind,omitempty"`
	Stage         Stage         `json:"stage"`
	Message       string        `json:"message,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Duration      time.Duration `json:"duration"`

	Src      string `json:"src,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// failureKind classifies a stage error. Cancellation by the caller is
// reported as KindCanceled and the caller's deadline as KindTimeout,
// whichever stage was running; other errors keep the stage's own kind.
func failureKind(ctx context.Context, err error, stageKind Kind) Kind {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, inference.ErrTimeout):
		return KindTimeout
	}
	return stageKind
}

// correlationIDOf extracts the request id carried by channel errors.
func correlationIDOf(err error) string {
	var te *inference.TimeoutError
	if errors.As(err, &te) {
		return te.CorrelationID
	}
	var ie *inference.InferenceError
	if errors.As(err, &ie) {
		return ie.CorrelationID
	}
	return ""
}
