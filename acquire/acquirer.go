// Package acquire obtains readable RGBA pixels for a page image by walking an
// ordered chain of strategies, each able to satisfy a different cross-origin
// situation.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"upscaler/document"
	"upscaler/tensor"
)

// ErrAcquisition is matched by every *Error.
var ErrAcquisition = errors.New("acquire: could not obtain image pixels")

// Error reports that every applicable strategy failed.
type Error struct {
	Src string
	// Tried lists the strategies attempted, in order.
	Tried []string
	// Err aggregates the per-strategy failures.
	Err error
}

func (e *Error) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("acquire %s: no applicable strategy", e.Src)
	}
	return fmt.Sprintf("acquire %s: all strategies failed (%s): %v",
		e.Src, strings.Join(e.Tried, ", "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrAcquisition }

// Failures returns the individual strategy errors.
func (e *Error) Failures() []error {
	return multierr.Errors(e.Err)
}

// StrategyError is one strategy's failure.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return e.Strategy + ": " + e.Err.Error()
}

func (e *StrategyError) Unwrap() error { return e.Err }

// Acquisition is a successful read.
type Acquisition struct {
	Pixels   tensor.PixelBuffer
	Strategy string
	// Tried lists the strategies attempted, in order, ending with Strategy.
	Tried    []string
	Duration time.Duration
}

// Acquirer runs the strategy chain.
type Acquirer struct {
	strategies []Strategy
	logger     *zap.Logger
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithLogger sets the logger for strategy failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithStrategies replaces the default chain.
func WithStrategies(s ...Strategy) Option {
	return func(a *Acquirer) {
		a.strategies = s
	}
}

// DefaultStrategies returns the standard chain: direct, privileged, cors,
// tainted. The privileged step is skipped when fetcher is nil.
func DefaultStrategies(fetcher PrivilegedFetcher, surface Surface) []Strategy {
	return []Strategy{
		Direct{Surface: surface},
		Privileged{Fetcher: fetcher, Surface: surface},
		CORS{Surface: surface},
		Tainted{Surface: surface},
	}
}

// New creates an Acquirer with the default chain.
func New(fetcher PrivilegedFetcher, opts ...Option) *Acquirer {
	a := &Acquirer{
		strategies: DefaultStrategies(fetcher, Surface{}),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Strategies returns the names of the configured chain.
func (a *Acquirer) Strategies() []string {
	names := make([]string, len(a.strategies))
	for i, s := range a.strategies {
		names[i] = s.Name()
	}
	return names
}

// Acquire returns the pixels of img from the first strategy that succeeds.
func (a *Acquirer) Acquire(ctx context.Context, img *document.Image) (tensor.PixelBuffer, error) {
	res, err := a.AcquireDetailed(ctx, img)
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	return res.Pixels, nil
}

// AcquireDetailed is Acquire but also reports which strategy succeeded.
func (a *Acquirer) AcquireDetailed(ctx context.Context, img *document.Image) (Acquisition, error) {
	start := time.Now()
	src := img.Src()
	logSrc := truncate(src, 100)

	var (
		errs  error
		tried []string
	)
	for _, s := range a.strategies {
		if err := ctx.Err(); err != nil {
			return Acquisition{}, err
		}
		if !s.Applies(img) {
			continue
		}
		tried = append(tried, s.Name())

		buf, err := s.Acquire(ctx, img)
		if err == nil {
			a.logger.Debug("Acquired image pixels",
				zap.String("strategy", s.Name()),
				zap.String("src", logSrc),
				zap.Int("width", buf.Width),
				zap.Int("height", buf.Height))
			return Acquisition{Pixels: buf, Strategy: s.Name(), Tried: tried, Duration: time.Since(start)}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Acquisition{}, ctxErr
		}

		a.logger.Warn("Acquisition strategy failed",
			zap.String("strategy", s.Name()),
			zap.String("src", logSrc),
			zap.Error(err))
		errs = multierr.Append(errs, &StrategyError{Strategy: s.Name(), Err: err})
	}

	return Acquisition{}, &Error{Src: src, Tried: tried, Err: errs}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
