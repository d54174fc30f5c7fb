// Package worker provides computation units for the inference channel: an
// in-process unit running on its own goroutine, a websocket server that
// hosts one such unit per connection, and a client that dials it.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"upscaler/inference"
	"upscaler/model"
)

// ErrUnitClosed is returned by Post after Close.
var ErrUnitClosed = errors.New("worker: unit closed")

// outboxSize buffers responses the channel has not read yet.
const outboxSize = 64

// Loader loads the model a unit runs.
type Loader func(ctx context.Context) (*model.Model, error)

// ModelLoader returns a Loader reading the artifact at location.
func ModelLoader(location string, opts model.LoadOptions) Loader {
	return func(ctx context.Context) (*model.Model, error) {
		return model.Load(ctx, location, opts)
	}
}

// Local runs a model on a dedicated goroutine. Requests are processed one
// at a time in arrival order.
type Local struct {
	load   Loader
	logger *zap.Logger

	queue []inference.Message // guarded by mu
	wake  chan struct{}
	out   chan inference.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewLocal starts a unit. Model loading begins immediately; a ready message
// reports the outcome.
func NewLocal(load Loader, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Local{
		load:   load,
		logger: logger,
		wake:   make(chan struct{}, 1),
		out:    make(chan inference.Message, outboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go u.run()
	return u
}

// Post queues a request. It never blocks and fails only once the unit is
// closed.
func (u *Local) Post(msg inference.Message) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrUnitClosed
	}
	u.queue = append(u.queue, msg)
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
	return nil
}

// Inbound returns responses and the ready notification.
func (u *Local) Inbound() <-chan inference.Message { return u.out }

// Close stops the unit after the request in progress, if any.
func (u *Local) Close() error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.closed = true
		u.mu.Unlock()
		u.cancel()
		<-u.done
		close(u.out)
	})
	return nil
}

func (u *Local) run() {
	defer close(u.done)

	mdl, err := u.load(u.ctx)
	if err != nil {
		u.logger.Error("Model load failed", zap.Error(err))
	}
	if !u.emit(inference.ReadyMessage(err)) {
		return
	}

	for {
		req, ok := u.next()
		if !ok {
			return
		}
		if req.Type != inference.TypeRun {
			u.logger.Warn("Ignoring unexpected request", zap.String("type", req.Type.String()))
			continue
		}
		if mdl == nil {
			// retry a failed load before giving up on the request
			if mdl, err = u.load(u.ctx); err != nil {
				u.logger.Error("Model reload failed", zap.Error(err))
				if !u.emit(inference.ErrorMessage(req.CorrelationID, err)) {
					return
				}
				continue
			}
		}
		if !u.emit(u.handle(mdl, req)) {
			return
		}
	}
}

// next pops the oldest queued request, waiting for one if needed. It
// reports false once the unit is closing.
func (u *Local) next() (inference.Message, bool) {
	for {
		if u.ctx.Err() != nil {
			return inference.Message{}, false
		}
		u.mu.Lock()
		if len(u.queue) > 0 {
			req := u.queue[0]
			u.queue[0] = inference.Message{}
			u.queue = u.queue[1:]
			u.mu.Unlock()
			return req, true
		}
		u.mu.Unlock()

		select {
		case <-u.ctx.Done():
			return inference.Message{}, false
		case <-u.wake:
		}
	}
}

func (u *Local) handle(mdl *model.Model, req inference.Message) inference.Message {
	in, err := req.Tensor()
	if err != nil {
		return inference.ErrorMessage(req.CorrelationID, err)
	}
	out, err := mdl.Run(in, req.Mode)
	if err != nil {
		return inference.ErrorMessage(req.CorrelationID, err)
	}
	return inference.ResultMessage(req.CorrelationID, out)
}

// emit delivers msg unless the unit is closing.
func (u *Local) emit(msg inference.Message) bool {
	select {
	case u.out <- msg:
		return true
	case <-u.ctx.Done():
		return false
	}
}

// LocalFactory returns a factory creating Local units.
func LocalFactory(load Loader, logger *zap.Logger) inference.UnitFactory {
	return func(context.Context) (inference.Unit, error) {
		return NewLocal(load, logger), nil
	}
}
