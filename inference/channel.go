// Package inference runs model computations on an isolated unit and
// matches each response to its request by correlation id.
//
// A Channel owns at most one live unit. The unit is created lazily on the
// first call, reports model readiness once, and is replaced after it faults.
// Calls are not serialized: any number may be in flight, and responses may
// arrive in any order.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"upscaler/tensor"
)

// DefaultTimeout is the per-call deadline when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// State is the lifecycle state of a Channel.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Status is a snapshot of the channel.
type Status struct {
	State State
	// Ready reports that a live unit exists.
	Ready bool
	// Loaded reports that the unit's model loaded.
	Loaded  bool
	Pending int
}

// Config controls a Channel.
type Config struct {
	Timeout time.Duration
	// Mode is passed to the unit unchanged on every run.
	Mode string
}

// Response is a successful call result.
type Response struct {
	Output        tensor.Tensor
	CorrelationID string
	Elapsed       time.Duration
}

type reply struct {
	msg Message
	err error
}

// session is one unit and the calls waiting on it.
type session struct {
	unit      Unit
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	// guarded by Channel.mu
	pending map[string]chan reply
	dead    bool
}

// Channel sends tensors to a unit and waits for correlated responses.
type Channel struct {
	factory UnitFactory
	cfg     Config
	logger  *zap.Logger
	seq     atomic.Uint64

	initMu sync.Mutex // serializes unit creation

	mu     sync.Mutex
	state  State
	sess   *session
	closed bool
}

// NewChannel creates a channel. No unit is created until the first call or
// Warmup.
func NewChannel(factory UnitFactory, cfg Config, logger *zap.Logger) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{factory: factory, cfg: cfg, logger: logger}
}

// Mode returns the label sent with every run.
func (c *Channel) Mode() string { return c.cfg.Mode }

// Status returns the current state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Loaded: c.state == StateReady}
	if c.sess != nil && !c.sess.dead {
		st.Ready = true
		st.Pending = len(c.sess.pending)
	}
	return st
}

// Warmup creates the unit if needed and waits for its ready signal.
func (c *Channel) Warmup(ctx context.Context) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.readyErr != nil {
		return s.readyErr
	}
	return nil
}

// Call runs in on the unit with the configured timeout.
func (c *Channel) Call(ctx context.Context, in tensor.Tensor) (*Response, error) {
	return c.CallWithTimeout(ctx, in, c.cfg.Timeout)
}

// CallWithTimeout runs in on the unit. The deadline starts once the request
// has been posted. On timeout the unit keeps running and any late response
// is discarded.
func (c *Channel) CallWithTimeout(ctx context.Context, in tensor.Tensor, timeout time.Duration) (*Response, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	id := c.nextID()
	ch := make(chan reply, 1)
	if err := c.register(s, id, ch); err != nil {
		return nil, err
	}
	defer c.deregister(s, id)

	if err := s.unit.Post(RunMessage(id, in, c.cfg.Mode)); err != nil {
		if errors.Is(err, ErrUnitBusy) {
			c.logger.Warn("Inference request rejected by busy unit",
				zap.String("correlation_id", id), zap.Error(err))
			return nil, fmt.Errorf("post %s: %w", id, err)
		}
		c.lose(s, fmt.Errorf("post: %w", err))
		return nil, fmt.Errorf("%w: post %s: %v", ErrUnitLost, id, err)
	}
	start := time.Now()
	c.logger.Debug("Inference request posted",
		zap.String("correlation_id", id),
		zap.Ints("shape", in.Shape.Slice()))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Type == TypeError {
			return nil, &InferenceError{CorrelationID: id, Message: r.msg.Error}
		}
		out, err := r.msg.Tensor()
		if err != nil {
			return nil, &InferenceError{CorrelationID: id, Message: "invalid result: " + err.Error()}
		}
		elapsed := time.Since(start)
		c.logger.Debug("Inference response received",
			zap.String("correlation_id", id),
			zap.Duration("elapsed", elapsed))
		return &Response{Output: out, CorrelationID: id, Elapsed: elapsed}, nil

	case <-timer.C:
		c.logger.Warn("Inference request timed out",
			zap.String("correlation_id", id),
			zap.Duration("timeout", timeout))
		return nil, &TimeoutError{CorrelationID: id, Timeout: timeout}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the unit. Pending calls fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	if s != nil {
		c.failPending(s, ErrChannelClosed)
		s.dead = true
	}
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.readyOnce.Do(func() {
		s.readyErr = ErrChannelClosed
		close(s.ready)
	})
	return s.unit.Close()
}

func (c *Channel) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10) + "-" + uuid.NewString()
}

// session returns the live unit, creating one when there is none or the
// current one has faulted.
func (c *Channel) session(ctx context.Context) (*session, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if s := c.sess; s != nil && !s.dead && c.state != StateFaulted {
		c.mu.Unlock()
		return s, nil
	}
	old := c.sess
	c.sess = nil
	c.state = StateInitializing
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("Replacing faulted inference unit")
		if err := old.unit.Close(); err != nil {
			c.logger.Debug("Closing faulted unit", zap.Error(err))
		}
	}

	unit, err := c.factory(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateFaulted
		c.mu.Unlock()
		c.logger.Error("Failed to create inference unit", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnitCreate, err)
	}

	s := &session{
		unit:    unit,
		ready:   make(chan struct{}),
		pending: make(map[string]chan reply),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unit.Close()
		return nil, ErrChannelClosed
	}
	c.sess = s
	c.mu.Unlock()

	go c.readLoop(s)
	return s, nil
}

func (c *Channel) register(s *session, id string, ch chan reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if s.dead {
		return ErrUnitLost
	}
	s.pending[id] = ch
	return nil
}

func (c *Channel) deregister(s *session, id string) {
	c.mu.Lock()
	delete(s.pending, id)
	c.mu.Unlock()
}

func (c *Channel) readLoop(s *session) {
	for msg := range s.unit.Inbound() {
		switch msg.Type {
		case TypeReady:
			c.handleReady(s, msg)
		case TypeResult, TypeError:
			c.dispatch(s, msg)
		default:
			c.logger.Warn("Unexpected message from inference unit",
				zap.String("message", describe(msg)))
		}
	}
	c.lose(s, nil)
}

func (c *Channel) handleReady(s *session, msg Message) {
	first := false
	s.readyOnce.Do(func() {
		first = true
		if !msg.Loaded {
			s.readyErr = fmt.Errorf("%w: %s", ErrModelLoad, msg.Error)
		}
		close(s.ready)
	})
	if !first {
		return
	}

	c.mu.Lock()
	current := c.sess == s && !s.dead
	if current {
		if msg.Loaded {
			c.state = StateReady
		} else {
			c.state = StateFaulted
		}
	}
	c.mu.Unlock()

	if msg.Loaded {
		c.logger.Info("Inference unit ready")
	} else {
		c.logger.Error("Inference unit failed to load model", zap.String("error", msg.Error))
	}
}

func (c *Channel) dispatch(s *session, msg Message) {
	c.mu.Lock()
	ch, ok := s.pending[msg.CorrelationID]
	if ok {
		delete(s.pending, msg.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping response with no pending request",
			zap.String("message", describe(msg)))
		return
	}
	ch <- reply{msg: msg}
}

// lose marks s dead and fails its pending calls with ErrUnitLost. cause is
// nil when the inbound stream closed.
func (c *Channel) lose(s *session, cause error) {
	c.mu.Lock()
	if s.dead {
		c.mu.Unlock()
		return
	}
	s.dead = true
	err := ErrUnitLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrUnitLost, cause)
	}
	n := c.failPending(s, err)
	if c.sess == s {
		c.state = StateFaulted
	}
	c.mu.Unlock()

	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
	c.logger.Error("Inference unit lost", zap.Int("failed_requests", n), zap.NamedError("cause", cause))
}

// failPending must be called with c.mu held.
func (c *Channel) failPending(s *session, err error) int {
	n := len(s.pending)
	for id, ch := range s.pending {
		ch <- reply{err: err}
		delete(s.pending, id)
	}
	return n
}
