package inference

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"upscaler/tensor"
)

// fakeUnit is an in-memory Unit driven by the test.
type fakeUnit struct {
	mu      sync.Mutex
	in      chan Message
	posted  chan Message
	closed  bool
	postErr error
}

func newFakeUnit() *fakeUnit {
	return &fakeUnit{
		in:     make(chan Message, 16),
		posted: make(chan Message, 16),
	}
}

func (u *fakeUnit) Post(m Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.New("unit closed")
	}
	if u.postErr != nil {
		return u.postErr
	}
	u.posted <- m
	return nil
}

func (u *fakeUnit) Inbound() <-chan Message { return u.in }

func (u *fakeUnit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.in)
	}
	return nil
}

// send delivers m to the channel unless the unit is closed.
func (u *fakeUnit) send(m Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.in <- m
	}
}

func (u *fakeUnit) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *fakeUnit) nextPost(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-u.posted:
		return m
	case <-time.After(2 * time.Second):
		t.Error("no message posted")
		return Message{}
	}
}

// factory hands out fresh fake units and records them.
type factory struct {
	mu    sync.Mutex
	units []*fakeUnit
	fail  atomic.Bool
	ready bool
}

func (f *factory) create(context.Context) (Unit, error) {
	if f.fail.Load() {
		return nil, errors.New("no worker available")
	}
	u := newFakeUnit()
	if f.ready {
		u.send(ReadyMessage(nil))
	}
	f.mu.Lock()
	f.units = append(f.units, u)
	f.mu.Unlock()
	return u, nil
}

func (f *factory) unit(i int) *fakeUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[i]
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

func input2x1() tensor.Tensor {
	return tensor.Tensor{Data: []float32{1, 0, 0, 0, 0, 1}, Shape: tensor.NewShape(1, 2)}
}

// double answers a run with a tensor twice the size, filled with fill.
func double(req Message, fill float32) Message {
	h, w := req.Shape[2]*2, req.Shape[3]*2
	out := tensor.Tensor{Shape: tensor.NewShape(h, w)}
	out.Data = make([]float32, out.Shape.Len())
	for i := range out.Data {
		out.Data[i] = fill
	}
	return ResultMessage(req.CorrelationID, out)
}

func newTestChannel(t *testing.T, f *factory, timeout time.Duration) *Channel {
	t.Helper()
	c := NewChannel(f.create, Config{Timeout: timeout, Mode: "quality"}, zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall_RoundTrip(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)

	go func() {
		u := waitUnit(t, f, 0)
		req := u.nextPost(t)
		u.send(double(req, 0.5))
	}()

	resp, err := c.Call(context.Background(), input2x1())
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Output.Width() != 4 || resp.Output.Height() != 2 {
		t.Errorf("output shape = %v", resp.Output.Shape)
	}
	if !regexp.MustCompile(`^\d+-[0-9a-f-]{36}$`).MatchString(resp.CorrelationID) {
		t.Errorf("correlation id = %q", resp.CorrelationID)
	}
	if st := c.Status(); st.Pending != 0 || !st.Ready {
		t.Errorf("status = %+v", st)
	}
}

func waitUnit(t *testing.T, f *factory, i int) *fakeUnit {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.count() <= i {
		if time.Now().After(deadline) {
			t.Error("unit not created")
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return f.unit(i)
}

func TestCall_PassesModeAndTensor(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)

	done := make(chan Message, 1)
	go func() {
		u := waitUnit(t, f, 0)
		req := u.nextPost(t)
		done <- req
		u.send(double(req, 0))
	}()
	if _, err := c.Call(context.Background(), input2x1()); err != nil {
		t.Fatal(err)
	}
	req := <-done
	if req.Type != TypeRun || req.Mode != "quality" || len(req.TensorData) != 6 {
		t.Errorf("posted %+v", req)
	}
}

func TestCall_TimeoutNotBeforeDeadline(t *testing.T) {
	f := &factory{ready: true}
	timeout := 80 * time.Millisecond
	c := newTestChannel(t, f, time.Minute)

	start := time.Now()
	_, err := c.CallWithTimeout(context.Background(), input2x1(), timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != timeout {
		t.Fatalf("error = %#v", err)
	}
	if elapsed < timeout {
		t.Errorf("failed after %v, before the %v deadline", elapsed, timeout)
	}
	if st := c.Status(); st.Pending != 0 {
		t.Errorf("pending after timeout = %d", st.Pending)
	}

	// the unit is not terminated and a late answer is dropped
	u := f.unit(0)
	late := u.nextPost(t)
	u.send(double(late, 1))
	if u.isClosed() {
		t.Error("unit closed after timeout")
	}

	go func() {
		req := u.nextPost(t)
		u.send(double(req, 0.25))
	}()
	resp, err := c.Call(context.Background(), input2x1())
	if err != nil {
		t.Fatalf("Call() after timeout error = %v", err)
	}
	if resp.Output.Data[0] != 0.25 {
		t.Errorf("got late response data %v", resp.Output.Data[0])
	}
	if f.count() != 1 {
		t.Errorf("units created = %d, want 1", f.count())
	}
}

func TestCall_IdentifierIsolation(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, 2*time.Second)

	type outcome struct {
		resp *Response
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := c.Call(context.Background(), input2x1())
			results <- outcome{resp, err}
		}()
	}

	u := waitUnit(t, f, 0)
	first, second := u.nextPost(t), u.nextPost(t)
	if first.CorrelationID == second.CorrelationID {
		t.Fatalf("duplicate correlation id %q", first.CorrelationID)
	}

	// answer in reverse order, each with a distinct payload
	u.send(double(second, 0.2))
	u.send(double(first, 0.1))

	want := map[string]float32{first.CorrelationID: 0.1, second.CorrelationID: 0.2}
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatalf("Call() error = %v", o.err)
		}
		if got := o.resp.Output.Data[0]; got != want[o.resp.CorrelationID] {
			t.Errorf("request %s got %v, want %v", o.resp.CorrelationID, got, want[o.resp.CorrelationID])
		}
	}
}

func TestCall_InferenceError(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)

	go func() {
		u := waitUnit(t, f, 0)
		req := u.nextPost(t)
		u.send(ErrorMessage(req.CorrelationID, errors.New("out of memory")))
	}()

	_, err := c.Call(context.Background(), input2x1())
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Message != "out of memory" || !errors.Is(err, ErrInference) {
		t.Errorf("error = %v", err)
	}
}

func TestCall_InvalidResultShape(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)

	go func() {
		u := waitUnit(t, f, 0)
		req := u.nextPost(t)
		u.send(Message{Type: TypeResult, CorrelationID: req.CorrelationID, TensorData: []float32{1}, Shape: []int{1, 3, 2, 2}})
	}()

	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrInference) {
		t.Errorf("error = %v, want ErrInference", err)
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitUnit(t, f, 0).nextPost(t)
		cancel()
	}()
	if _, err := c.Call(ctx, input2x1()); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if st := c.Status(); st.Pending != 0 {
		t.Errorf("pending = %d", st.Pending)
	}
}

func TestCall_RejectsInvalidInput(t *testing.T) {
	f := &factory{}
	c := newTestChannel(t, f, time.Second)
	if _, err := c.Call(context.Background(), tensor.Tensor{}); !errors.Is(err, tensor.ErrInvalidTensor) {
		t.Errorf("error = %v", err)
	}
	if f.count() != 0 {
		t.Error("unit created for invalid input")
	}
}

func TestWarmup_States(t *testing.T) {
	f := &factory{}
	c := newTestChannel(t, f, time.Second)

	if st := c.Status(); st.State != StateUninitialized || st.Ready || st.Loaded {
		t.Fatalf("initial status = %+v", st)
	}

	go func() {
		u := waitUnit(t, f, 0)
		if st := c.Status(); st.State != StateInitializing {
			t.Errorf("state before ready = %v", st.State)
		}
		u.send(ReadyMessage(nil))
	}()

	if err := c.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	if st := c.Status(); st.State != StateReady || !st.Ready || !st.Loaded {
		t.Errorf("status = %+v", st)
	}

	// a second ready is ignored
	f.unit(0).send(ReadyMessage(errors.New("ignored")))
	time.Sleep(10 * time.Millisecond)
	if st := c.Status(); st.State != StateReady {
		t.Errorf("state after duplicate ready = %v", st.State)
	}
}

func TestWarmup_LoadFailureRecovers(t *testing.T) {
	f := &factory{}
	c := newTestChannel(t, f, time.Second)

	go func() {
		waitUnit(t, f, 0).send(ReadyMessage(errors.New("artifact missing")))
	}()
	err := c.Warmup(context.Background())
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("Warmup() error = %v, want ErrModelLoad", err)
	}
	if st := c.Status(); st.State != StateFaulted || st.Loaded {
		t.Errorf("status = %+v", st)
	}

	// next call replaces the faulted unit
	f.ready = true
	go func() {
		u := waitUnit(t, f, 1)
		req := u.nextPost(t)
		u.send(double(req, 0))
	}()
	if _, err := c.Call(context.Background(), input2x1()); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !f.unit(0).isClosed() {
		t.Error("faulted unit not closed")
	}
	if st := c.Status(); st.State != StateReady {
		t.Errorf("state = %v", st.State)
	}
}

func TestCall_FactoryError(t *testing.T) {
	f := &factory{ready: true}
	f.fail.Store(true)
	c := newTestChannel(t, f, time.Second)

	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrUnitCreate) {
		t.Fatalf("error = %v, want ErrUnitCreate", err)
	}
	if st := c.Status(); st.State != StateFaulted || st.Ready {
		t.Errorf("status = %+v", st)
	}

	f.fail.Store(false)
	go func() {
		u := waitUnit(t, f, 0)
		req := u.nextPost(t)
		u.send(double(req, 0))
	}()
	if _, err := c.Call(context.Background(), input2x1()); err != nil {
		t.Errorf("retry error = %v", err)
	}
}

func TestCall_UnitLost(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Minute)

	go func() {
		u := waitUnit(t, f, 0)
		u.nextPost(t)
		u.Close()
	}()
	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrUnitLost) {
		t.Fatalf("error = %v, want ErrUnitLost", err)
	}
	if st := c.Status(); st.State != StateFaulted || st.Ready {
		t.Errorf("status = %+v", st)
	}

	go func() {
		u := waitUnit(t, f, 1)
		req := u.nextPost(t)
		u.send(double(req, 0))
	}()
	if _, err := c.Call(context.Background(), input2x1()); err != nil {
		t.Errorf("call after unit loss = %v", err)
	}
}

func TestCall_PostFailure(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.unit(0).mu.Lock()
	f.unit(0).postErr = errors.New("broken pipe")
	f.unit(0).mu.Unlock()

	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrUnitLost) {
		t.Errorf("error = %v, want ErrUnitLost", err)
	}
	if st := c.Status(); st.State != StateFaulted {
		t.Errorf("state = %v", st.State)
	}
}

func TestCall_BusyUnitKeepsSession(t *testing.T) {
	f := &factory{ready: true}
	c := newTestChannel(t, f, time.Second)
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	u := f.unit(0)
	u.mu.Lock()
	u.postErr = fmt.Errorf("%w: queue full", ErrUnitBusy)
	u.mu.Unlock()

	_, err := c.Call(context.Background(), input2x1())
	if !errors.Is(err, ErrUnitBusy) || errors.Is(err, ErrUnitLost) {
		t.Fatalf("error = %v, want ErrUnitBusy only", err)
	}
	if st := c.Status(); st.State != StateReady {
		t.Errorf("state = %v, want ready", st.State)
	}
	if u.isClosed() {
		t.Error("busy unit was closed")
	}

	u.mu.Lock()
	u.postErr = nil
	u.mu.Unlock()
	go func() {
		req := u.nextPost(t)
		u.send(double(req, 0))
	}()
	if _, err := c.Call(context.Background(), input2x1()); err != nil {
		t.Errorf("call after busy rejection = %v", err)
	}
	if n := f.count(); n != 1 {
		t.Errorf("units created = %d, want 1", n)
	}
}

func TestClose_FailsPending(t *testing.T) {
	f := &factory{ready: true}
	c := NewChannel(f.create, Config{Timeout: time.Minute}, nil)

	go func() {
		waitUnit(t, f, 0).nextPost(t)
		c.Close()
	}()
	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("pending error = %v, want ErrChannelClosed", err)
	}
	if _, err := c.Call(context.Background(), input2x1()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("after close error = %v", err)
	}
	if !f.unit(0).isClosed() {
		t.Error("unit not closed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateFaulted:       "faulted",
		State(9):           "unknown(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
