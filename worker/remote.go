package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"upscaler/inference"
)

// Remote is a unit hosted by a worker Server.
type Remote struct {
	conn   *websocket.Conn
	logger *zap.Logger
	out    chan inference.Message

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the worker unit endpoint at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	r := &Remote{
		conn:   conn,
		logger: logger.With(zap.String("worker", url)),
		out:    make(chan inference.Message, outboxSize),
		closed: make(chan struct{}),
	}
	go r.readPump()
	return r, nil
}

// Post sends msg to the remote unit.
func (r *Remote) Post(msg inference.Message) error {
	select {
	case <-r.closed:
		return ErrUnitClosed
	default:
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(msg)
}

// Inbound returns messages from the remote unit. It is closed when the
// connection ends.
func (r *Remote) Inbound() <-chan inference.Message { return r.out }

// Close sends a close frame and tears the connection down.
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.writeMu.Lock()
		r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func (r *Remote) readPump() {
	defer close(r.out)
	for {
		var msg inference.Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			select {
			case <-r.closed:
			default:
				r.logger.Warn("Worker connection lost", zap.Error(err))
			}
			return
		}
		select {
		case r.out <- msg:
		case <-r.closed:
			return
		}
	}
}

// RemoteFactory returns a factory dialing url for each new unit.
func RemoteFactory(url string, logger *zap.Logger) inference.UnitFactory {
	return func(ctx context.Context) (inference.Unit, error) {
		return Dial(ctx, url, logger)
	}
}
