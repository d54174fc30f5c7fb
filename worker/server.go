package worker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"upscaler/inference"
)

// Connection settings shared by Server and Remote.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 256 << 20
)

// Server hosts a Local unit per websocket connection at /unit.
type Server struct {
	load     Loader
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// unitConn serializes writes; gorilla allows one concurrent writer.
type unitConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *unitConn) write(msg inference.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(msg)
}

// NewServer creates a server whose units load models with load.
func NewServer(load Loader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		load:   load,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// units are reached by the pipeline process, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux:   http.NewServeMux(),
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.mux.HandleFunc("GET /unit", s.handleUnit)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer returns an *http.Server for addr serving s.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
}

// ConnectionCount returns the number of open unit connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client. Their units are closed as the
// connections unwind.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return nil
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade unit connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With(zap.String("remote_addr", r.RemoteAddr))
	logger.Info("Unit connection opened")

	unit := NewLocal(s.load, logger)
	uc := &unitConn{Conn: conn}
	go s.writePump(uc, unit, logger)
	s.readPump(uc, unit, logger)

	unit.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	logger.Info("Unit connection closed")
}

// readPump forwards client requests to the unit until the connection ends.
func (s *Server) readPump(conn *unitConn, unit *Local, logger *zap.Logger) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Unexpected close error", zap.Error(err))
			}
			return
		}
		var msg inference.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Invalid unit message", zap.Error(err))
			continue
		}
		if err := unit.Post(msg); err != nil {
			if msg.CorrelationID != "" {
				conn.write(inference.ErrorMessage(msg.CorrelationID, err))
			}
		}
	}
}

// writePump sends unit output and keepalive pings.
func (s *Server) writePump(conn *unitConn, unit *Local, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-unit.Inbound():
			if !ok {
				return
			}
			if err := conn.write(msg); err != nil {
				logger.Debug("Write error", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
