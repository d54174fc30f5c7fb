package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// FetchRequest is the body of POST /fetch.
type FetchRequest struct {
	URL string `json:"url"`
}

// FetchResponse is returned by POST /fetch. Failures are reported in-band
// with Success=false.
type FetchResponse struct {
	Success     bool   `json:"success"`
	Data        string `json:"data,omitempty"` // base64
	ContentType string `json:"contentType,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Fetcher is implemented by Direct and Client.
type Fetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, string, error)
}

// maxRequestBytes bounds the JSON request body.
const maxRequestBytes = 64 << 10

// Server serves privileged fetches over HTTP.
type Server struct {
	fetcher Fetcher
	logger  *zap.Logger
	limiter *Limiter
	mux     *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLimiter rejects clients with too many failed fetches.
func WithLimiter(l *Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// NewServer wraps fetcher. A nil logger discards output.
func NewServer(fetcher Fetcher, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{fetcher: fetcher, logger: logger, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /fetch", s.handleFetch)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer returns an *http.Server for addr serving s.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	client := clientKey(r)

	if s.limiter != nil {
		if ok, wait := s.limiter.Allow(client); !ok {
			s.logger.Warn("privileged fetch blocked",
				zap.String("client", client),
				zap.Duration("retry_after", wait))
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", wait.Seconds()))
			writeJSON(w, http.StatusTooManyRequests, FetchResponse{
				Error: fmt.Sprintf("too many failed fetches, retry in %v", wait.Round(time.Second)),
			})
			return
		}
	}

	var req FetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, FetchResponse{Error: "invalid request body"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, FetchResponse{Error: "url is required"})
		return
	}

	data, contentType, err := s.fetcher.FetchImage(r.Context(), req.URL)
	if err != nil {
		s.logger.Warn("privileged fetch failed",
			zap.String("url", req.URL),
			zap.String("client", client),
			zap.Error(err))
		if s.limiter != nil {
			s.limiter.RecordFailure(client)
		}
		writeJSON(w, http.StatusOK, FetchResponse{Error: err.Error()})
		return
	}

	if s.limiter != nil {
		s.limiter.Reset(client)
	}
	s.logger.Debug("privileged fetch",
		zap.String("url", req.URL),
		zap.String("content_type", contentType),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.Duration("duration", time.Since(start)))

	writeJSON(w, http.StatusOK, FetchResponse{
		Success:     true,
		Data:        base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
