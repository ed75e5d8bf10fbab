// Package httpserver is the optional local status endpoint: liveness,
// readiness against the robot session, build info, session status and
// Prometheus metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

var ErrServerClosed = http.ErrServerClosed

const requestIDHeader = "X-Request-ID"

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Options wires the status endpoints to the running bridge.
type Options struct {
	Addr  string
	Build BuildInfo
	// Ready reports whether a robot session is currently connected.
	Ready func() bool
	// Status returns the JSON document served on /status.
	Status func() any
	// Metrics serves /metrics; nil leaves the route out.
	Metrics http.Handler
}

type Server struct {
	log  *slog.Logger
	opts Options
	mux  *http.ServeMux
	srv  *http.Server
}

func New(opts Options, logger *slog.Logger) *Server {
	if opts.Ready == nil {
		opts.Ready = func() bool { return false }
	}
	if opts.Status == nil {
		opts.Status = func() any { return struct{}{} }
	}
	s := &Server{log: logger, opts: opts, mux: http.NewServeMux()}

	routes := map[string]http.HandlerFunc{
		"GET /healthz": s.healthz,
		"GET /readyz":  s.readyz,
		"GET /version": func(w http.ResponseWriter, _ *http.Request) { WriteJSON(w, http.StatusOK, s.opts.Build) },
		"GET /status":  func(w http.ResponseWriter, _ *http.Request) { WriteJSON(w, http.StatusOK, s.opts.Status()) },
	}
	for pattern, h := range routes {
		s.mux.Handle(pattern, h)
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           http.HandlerFunc(s.serve),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Mux exposes the route table for extra handlers. Register before Serve.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) Serve(l net.Listener) error {
	s.log.Info("status server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) Close() error { return s.srv.Close() }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.opts.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]any{"ready": ready})
}

// recorder remembers the status code for the access log.
type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// serve tags the request with an ID, recovers handler panics and logs the
// outcome at debug level.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(requestIDHeader, id)
	}
	w.Header().Set(requestIDHeader, id)

	rec := &recorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in http handler", "request_id", id, "recover", p, "stack", string(debug.Stack()))
			http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		s.log.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", id,
		)
	}()
	s.mux.ServeHTTP(rec, r)
}

// WriteJSON writes v with the given status and a JSON Content-Type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
