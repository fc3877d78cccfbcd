package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/codes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxRequestBytes bounds the body of an execute request.
const maxRequestBytes = 8 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RowsAffected is set when a statement failed after changing rows.
	RowsAffected *int64 `json:"rows_affected,omitempty"`
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	server  *http.Server
	router  chi.Router
	svc     *Service
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewHTTPServer builds the router. Everything under /v1 requires credentials
// when authn is a real authenticator; /health never does.
func NewHTTPServer(svc *Service, authn auth.Authenticator, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		svc:    svc,
		logger: logger.With("component", "HTTPServer"),
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/execute", s.handleExecute)
		r.Post("/flush", s.handleFlush)
		r.Get("/stats", s.handleStats)
	})
	s.router = r
	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start serves on lis until Stop. It's a blocking call.
func (s *HTTPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("HTTP API listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP API failed", "error", err)
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting up to timeout for requests
// in flight.
func (s *HTTPServer) Stop(timeout time.Duration) {
	s.logger.Info("Stopping HTTP API...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP API shutdown failed", "error", err)
	} else {
		s.logger.Info("HTTP API stopped gracefully.")
	}
}

// requestID takes the caller's X-Request-ID or assigns a new one, echoes it
// in the response and logs the request.
func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestIDOrNew(r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(WithRequestID(r.Context(), id)))
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start), "request_id", id)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, invalidf("malformed JSON: %v", err), nil)
		return
	}
	res, err := s.svc.Execute(r.Context(), &req)
	if err != nil {
		s.writeError(w, err, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Flush(r.Context()); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error, partial *ResultResponse) {
	st := ToStatus(err)
	body := ErrorResponse{Code: st.Code().String(), Message: st.Message()}
	if partial != nil {
		body.RowsAffected = &partial.RowsAffected
	}
	status := HTTPStatus(st.Code())
	if st.Code() == codes.Internal {
		s.logger.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, body)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
