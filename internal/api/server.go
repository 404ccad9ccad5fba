package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/scheduler"
)

// Controller is the engine surface the server steers.
type Controller interface {
	Pause()
	Unpause()
	Stop()
	Remove(key string) bool
	Status() scheduler.Status
}

// Config tunes the control server.
type Config struct {
	// APIKey, when set, is required on every request via X-API-Key or ?api_key=.
	APIKey         string
	RequestTimeout time.Duration
	// Middleware runs inside the router, after the built-in middleware.
	Middleware []func(http.Handler) http.Handler
}

// Server wires HTTP handlers to a Controller.
type Server struct {
	router  chi.Router
	ctrl    Controller
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metrics and
// progress may be nil.
func NewServer(ctrl Controller, metrics http.Handler, progress ProgressSource, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		ctrl:    ctrl,
		metrics: metrics,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}
	for _, mw := range cfg.Middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.serveMetrics)

	progressHandler := NewProgressHandler(progress, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/pause", s.pause)
		r.Post("/unpause", s.unpause)
		r.Post("/stop", s.stop)
		r.Delete("/tasks", s.removeTask)
		r.Delete("/tasks/{key}", s.removeTask)
		r.Get("/progress", progressHandler.ListTasks)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports 503 once the engine has stopped dispatching.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl.Status().State == scheduler.StateStopped.String() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Pause()
	s.logger.Info("dispatch paused via API")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) unpause(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Unpause()
	s.logger.Info("dispatch resumed via API")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	s.logger.Info("stop requested via API")
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

// removeTask takes the key from the path, or from ?key= for keys containing
// slashes such as download URLs.
func (s *Server) removeTask(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	removed := s.ctrl.Remove(key)
	s.logger.Info("remove requested via API", zap.String("key", key), zap.Bool("removed", removed))
	writeJSON(w, http.StatusOK, removeResponse{Key: key, Removed: removed})
}

type removeResponse struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
