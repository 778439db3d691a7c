package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
)

// Options configures a Server.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// DefaultMode is used by connect requests that name no mode.
	DefaultMode arbiter.Mode
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Version  string
	Logger   *zap.Logger
}

// Server is the HTTP API server. Relay and Auditor may be nil.
type Server struct {
	mu         sync.Mutex
	httpServer *http.Server
	sessions   SessionPort
	relay      RelayPort
	telemetry  TelemetryPort
	decider    *Decider
	creds      *CredentialDesk
	audit      Auditor
	opts       Options
	log        *zap.Logger
	startTime  time.Time
}

// Deps are the components the server exposes.
type Deps struct {
	Sessions  SessionPort
	Relay     RelayPort
	Telemetry TelemetryPort
	Decider   *Decider
	// Credentials completes interactive relay logins; nil disables them.
	Credentials *CredentialDesk
	Audit       Auditor
}

// NewServer creates a server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		sessions:  deps.Sessions,
		relay:     deps.Relay,
		telemetry: deps.Telemetry,
		decider:   deps.Decider,
		creds:     deps.Credentials,
		audit:     deps.Audit,
		opts:      opts,
		log:       opts.Logger,
		startTime: time.Now(),
	}
}

// Handler returns the complete handler with middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	return withCorrelation(s.logRequests(mux))
}

// Serve serves on l until Stop. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info("api listening", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("correlationId", CorrelationID(r.Context())))
	})
}
