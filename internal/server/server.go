// Package server exposes the Voxmirror boundary: the streaming WebSocket
// endpoint the dubbing clients connect to, the admin REST surface over the
// voice registry, and the health/metrics endpoints.
//
// The admin routes only ever read the registry cache and session stats
// snapshots; nothing here touches the per-chunk pipeline hot path.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxmirror/voxmirror/internal/health"
	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

// shutdownTimeout bounds the graceful HTTP drain when Run's context ends.
const shutdownTimeout = 10 * time.Second

// Config holds the server's listen settings and the per-session pipeline
// template.
type Config struct {
	// ListenAddr is the address the HTTP server binds, e.g. ":8080".
	ListenAddr string

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// Session is the template applied to every new session. SessionID,
	// TargetLanguage, SourceLanguage, and PreserveVoice are filled per
	// connection from the start_dubbing message.
	Session session.Config
}

// Deps bundles what the server serves from.
type Deps struct {
	Sessions *session.Manager

	// Store backs the admin REST surface and voice-clone bookkeeping.
	// Usually a [registry.Cache].
	Store registry.Store

	// Synthesizer handles voice-clone requests. Cloning runs out of band,
	// never inside a session pipeline.
	Synthesizer synthesis.Provider

	// Metrics is optional; nil disables the HTTP middleware and binding
	// override counters.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Server is the HTTP/WebSocket boundary of the dubbing service.
type Server struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	health *health.Handler
}

// New creates a Server. The registry store doubles as the readiness probe:
// without it speakers cannot be bound to voices, so an unreachable registry
// makes the service not ready.
func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		health: health.New(health.RegistryChecker(deps.Store)),
	}
}

// Handler assembles the full route table. The WebSocket route sits outside
// the observability middleware: the middleware's response recorder would
// break the connection hijack, and a span per multi-minute connection is
// useless anyway.
func (s *Server) Handler() http.Handler {
	admin := http.NewServeMux()
	s.health.Register(admin)
	admin.Handle("GET /metrics", promhttp.Handler())
	s.registerAdmin(admin)

	var adminHandler http.Handler = admin
	if s.deps.Metrics != nil {
		adminHandler = observe.Middleware(s.deps.Metrics)(admin)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", adminHandler)
	return root
}

// Run serves until ctx is cancelled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	s.log.Info("server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSCertFile != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}
