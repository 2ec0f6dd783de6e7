package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"s7link/config"
	"s7link/logging"
	"s7link/plcman"
)

// Server is the REST API server.
type Server struct {
	manager *plcman.Manager
	config  *config.WebConfig
	metrics http.Handler
	log     zerolog.Logger
	server  *http.Server
	addr    net.Addr
	cleanup func()
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server. metrics may be nil.
func NewServer(manager *plcman.Manager, cfg *config.WebConfig, metrics http.Handler, log zerolog.Logger) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
		metrics: metrics,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for http.Server.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	metrics := s.metrics
	if !s.config.Metrics {
		metrics = nil
	}
	router, cleanup := NewRouter(s.manager, metrics)

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	s.server = srv
	s.addr = ln.Addr()
	s.cleanup = cleanup
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server stopped")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.log.Info().Str("address", "http://"+ln.Addr().String()).Msg("api listening")
	return nil
}

// Stop halts the HTTP server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	// Stop the SSE hub first so streaming handlers return.
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.addr = nil
	return err
}

// Address returns the server address. While running it reports the bound
// address, so a configured port of 0 resolves to the real one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != nil {
		return "http://" + s.addr.String()
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
