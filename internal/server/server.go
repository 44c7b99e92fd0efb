// Package server wraps the relay's HTTP surface (WebSocket upgrades and
// the health endpoint) in the same Config/New/Run/Shutdown shape used
// throughout grinrelay's supervisors.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/grinrelay/grinrelay/internal/logging"
)

// Config holds configuration for creating a new Server.
type Config struct {
	BindAddress string
	Handler     http.Handler
	Logger      *slog.Logger
}

// Server binds a single listener and serves the relay's HTTP handler
// (WebSocket upgrades plus /healthz) until the context is cancelled.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// New creates a new Server with the given configuration.
func New(sc Config) (*Server, error) {
	if sc.BindAddress == "" {
		return nil, errors.New("server: bind address required")
	}
	if sc.Handler == nil {
		return nil, errors.New("server: handler required")
	}
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger("info")
	}
	return &Server{addr: sc.BindAddress, handler: sc.Handler, logger: logger}, nil
}

// Run starts the listener and blocks until the context is cancelled or
// the listener fails. A cancelled context always yields a nil error.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.srv = &http.Server{Handler: s.handler}
	httpSrv := s.srv
	s.mu.Unlock()

	s.logger.Info("relay listening", slog.String("address", s.addr))

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.logger.Info("relay server shutting down")
		_ = httpSrv.Shutdown(context.Background())
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server, waiting for in-flight HTTP
// requests to finish. Upgraded WebSocket connections are hijacked from
// the server, so they are neither closed nor waited for here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
