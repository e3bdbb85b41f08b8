package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPServer manages the JSON API server lifecycle. The address is bound at
// construction so a busy port fails startup instead of a background
// goroutine.
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds addr and prepares handler for serving.
func NewHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &HTTPServer{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests. Blocks until stopped.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx ends.
func (s *HTTPServer) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
