package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/internal/config"
)

// Server runs the HTTP and WebSocket intake for the batching gateway.
type Server struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	httpServer *http.Server
	wsServer   *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	up := NewUpstream(cfg.UpstreamURL, cfg.GetRequestTimeoutDuration(), logger)

	dispatcher, err := NewDispatcher(cfg, up, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Start starts the HTTP and WebSocket servers
func (s *Server) Start() error {
	httpAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.WSPort)

	s.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      NewHandler(s.dispatcher, s.logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.wsServer = &http.Server{
		Addr:        wsAddr,
		Handler:     NewWSHandler(s.dispatcher, s.logger),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", wsAddr).Msg("starting WebSocket server")
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server: intake first, then the batchers are
// flushed and drained before being closed.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr, wsErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}

	if err := s.dispatcher.Drain(ctx); err != nil {
		s.logger.Error().Err(err).Msg("error draining batchers")
	}
	s.dispatcher.Close()

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}
	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
