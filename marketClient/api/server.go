package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Server serves the read-only bounty API and, when configured, /metrics.
type Server struct {
	client  MarketClientInterface
	metrics http.Handler
	logger  zerolog.Logger
	server  *http.Server
	done    chan struct{}
}

// NewServer creates a new Server instance. metrics may be nil, in which case
// /metrics is not served.
func NewServer(client MarketClientInterface, metrics http.Handler, logger zerolog.Logger, port int) *Server {
	s := &Server{
		client:  client,
		metrics: metrics,
		logger:  logger.With().Str("component", "query_server").Logger(),
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start binds the port and serves in the background. A port that is already
// taken is reported here rather than from the serving goroutine.
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("query server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("query server error")
			return
		}
		s.logger.Info().Msg("query server closed")
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("query server started")
	return nil
}

// Stop drains in-flight requests, then closes the listener.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.done != nil {
		<-s.done
	}
	return err
}
