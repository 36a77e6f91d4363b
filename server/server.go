// Package server runs the single listening endpoint. Upgrade requests go to
// the hub and everything else to the plain router, so both surfaces share
// one port.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	gohttp "github.com/panyam/collabws/http"
	"github.com/panyam/collabws/hub"
	"github.com/panyam/collabws/shutdown"
	"github.com/rs/zerolog"
)

// Server owns the listener, the http.Server and the heartbeat.
type Server struct {
	hub       *hub.Hub
	heartbeat *hub.Heartbeat
	plain     http.Handler
	logger    zerolog.Logger

	listener   net.Listener
	httpServer *http.Server
}

// New wires the hub, its heartbeat and the plain handler together.
func New(h *hub.Hub, hb *hub.Heartbeat, plain http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		hub:       h,
		heartbeat: hb,
		plain:     plain,
		logger:    logger.With().Str("component", "server").Logger(),
	}
	s.httpServer = &http.Server{Handler: s}
	return s
}

// ServeHTTP dispatches by request kind.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if gohttp.IsUpgradeRequest(r) {
		s.hub.ServeHTTP(w, r)
		return
	}
	s.plain.ServeHTTP(w, r)
}

// Listen binds addr. A failure here is fatal for the process.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve starts the heartbeat and serves until the http.Server is shut down.
// A graceful shutdown returns nil.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.heartbeat.Start()
	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("listening")
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("server error")
	}
	return err
}

// Register adds the drain steps to c in order: stop probing, drain the
// connections, then stop the listener.
func (s *Server) Register(c *shutdown.Coordinator) {
	c.Add("heartbeat", func(context.Context) error {
		s.heartbeat.Stop()
		return nil
	})
	c.Add("connections", s.hub.Close)
	c.Add("listener", s.httpServer.Shutdown)
}
