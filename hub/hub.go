// Package hub accepts WebSocket connections, keeps the registry of live ones,
// runs the heartbeat that reaps silent peers and drains everything on
// shutdown.
//
// The accept path for one connection is:
//  1. origin admission (origin.Policy)
//  2. upgrade to a gohttp.Handle, liveness Alive
//  3. Registry.Add and a close observer that removes the handle again
//  4. Collaborator.Attach inside an isolating boundary
//  5. the handle's read loop until the connection ends
//
// Registration always completes before the read loop starts, and the close
// observers only run when the read loop ends, so a connection can never be
// removed before it was added.
package hub

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	gohttp "github.com/panyam/collabws/http"
	"github.com/panyam/collabws/origin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrDraining is reported to upgrade requests that arrive during shutdown.
	ErrDraining = status.Error(codes.Unavailable, "server is shutting down")

	// ErrOriginRejected is reported to refused cross-origin upgrade requests.
	ErrOriginRejected = status.Error(codes.PermissionDenied, "origin not allowed")
)

// Peer-facing texts.
const (
	WelcomeMessage      = "Connected to sync server"
	AttachFailedMessage = "Failed to set up sync connection"
	InternalErrorReason = "Internal server error"
	ShutdownReason      = "Server shutting down"
)

// Option configures a Hub.
type Option func(*Hub)

// WithPolicy sets the origin admission policy. Default: permit all.
func WithPolicy(p *origin.Policy) Option {
	return func(h *Hub) { h.policy = p }
}

// WithConfig sets the upgrade and per-connection configuration.
func WithConfig(c *gohttp.WSConnConfig) Option {
	return func(h *Hub) { h.config = c }
}

// WithLogger sets the logger. Default: disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithWelcome sets the welcome text sent after a successful attach. An empty
// string disables the welcome envelope.
func WithWelcome(msg string) Option {
	return func(h *Hub) { h.welcome = msg }
}

// Hub is the http.Handler for upgrade requests.
type Hub struct {
	registry     *Registry
	collaborator Collaborator
	policy       *origin.Policy
	config       *gohttp.WSConnConfig
	logger       zerolog.Logger
	metrics      *Metrics
	welcome      string

	draining atomic.Bool
}

// New creates a hub that registers connections in registry and hands them to
// collaborator.
func New(registry *Registry, collaborator Collaborator, opts ...Option) *Hub {
	h := &Hub{
		registry:     registry,
		collaborator: collaborator,
		policy:       origin.PermitAll(),
		config:       gohttp.DefaultWSConnConfig(),
		logger:       zerolog.Nop(),
		welcome:      WelcomeMessage,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "hub").Logger()
	return h
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Draining reports whether Close has been called.
func (h *Hub) Draining() bool { return h.draining.Load() }

// ServeHTTP admits, upgrades and serves one connection. It blocks until the
// connection ends.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if h.draining.Load() {
		gohttp.SendJsonResponse(rw, nil, ErrDraining)
		return
	}

	decision := h.policy.Admit(req.Header.Get("Origin"))
	header := http.Header{}
	if decision.AllowOrigin != "" {
		header.Set("Access-Control-Allow-Origin", decision.AllowOrigin)
	}
	if h.policy.Vary() {
		header.Set("Vary", "Origin")
	}

	if !decision.Admitted {
		h.metrics.originRejected()
		refuse := h.policy.RefuseRejected()
		h.logger.Warn().
			Str("origin", decision.Origin).
			Str("remote", req.RemoteAddr).
			Bool("refused", refuse).
			Msg("origin not admitted")
		if refuse {
			for k, v := range header {
				rw.Header()[k] = v
			}
			gohttp.SendJsonResponse(rw, nil, ErrOriginRejected)
			return
		}
	}

	conn, err := gohttp.Upgrade(rw, req, h.config, header)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("upgrade failed")
		return
	}
	h.serve(conn, req)
}

func (h *Hub) serve(conn *gohttp.Handle, req *http.Request) {
	ctx := req.Context()
	log := h.logger.With().Str("conn", conn.ConnId()).Str("remote", conn.RemoteAddr()).Logger()

	if err := h.registry.Add(conn); err != nil {
		log.Error().Err(err).Msg("registry invariant violated")
		conn.Close(gohttp.CloseInternalError, InternalErrorReason)
		conn.Run(ctx)
		return
	}
	conn.OnClose(func() {
		if h.registry.Remove(conn) {
			log.Info().Int("remaining", h.registry.Size()).Msg("connection closed")
		}
	})
	if h.draining.Load() {
		// Close may have taken its snapshot before this Add.
		conn.Close(gohttp.CloseGoingAway, ShutdownReason)
		conn.Run(ctx)
		return
	}

	log.Info().
		Str("path", conn.Path()).
		Time("upgradedAt", conn.UpgradedAt()).
		Int("total", h.registry.Size()).
		Msg("new connection")

	if err := attachIsolated(ctx, h.collaborator, conn, req); err != nil {
		h.metrics.attachFailed()
		log.Error().Err(err).Msg("attach failed")
		if nerr := conn.Notify(gohttp.ErrorEnvelope(AttachFailedMessage)); nerr != nil {
			log.Warn().Err(nerr).Msg("error sending error message to client")
		}
		conn.Close(gohttp.CloseInternalError, InternalErrorReason)
	} else {
		log.Debug().Msg("attached")
		if h.welcome != "" {
			if err := conn.SendEnvelope(gohttp.WelcomeEnvelope(h.welcome)); err != nil {
				log.Warn().Err(err).Msg("error sending welcome message")
			}
		}
	}

	if err := conn.Run(ctx); err != nil {
		log.Debug().Err(err).Interface("state", conn.DebugInfo()).Msg("read loop ended")
	}
}

// Close stops admitting upgrades, asks every registered connection to close
// with a going-away code and waits until the registry is empty or ctx is done.
// Calling Close again only waits.
func (h *Hub) Close(ctx context.Context) error {
	if h.draining.CompareAndSwap(false, true) {
		members := h.registry.Snapshot()
		h.logger.Info().Int("closing", len(members)).Msg("hub draining")

		// Close frames go out concurrently; each is bounded by ControlWait.
		var wg sync.WaitGroup
		for _, m := range members {
			wg.Add(1)
			go func(m Member) {
				defer wg.Done()
				m.Close(gohttp.CloseGoingAway, ShutdownReason)
			}(m)
		}
		closed := make(chan struct{})
		go func() {
			wg.Wait()
			close(closed)
		}()
		select {
		case <-closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := h.registry.WaitEmpty(ctx); err != nil {
		return err
	}
	h.logger.Info().Msg("hub closed")
	return nil
}
