// Package relay is a minimal synchronization collaborator. Every connection
// joins the room named by its request path and each frame it sends is
// forwarded verbatim to the other members of that room. No merging or
// persistence happens here.
package relay

import (
	"context"
	"net/http"
	"strings"
	"sync"

	gohttp "github.com/panyam/collabws/http"
	"github.com/rs/zerolog"
)

// TooLargeMessage is the error envelope text sent for dropped oversized frames.
const TooLargeMessage = "Message too large"

// Options configures a Relay.
type Options struct {
	// MaxMessageBytes drops frames larger than this. Zero means no limit.
	MaxMessageBytes int64

	Logger *zerolog.Logger
}

// Relay fans frames out between the members of per-document rooms.
type Relay struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*gohttp.Handle
}

// New creates an empty relay.
func New(opts Options) *Relay {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Relay{
		opts:   opts,
		logger: logger.With().Str("component", "relay").Logger(),
		rooms:  make(map[string]map[string]*gohttp.Handle),
	}
}

// DocumentName maps a request path to a room key. All empty or root paths
// share the "/" room.
func DocumentName(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	return path
}

// Attach joins conn to its document's room and installs the forwarding
// handler. It implements hub.Collaborator.
func (r *Relay) Attach(ctx context.Context, conn *gohttp.Handle, req *http.Request) error {
	doc := DocumentName(conn.Path())
	r.join(doc, conn)
	conn.OnClose(func() { r.leave(doc, conn) })

	conn.SetMessageHandler(func(msgType gohttp.MessageType, data []byte) error {
		if r.opts.MaxMessageBytes > 0 && int64(len(data)) > r.opts.MaxMessageBytes {
			r.logger.Warn().
				Str("doc", doc).
				Str("conn", conn.ConnId()).
				Int("size", len(data)).
				Msg("dropping oversized frame")
			if err := conn.SendEnvelope(gohttp.ErrorEnvelope(TooLargeMessage)); err != nil {
				r.logger.Debug().Err(err).Msg("error sending error message to client")
			}
			return nil
		}
		r.broadcast(doc, gohttp.Outbound{Type: msgType, Data: data, From: conn.ConnId()})
		return nil
	})
	r.logger.Debug().Str("doc", doc).Str("conn", conn.ConnId()).Int("members", r.Members(doc)).Msg("joined")
	return nil
}

// Rooms returns the number of documents with at least one member.
func (r *Relay) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Members returns the member count of doc's room.
func (r *Relay) Members(doc string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[doc])
}

func (r *Relay) join(doc string, conn *gohttp.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[doc]
	if !ok {
		room = make(map[string]*gohttp.Handle)
		r.rooms[doc] = room
	}
	room[conn.ConnId()] = conn
}

func (r *Relay) leave(doc string, conn *gohttp.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[doc]
	if room[conn.ConnId()] != conn {
		return
	}
	delete(room, conn.ConnId())
	if len(room) == 0 {
		delete(r.rooms, doc)
	}
}

func (r *Relay) broadcast(doc string, msg gohttp.Outbound) {
	r.mu.RLock()
	members := make([]*gohttp.Handle, 0, len(r.rooms[doc]))
	for _, m := range r.rooms[doc] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		// The sender's own handle drops frames carrying its id.
		if err := m.SendOutbound(msg); err != nil {
			r.logger.Debug().Err(err).Str("conn", m.ConnId()).Msg("skipping closed member")
		}
	}
}
