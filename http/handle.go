package http

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"
)

// ErrHandleClosed is returned by Send when the connection is already closed.
var ErrHandleClosed = errors.New("connection handle closed")

// Outbound is a data frame queued on a Handle's Writer.
type Outbound struct {
	Type MessageType
	Data []byte

	// From is the ConnId of the handle that produced the frame. A handle
	// drops frames that it produced itself, which lets collaborators fan a
	// frame out to a whole room without special-casing the sender.
	From string
}

// Inbound is a data frame read from the peer.
type Inbound struct {
	Type MessageType
	Data []byte
}

// MessageHandler receives every data frame read from the peer. Returning an
// error closes the connection with an internal-error code.
type MessageHandler func(msgType MessageType, data []byte) error

// Handle is one accepted WebSocket connection. It owns the transport, the
// liveness state machine and the close observers.
//
// Writes are serialized: data frames go through a gocurrent Writer, and the
// synchronous Notify path shares the same write lock. Control frames (ping,
// close) use WriteControl which gorilla allows concurrently with other writes,
// bounded by the shorter ControlWait.
//
// The Writer is only ever stopped by finish. A failed data write marks the
// handle dead and terminates the transport instead of ending the Writer, so
// the read loop ends and the close observers run.
type Handle struct {
	conn       *websocket.Conn
	config     *WSConnConfig
	connId     string
	remoteAddr string
	path       string
	upgradedAt time.Time

	liveness Liveness
	pingId   atomic.Int64

	writeMu     sync.Mutex
	writer      *conc.Writer[Outbound]
	writeFailed atomic.Bool

	mu        sync.RWMutex
	onMessage MessageHandler
	observers []func()
	finished  bool

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewHandle wraps an upgraded connection. The handle starts Alive and its
// pong handler drives the Probed -> Alive transition.
func NewHandle(conn *websocket.Conn, req *http.Request, config *WSConnConfig) *Handle {
	if config == nil {
		config = DefaultWSConnConfig()
	}
	h := &Handle{
		conn:       conn,
		config:     config,
		connId:     gut.RandString(10, ""),
		remoteAddr: conn.RemoteAddr().String(),
		upgradedAt: time.Now(),
		done:       make(chan struct{}),
	}
	if req != nil && req.URL != nil {
		h.path = req.URL.Path
	}
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		h.liveness.Ack()
		return nil
	})
	h.writer = conc.NewWriter(h.writeOutbound, conc.WithInputBuffer[Outbound](outboundBuffer))
	return h
}

// outboundBuffer is the number of data frames queued ahead of the socket.
const outboundBuffer = 32

func (h *Handle) writeOutbound(msg Outbound) error {
	if msg.From != "" && msg.From == h.connId {
		return nil
	}
	if h.writeFailed.Load() {
		return nil
	}
	if err := h.write(msg.Type, msg.Data); err != nil {
		h.writeFailed.Store(true)
		h.Terminate()
	}
	return nil
}

// ConnId returns the connection's unique identity.
func (h *Handle) ConnId() string { return h.connId }

// RemoteAddr returns the peer address, for diagnostics only.
func (h *Handle) RemoteAddr() string { return h.remoteAddr }

// Path returns the request path the connection was upgraded on.
func (h *Handle) Path() string { return h.path }

// UpgradedAt returns when the upgrade completed.
func (h *Handle) UpgradedAt() time.Time { return h.upgradedAt }

// Liveness returns the heartbeat state machine for this connection.
func (h *Handle) Liveness() *Liveness { return &h.liveness }

// Done is closed once the connection has finished and its observers have run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// DebugInfo returns debug information about the connection.
func (h *Handle) DebugInfo() any {
	info := map[string]any{
		"connId":     h.connId,
		"remoteAddr": h.remoteAddr,
		"path":       h.path,
		"upgradedAt": h.upgradedAt,
		"liveness":   h.liveness.State().String(),
		"pingId":     h.pingId.Load(),
		"closing":    h.closing.Load(),
		"writeError": h.writeFailed.Load(),
	}
	if h.writer != nil {
		info["writer"] = h.writer.DebugInfo()
	}
	return info
}

// SetMessageHandler installs the receiver for inbound data frames.
func (h *Handle) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *Handle) messageHandler() MessageHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onMessage
}

// OnClose registers fn to run once when the connection finishes, whoever
// closed it. Observers run in registration order. Registering on a handle
// that has already finished runs fn immediately.
func (h *Handle) OnClose(fn func()) {
	h.mu.Lock()
	if !h.finished {
		h.observers = append(h.observers, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// Send queues a data frame on the connection's Writer.
func (h *Handle) Send(msgType MessageType, data []byte) error {
	return h.SendOutbound(Outbound{Type: msgType, Data: data})
}

// SendOutbound queues a frame, keeping its From marker.
func (h *Handle) SendOutbound(msg Outbound) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.finished || h.closing.Load() || h.writeFailed.Load() {
		return ErrHandleClosed
	}
	if !h.writer.Send(msg) {
		return ErrHandleClosed
	}
	return nil
}

// SendEnvelope queues a server envelope.
func (h *Handle) SendEnvelope(env Envelope) error {
	data, msgType, err := EnvelopeCodec.Encode(env)
	if err != nil {
		return err
	}
	return h.Send(msgType, data)
}

// Notify writes an envelope synchronously and reports the write result.
// Used on the failure path where the frame must go out before Close.
func (h *Handle) Notify(env Envelope) error {
	data, msgType, err := EnvelopeCodec.Encode(env)
	if err != nil {
		return err
	}
	return h.write(msgType, data)
}

func (h *Handle) write(msgType MessageType, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait)); err != nil {
		return err
	}
	return h.conn.WriteMessage(int(msgType), data)
}

// Ping sends a probe. The payload is a running probe counter.
func (h *Handle) Ping() error {
	id := h.pingId.Add(1)
	payload := []byte(strconv.FormatInt(id, 10))
	return h.conn.WriteControl(websocket.PingMessage, payload, h.controlDeadline())
}

func (h *Handle) controlDeadline() time.Time {
	wait := h.config.ControlWait
	if wait <= 0 || wait > h.config.WriteWait {
		wait = h.config.WriteWait
	}
	return time.Now().Add(wait)
}

// Close sends a close frame with code and reason, then closes the transport.
// The read loop observes the closed transport and runs the close observers.
func (h *Handle) Close(code int, reason string) error {
	h.closing.Store(true)
	msg := websocket.FormatCloseMessage(code, reason)
	err := h.conn.WriteControl(websocket.CloseMessage, msg, h.controlDeadline())
	if cerr := h.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Terminate closes the transport without a close handshake.
func (h *Handle) Terminate() error {
	h.closing.Store(true)
	return h.conn.Close()
}

// finish runs exactly once when the read loop ends.
func (h *Handle) finish() {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.conn.Close()

		h.mu.Lock()
		h.finished = true
		observers := h.observers
		h.observers = nil
		h.mu.Unlock()

		h.writer.Stop()
		for _, fn := range observers {
			fn()
		}
		close(h.done)
	})
}
