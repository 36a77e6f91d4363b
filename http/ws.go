package http

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
)

// Close codes used by the connection shell.
const (
	CloseNormal        = websocket.CloseNormalClosure     // 1000
	CloseGoingAway     = websocket.CloseGoingAway         // 1001
	CloseInternalError = websocket.CloseInternalServerErr // 1011
)

// WSConnConfig controls upgrade behaviour and per-connection timing.
type WSConnConfig struct {
	// Upgrader handles the HTTP to WebSocket protocol upgrade. Origin
	// admission happens before Upgrade is called, so CheckOrigin accepts all.
	Upgrader websocket.Upgrader

	// WriteWait bounds every data write.
	// Default: 10 seconds.
	WriteWait time.Duration

	// ControlWait bounds ping and close frames. It is capped at WriteWait
	// and should stay well below the heartbeat period so one stalled peer
	// cannot hold up a sweep or a drain.
	// Default: 5 seconds.
	ControlWait time.Duration

	// ReadLimit caps the size of an inbound frame. Zero means no limit.
	ReadLimit int64
}

// DefaultWSConnConfig returns a WSConnConfig with sensible defaults:
//   - ReadBufferSize: 1024 bytes
//   - WriteBufferSize: 1024 bytes
//   - CheckOrigin: allows all origins (admission is decided by the caller)
//   - compression disabled
//   - WriteWait: 10 seconds
//   - ControlWait: 5 seconds
func DefaultWSConnConfig() *WSConnConfig {
	return &WSConnConfig{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: false,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		WriteWait:   10 * time.Second,
		ControlWait: 5 * time.Second,
	}
}

// IsUpgradeRequest reports whether r asks to be promoted to a WebSocket.
func IsUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Upgrade promotes the request and wraps the result in a Handle. On failure
// the upgrader has already written an HTTP error response.
func Upgrade(rw http.ResponseWriter, req *http.Request, config *WSConnConfig, header http.Header) (*Handle, error) {
	if config == nil {
		config = DefaultWSConnConfig()
	}
	conn, err := config.Upgrader.Upgrade(rw, req, header)
	if err != nil {
		return nil, err
	}
	return NewHandle(conn, req, config), nil
}

// Run reads frames until the connection ends, dispatching each to the
// installed MessageHandler. When Run returns the transport is closed and
// every close observer has run exactly once.
//
// Run returns nil for a normal or going-away close and for a locally
// initiated close; other read errors are returned.
func (h *Handle) Run(ctx context.Context) error {
	reader := conc.NewReader(func() (Inbound, error) {
		msgType, data, err := h.conn.ReadMessage()
		return Inbound{Type: MessageType(msgType), Data: data}, err
	})
	readerDone := false
	defer func() {
		// finish closes the transport, which ends a pending read.
		h.finish()
		if !readerDone {
			drainReader(reader)
		}
		reader.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			h.Close(CloseGoingAway, "Server shutting down")
			return ctx.Err()
		case err := <-reader.ClosedChan():
			// Reads on a closed socket only surface here.
			readerDone = true
			return h.readError(err)
		case result := <-reader.OutputChan():
			if result.Error != nil {
				return h.readError(result.Error)
			}
			handler := h.messageHandler()
			if handler == nil {
				continue
			}
			if err := handler(result.Value.Type, result.Value.Data); err != nil {
				h.Close(CloseInternalError, "Internal server error")
				return err
			}
		}
	}
}

// drainReader discards pending frames until the reader's goroutine has
// reported its terminal error, so Stop never races a late send.
func drainReader[T any](r *conc.Reader[T]) {
	for {
		select {
		case <-r.OutputChan():
		case <-r.ClosedChan():
			return
		}
	}
}

func (h *Handle) readError(err error) error {
	if err == nil || h.closing.Load() || err == io.EOF || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return nil
		}
	}
	return err
}
