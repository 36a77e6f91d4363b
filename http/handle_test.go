package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

type testServer struct {
	*httptest.Server
	handles chan *Handle
}

// newTestServer upgrades every request, lets setup configure the handle and
// then runs its read loop.
func newTestServer(t *testing.T, setup func(h *Handle)) *testServer {
	t.Helper()
	config := DefaultWSConnConfig()
	config.WriteWait = time.Second
	return newTestServerWithConfig(t, config, setup)
}

func newTestServerWithConfig(t *testing.T, config *WSConnConfig, setup func(h *Handle)) *testServer {
	t.Helper()
	ts := &testServer{handles: make(chan *Handle, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		h, err := Upgrade(rw, req, config, nil)
		if err != nil {
			return
		}
		if setup != nil {
			setup(h)
		}
		ts.handles <- h
		h.Run(context.Background())
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(NormalizeWsUrl(ts.URL)+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFinished(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not finish")
	}
}

func (ts *testServer) nextHandle(t *testing.T) *Handle {
	t.Helper()
	select {
	case h := <-ts.handles:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// ============================================================================
// Handle Tests
// ============================================================================

func TestHandle_Metadata(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "/doc-1")
	h := ts.nextHandle(t)

	assert.Len(t, h.ConnId(), 10)
	assert.Equal(t, "/doc-1", h.Path())
	assert.NotEmpty(t, h.RemoteAddr())
	assert.WithinDuration(t, time.Now(), h.UpgradedAt(), 2*time.Second)
	assert.Equal(t, Alive, h.Liveness().State())

	info, ok := h.DebugInfo().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, h.ConnId(), info["connId"])
}

func TestHandle_EchoThroughWriter(t *testing.T) {
	ts := newTestServer(t, func(h *Handle) {
		h.SetMessageHandler(func(msgType MessageType, data []byte) error {
			return h.Send(msgType, data)
		})
	})
	conn := ts.dial(t, "/")
	ts.nextHandle(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestHandle_DropsOwnFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	require.NoError(t, h.SendOutbound(Outbound{Type: TextMessage, Data: []byte("self"), From: h.ConnId()}))
	require.NoError(t, h.SendOutbound(Outbound{Type: TextMessage, Data: []byte("other"), From: "someone"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "other", string(data))
}

func TestHandle_PongAcksProbe(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	// the client's default ping handler answers while it is reading
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Equal(t, SendProbe, h.Liveness().Tick())
	require.NoError(t, h.Ping())
	require.Eventually(t, func() bool {
		return h.Liveness().State() == Alive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandle_NotifyThenClose(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	require.NoError(t, h.Notify(ErrorEnvelope("boom")))
	h.Close(CloseInternalError, "Internal server error")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "boom", env.Error)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
}

func TestHandle_CloseObserversRunOnce(t *testing.T) {
	var calls atomic.Int32
	ts := newTestServer(t, func(h *Handle) {
		h.OnClose(func() { calls.Add(1) })
	})
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	h.Terminate()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not finish")
	}
	assert.Equal(t, int32(1), calls.Load())

	// late observers run immediately
	late := false
	h.OnClose(func() { late = true })
	assert.True(t, late)
	assert.Equal(t, int32(1), calls.Load())

	assert.ErrorIs(t, h.Send(TextMessage, []byte("x")), ErrHandleClosed)
}

func TestHandle_MessageHandlerErrorCloses(t *testing.T) {
	ts := newTestServer(t, func(h *Handle) {
		h.SetMessageHandler(func(MessageType, []byte) error {
			return assert.AnError
		})
	})
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not finish")
	}
}

func TestHandle_PeerCloseWithTransportOpen(t *testing.T) {
	var calls atomic.Int32
	ts := newTestServer(t, func(h *Handle) {
		h.OnClose(func() { calls.Add(1) })
	})
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	// close frame only; the client keeps its TCP connection
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	waitFinished(t, h)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandle_LocalCloseFinishes(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	h.Close(CloseNormal, "done")
	waitFinished(t, h)
	assert.ErrorIs(t, h.Send(TextMessage, []byte("late")), ErrHandleClosed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandle_TerminateFinishes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "/")
	h := ts.nextHandle(t)

	require.NoError(t, h.Terminate())
	waitFinished(t, h)
	assert.ErrorIs(t, h.SendEnvelope(WelcomeEnvelope("hi")), ErrHandleClosed)
}

func TestHandle_ContextCancelClosesGoingAway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handles := make(chan *Handle, 1)
	config := DefaultWSConnConfig()
	config.WriteWait = time.Second
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		h, err := Upgrade(rw, req, config, nil)
		if err != nil {
			return
		}
		handles <- h
		h.Run(ctx)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(NormalizeWsUrl(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()
	h := <-handles

	cancel()
	waitFinished(t, h)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHandle_ReadLimit(t *testing.T) {
	config := DefaultWSConnConfig()
	config.WriteWait = time.Second
	config.ReadLimit = 16
	ts := newTestServerWithConfig(t, config, nil)
	conn := ts.dial(t, "/")
	h := ts.nextHandle(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 64)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	waitFinished(t, h)
}

func TestHandle_ControlDeadlineCapped(t *testing.T) {
	h := &Handle{config: &WSConnConfig{WriteWait: time.Second, ControlWait: time.Minute}}
	assert.WithinDuration(t, time.Now().Add(time.Second), h.controlDeadline(), 100*time.Millisecond)

	h.config.ControlWait = 100 * time.Millisecond
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), h.controlDeadline(), 50*time.Millisecond)

	h.config.ControlWait = 0
	assert.WithinDuration(t, time.Now().Add(time.Second), h.controlDeadline(), 100*time.Millisecond)
}

func TestHandle_WriteFailureClosesHandle(t *testing.T) {
	config := DefaultWSConnConfig()
	config.WriteWait = 100 * time.Millisecond
	ts := newTestServerWithConfig(t, config, nil)
	ts.dial(t, "/") // never reads, so the socket buffers fill up
	h := ts.nextHandle(t)

	frame := make([]byte, 1<<20)
	deadline := time.Now().Add(5 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = h.Send(BinaryMessage, frame); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrHandleClosed)
	waitFinished(t, h)

	info := h.DebugInfo().(map[string]any)
	assert.Equal(t, true, info["writeError"])
}
