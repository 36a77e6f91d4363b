package http

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// MessageType represents the WebSocket frame type
type MessageType int

const (
	// TextMessage denotes a text data message (UTF-8 encoded)
	TextMessage MessageType = websocket.TextMessage // 1

	// BinaryMessage denotes a binary data message
	BinaryMessage MessageType = websocket.BinaryMessage // 2
)

// Codec handles encoding/decoding of messages over WebSocket.
// The type parameters I and O represent input (received) and output (sent) message types.
// Note: Pings are handled at the transport layer (Handle), not by codecs.
type Codec[I any, O any] interface {
	// Decode converts raw WebSocket data into a typed input message.
	// msgType indicates whether the data was received as text or binary.
	Decode(data []byte, msgType MessageType) (I, error)

	// Encode converts a typed output message to raw bytes for sending.
	// Returns the encoded bytes and the appropriate message type (text/binary).
	Encode(msg O) ([]byte, MessageType, error)
}

// ============================================================================
// Envelope - server generated control payloads
// ============================================================================

// Envelope types sent by the connection shell itself. Everything else on the
// wire belongs to the synchronization collaborator.
const (
	TypeWelcome = "welcome"
	TypeError   = "error"
)

// Envelope is the JSON payload the server sends on its own behalf, e.g. the
// welcome note after attach or the error note before an internal-error close.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WelcomeEnvelope builds the greeting sent after a successful attach.
func WelcomeEnvelope(msg string) Envelope {
	return Envelope{Type: TypeWelcome, Message: msg}
}

// ErrorEnvelope builds the note sent to a peer before closing it on failure.
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

// EnvelopeCodec is the codec used for Envelope frames.
var EnvelopeCodec Codec[Envelope, Envelope] = &TypedJSONCodec[Envelope, Envelope]{}

// ============================================================================
// TypedJSONCodec - Strongly-typed JSON messages
// ============================================================================

// TypedJSONCodec handles encoding/decoding of strongly-typed JSON messages.
type TypedJSONCodec[I any, O any] struct{}

// Decode unmarshals JSON data into a typed value.
func (c *TypedJSONCodec[I, O]) Decode(data []byte, msgType MessageType) (I, error) {
	var out I
	err := json.Unmarshal(data, &out)
	return out, err
}

// Encode marshals a typed value to JSON bytes.
func (c *TypedJSONCodec[I, O]) Encode(msg O) ([]byte, MessageType, error) {
	data, err := json.Marshal(msg)
	return data, TextMessage, err
}

var _ Codec[Envelope, Envelope] = (*TypedJSONCodec[Envelope, Envelope])(nil)
