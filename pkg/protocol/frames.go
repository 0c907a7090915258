package protocol

import "encoding/json"

// ProtocolVersion is bumped when frame shapes change incompatibly.
const ProtocolVersion = 1

// MaxFrameBytes caps a single WebSocket frame in either direction.
// Oversized frames close the connection.
const MaxFrameBytes = 5 * 1024 * 1024

// ServerFrame is the envelope for every message pushed to a client.
type ServerFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ClientFrame is the envelope for messages received from a client.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client frame types.
const (
	ClientSubscribe = "subscribe"
	ClientPing      = "ping"
	ClientChat      = "chat"
	ClientVoice     = "voice"
)

// Server frame types that are not broadcast-hub events.
const (
	ServerPong          = "pong"
	ServerStream        = "stream"
	ServerAudio         = "audio"
	ServerTranscription = "transcription"
)
