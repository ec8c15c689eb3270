package proto

import "encoding/json"

const (
	// Relay websocket path, appended to the configured relay base URL.
	SocketPath = "/ws/chat"

	// REST API prefix.
	APIPrefix = "/api/v1"
)

// Frame is the wire type for everything that crosses the relay socket, in
// both directions: one JSON object per websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Data = b
	return f, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
