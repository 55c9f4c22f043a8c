package mesh

import "github.com/vmihailenco/msgpack/v5"

// Frame is the envelope for all direct-link data channel messages.
type Frame struct {
	Type     string             `msgpack:"type"`
	SenderID string             `msgpack:"senderId"`
	Payload  msgpack.RawMessage `msgpack:"payload"`
}

// Frame types.
const (
	FrameSyncEvent = "sync-event"
)

// DecodePayload decodes the frame payload into the provided struct.
func (f Frame) DecodePayload(v any) error {
	return msgpack.Unmarshal(f.Payload, v)
}

// NewFrame creates a new Frame with the given type and payload.
func NewFrame(t, senderID string, payload any) (Frame, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Type:     t,
		SenderID: senderID,
		Payload:  b,
	}, nil
}
