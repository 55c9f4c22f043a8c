package protocol

import "encoding/json"

// Envelope is the wire format for every message on the room/session layer,
// in both directions. Only the fields relevant to a given Type are set.
type Envelope struct {
	Type string `json:"type"`

	// ClientID carries the server-assigned identity on a "connected" message.
	ClientID string `json:"clientId,omitempty"`

	// RoomID is set on join-room and room-joined.
	RoomID string `json:"roomId,omitempty"`

	// OtherClients is the roster returned with room-joined: every current
	// member of the room except the joiner.
	OtherClients []string `json:"otherClients,omitempty"`

	// PeerID identifies the subject of a peer-joined / peer-left notification.
	PeerID string `json:"peerId,omitempty"`

	// TargetID addresses a message to one participant. The server relays it
	// only if the target is in the sender's room.
	TargetID string `json:"targetId,omitempty"`

	// SenderID is attached by the server on every relayed or broadcast
	// delivery. Clients never set it.
	SenderID string `json:"senderId,omitempty"`

	// Payload carries opaque signaling data (SDP, ICE candidates).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event is set on sync-event messages.
	Event *SyncEvent `json:"event,omitempty"`
}

// Message types.
const (
	TypeConnected    = "connected"
	TypeJoinRoom     = "join-room"
	TypeRoomJoined   = "room-joined"
	TypeLeaveRoom    = "leave-room"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeSyncEvent    = "sync-event"
	TypePing         = "ping"
	TypePong         = "pong"
)

// IsSignal reports whether t is one of the relayed handshake message types.
func IsSignal(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}
