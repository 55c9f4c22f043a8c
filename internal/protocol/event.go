package protocol

import "fmt"

// SyncEvent is a playback action to be reproduced by every other participant.
// It is transported verbatim and never mutated in transit.
type SyncEvent struct {
	Action      string        `json:"action"`
	CurrentTime float64       `json:"currentTime,omitempty"`
	SkipAmount  float64       `json:"skipAmount,omitempty"`
	Timestamp   int64         `json:"timestamp,omitempty"`
	State       *RoomSnapshot `json:"state,omitempty"`
}

// Playback actions.
const (
	ActionPlay          = "play"
	ActionPause         = "pause"
	ActionSeek          = "seek"
	ActionSkipForward   = "skip-forward"
	ActionSkipBackward  = "skip-backward"
	ActionStateRequest  = "state-request"
	ActionStateResponse = "state-response"
	ActionSyncToState   = "sync-to-state"
)

// RoomSnapshot is a point-in-time playback state, produced by the video
// adapter and used to bring a late joiner up to date.
type RoomSnapshot struct {
	CurrentTime float64 `json:"currentTime"`
	Paused      bool    `json:"paused"`
	Duration    float64 `json:"duration"`
}

// Describe renders a short human-readable summary of the event, used by the
// server's room activity log.
func (e *SyncEvent) Describe() string {
	switch e.Action {
	case ActionStateRequest:
		return "requesting room state"
	case ActionStateResponse:
		if e.State == nil {
			return "sharing state"
		}
		mode := "playing"
		if e.State.Paused {
			mode = "paused"
		}
		return fmt.Sprintf("sharing state (%s at %.2fs)", mode, e.State.CurrentTime)
	case ActionSkipForward, ActionSkipBackward:
		skip := e.SkipAmount
		if skip < 0 {
			skip = -skip
		}
		return fmt.Sprintf("%s %.0fs to %.2fs", e.Action, skip, e.CurrentTime)
	case ActionSeek:
		return fmt.Sprintf("seek to %.2fs", e.CurrentTime)
	default:
		return fmt.Sprintf("%s at %.2fs", e.Action, e.CurrentTime)
	}
}
