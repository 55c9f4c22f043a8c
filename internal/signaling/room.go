package signaling

// Room is a named set of participants whose playback actions are mirrored to
// each other. Created on first join, destroyed the moment it empties. Only the
// hub goroutine touches a Room.
type Room struct {
	// ID is the externally supplied room code, case-sensitive as supplied.
	ID string

	// Members maps participant ids to their connections.
	Members map[string]*Client
}

// NewRoom creates an empty room for the given code.
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		Members: make(map[string]*Client),
	}
}

// Roster returns the ids of every member except the given one.
func (r *Room) Roster(except string) []string {
	roster := make([]string, 0, len(r.Members))
	for id := range r.Members {
		if id != except {
			roster = append(roster, id)
		}
	}
	return roster
}
