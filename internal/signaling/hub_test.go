package signaling

import (
	"io"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newTestHub() *Hub {
	return NewHub(testLogger(), Options{
		HeartbeatInterval: time.Second,
		IdleTimeout:       2 * time.Second,
	})
}

// connect registers a fake client and consumes its identity message.
func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan *protocol.Envelope, 16)}
	h.addClient(c)

	env := recvEnv(t, c)
	if env.Type != protocol.TypeConnected {
		t.Fatalf("expected %s, got %s", protocol.TypeConnected, env.Type)
	}
	if env.ClientID == "" || env.ClientID != c.id {
		t.Fatalf("identity message carries id %q, client has %q", env.ClientID, c.id)
	}
	return c
}

// join sends a join-room and consumes the ack, returning its roster.
func join(t *testing.T, h *Hub, c *Client, roomID string) []string {
	t.Helper()
	h.handleMessage(c, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: roomID})

	env := recvEnv(t, c)
	if env.Type != protocol.TypeRoomJoined {
		t.Fatalf("expected %s, got %s", protocol.TypeRoomJoined, env.Type)
	}
	if env.RoomID != roomID {
		t.Fatalf("room-joined for %q, want %q", env.RoomID, roomID)
	}
	return env.OtherClients
}

func recvEnv(t *testing.T, c *Client) *protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return env
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func expectNoEnv(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.send:
		t.Fatalf("unexpected message %q", env.Type)
	default:
	}
}

func TestConnectAssignsDistinctIdentities(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)

	if a.id == b.id {
		t.Fatalf("both clients got id %q", a.id)
	}
	if len(h.clients) != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", len(h.clients))
	}
}

func TestJoinRoomRosterAndNotifications(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)

	if roster := join(t, h, a, "ABC1"); len(roster) != 0 {
		t.Fatalf("first joiner got roster %v", roster)
	}

	roster := join(t, h, b, "ABC1")
	if len(roster) != 1 || roster[0] != a.id {
		t.Fatalf("second joiner got roster %v, want [%s]", roster, a.id)
	}
	env := recvEnv(t, a)
	if env.Type != protocol.TypePeerJoined || env.PeerID != b.id {
		t.Fatalf("expected peer-joined for %s, got %s/%s", b.id, env.Type, env.PeerID)
	}

	roster = join(t, h, c, "ABC1")
	sort.Strings(roster)
	want := []string{a.id, b.id}
	sort.Strings(want)
	if len(roster) != 2 || roster[0] != want[0] || roster[1] != want[1] {
		t.Fatalf("third joiner got roster %v, want %v", roster, want)
	}
	recvEnv(t, a)
	recvEnv(t, b)

	if len(h.rooms["ABC1"].Members) != 3 {
		t.Fatalf("room has %d members, want 3", len(h.rooms["ABC1"].Members))
	}
}

func TestLeaveRoomAndDestroy(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a) // peer-joined b

	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeLeaveRoom})
	env := recvEnv(t, b)
	if env.Type != protocol.TypePeerLeft || env.PeerID != a.id {
		t.Fatalf("expected peer-left for %s, got %s/%s", a.id, env.Type, env.PeerID)
	}
	if a.roomID != "" {
		t.Fatalf("leaver still has room %q", a.roomID)
	}
	if _, ok := h.rooms["ABC1"]; !ok {
		t.Fatal("room destroyed while a member remains")
	}

	// Leaving with no room is a no-op.
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeLeaveRoom})
	expectNoEnv(t, b)

	h.handleMessage(b, &protocol.Envelope{Type: protocol.TypeLeaveRoom})
	if _, ok := h.rooms["ABC1"]; ok {
		t.Fatal("room not destroyed after last member left")
	}
}

func TestRoomIDReusedAfterDestroy(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	join(t, h, a, "ABC1")
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeLeaveRoom})

	b := connect(t, h)
	if roster := join(t, h, b, "ABC1"); len(roster) != 0 {
		t.Fatalf("fresh room returned roster %v", roster)
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "R1")
	join(t, h, b, "R1")
	recvEnv(t, a) // peer-joined b

	if roster := join(t, h, a, "R2"); len(roster) != 0 {
		t.Fatalf("got roster %v in fresh room", roster)
	}
	env := recvEnv(t, b)
	if env.Type != protocol.TypePeerLeft || env.PeerID != a.id {
		t.Fatalf("expected peer-left for %s, got %s/%s", a.id, env.Type, env.PeerID)
	}
	if len(h.rooms["R1"].Members) != 1 {
		t.Fatalf("old room has %d members, want 1", len(h.rooms["R1"].Members))
	}
	if a.roomID != "R2" {
		t.Fatalf("client in room %q, want R2", a.roomID)
	}
}

func TestTargetedRelayScopedToRoom(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)
	join(t, h, a, "R1")
	join(t, h, b, "R1")
	join(t, h, c, "R2")
	recvEnv(t, a) // peer-joined b

	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeOffer, TargetID: b.id, Payload: []byte(`{"sdp":"x"}`)})
	env := recvEnv(t, b)
	if env.Type != protocol.TypeOffer || env.SenderID != a.id {
		t.Fatalf("relay delivered %s with sender %q, want offer from %s", env.Type, env.SenderID, a.id)
	}

	// Target in a different room: silently dropped.
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeOffer, TargetID: c.id})
	expectNoEnv(t, c)

	// Unknown target: silently dropped, an expected race.
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeOffer, TargetID: "nobody"})

	// Self target: dropped.
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeOffer, TargetID: a.id})
	expectNoEnv(t, a)
}

func TestSyncEventBroadcast(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a)
	join(t, h, c, "ABC1")
	recvEnv(t, a)
	recvEnv(t, b)

	h.handleMessage(a, &protocol.Envelope{
		Type:  protocol.TypeSyncEvent,
		Event: &protocol.SyncEvent{Action: protocol.ActionPause, CurrentTime: 120.0},
	})

	for _, member := range []*Client{b, c} {
		env := recvEnv(t, member)
		if env.Type != protocol.TypeSyncEvent || env.SenderID != a.id {
			t.Fatalf("got %s with sender %q, want sync-event from %s", env.Type, env.SenderID, a.id)
		}
		if env.Event == nil || env.Event.Action != protocol.ActionPause || env.Event.CurrentTime != 120.0 {
			t.Fatalf("event mutated in transit: %+v", env.Event)
		}
	}
	expectNoEnv(t, a)
}

func TestSyncEventTargeted(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a)
	join(t, h, c, "ABC1")
	recvEnv(t, a)
	recvEnv(t, b)

	h.handleMessage(a, &protocol.Envelope{
		Type:     protocol.TypeSyncEvent,
		TargetID: b.id,
		Event: &protocol.SyncEvent{
			Action: protocol.ActionStateResponse,
			State:  &protocol.RoomSnapshot{CurrentTime: 42, Paused: true},
		},
	})

	env := recvEnv(t, b)
	if env.SenderID != a.id || env.Event.State.CurrentTime != 42 {
		t.Fatalf("targeted sync-event corrupted: %+v", env)
	}
	expectNoEnv(t, c)
}

func TestSyncEventRequiresRoomAndBody(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, b, "ABC1")

	// Not in a room: no-op.
	h.handleMessage(a, &protocol.Envelope{
		Type:  protocol.TypeSyncEvent,
		Event: &protocol.SyncEvent{Action: protocol.ActionPlay},
	})
	expectNoEnv(t, b)

	// No event body: discarded.
	join(t, h, a, "ABC1")
	recvEnv(t, b) // peer-joined a
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypeSyncEvent})
	expectNoEnv(t, b)
}

func TestHeartbeatProbeAndRecovery(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a)

	now := time.Now()
	h.sweep(now)
	for _, c := range []*Client{a, b} {
		env := recvEnv(t, c)
		if env.Type != protocol.TypePing {
			t.Fatalf("expected ping, got %s", env.Type)
		}
		if c.alive {
			t.Fatal("alive flag not cleared by sweep")
		}
	}

	// a answers the probe, b stays silent.
	h.handleMessage(a, &protocol.Envelope{Type: protocol.TypePong})
	if !a.alive {
		t.Fatal("pong did not refresh liveness")
	}

	h.sweep(now)
	if _, ok := h.clients[b.id]; ok {
		t.Fatal("unresponsive client not terminated")
	}
	if _, ok := h.clients[a.id]; !ok {
		t.Fatal("responsive client terminated")
	}

	// Termination performed ordinary leave cleanup.
	env := recvEnv(t, a)
	if env.Type != protocol.TypePing {
		t.Fatalf("expected ping, got %s", env.Type)
	}
	env = recvEnv(t, a)
	if env.Type != protocol.TypePeerLeft || env.PeerID != b.id {
		t.Fatalf("expected peer-left for %s, got %s/%s", b.id, env.Type, env.PeerID)
	}
	if len(h.rooms["ABC1"].Members) != 1 {
		t.Fatalf("room has %d members after termination, want 1", len(h.rooms["ABC1"].Members))
	}
}

func TestIdleTimeoutTerminatesDespiteAliveFlag(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	join(t, h, a, "ABC1")

	a.alive = true
	a.lastActivity = time.Now().Add(-3 * time.Second)
	h.sweep(time.Now())

	if _, ok := h.clients[a.id]; ok {
		t.Fatal("idle client not terminated")
	}
	if _, ok := h.rooms["ABC1"]; ok {
		t.Fatal("room not destroyed after its only member was terminated")
	}
}

func TestTerminationCleanupHappensOnce(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a)

	h.removeClient(b)
	env := recvEnv(t, a)
	if env.Type != protocol.TypePeerLeft || env.PeerID != b.id {
		t.Fatalf("expected peer-left for %s, got %s/%s", b.id, env.Type, env.PeerID)
	}

	// A second removal, e.g. the read pump unregistering after a forced
	// termination, must be a no-op.
	h.removeClient(b)
	expectNoEnv(t, a)

	// Late traffic from the removed connection is ignored.
	h.handleMessage(b, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "ABC1"})
	expectNoEnv(t, a)
}

func TestUnknownMessageTypeDiscarded(t *testing.T) {
	h := newTestHub()
	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "ABC1")
	join(t, h, b, "ABC1")
	recvEnv(t, a)

	h.handleMessage(a, &protocol.Envelope{Type: "mystery"})
	expectNoEnv(t, b)
	if _, ok := h.clients[a.id]; !ok {
		t.Fatal("unknown message type terminated the connection")
	}
}
