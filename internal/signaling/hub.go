package signaling

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/protocol"
)

// inboundMessage pairs a decoded envelope with the connection it arrived on.
type inboundMessage struct {
	client *Client
	env    *protocol.Envelope
}

// Options configures the hub's timers. A zero interval disables that timer.
type Options struct {
	// HeartbeatInterval is how often the liveness sweep runs and probes are
	// sent.
	HeartbeatInterval time.Duration

	// IdleTimeout bounds how long a connection may go without any inbound
	// traffic before it is terminated. Should exceed HeartbeatInterval.
	IdleTimeout time.Duration

	// StatusInterval is how often a roster summary is logged.
	StatusInterval time.Duration
}

// Hub is the central brain of the relay server: the single source of truth
// for who is in which room. All room and connection state is owned by the
// goroutine running Run, so no locking is needed.
type Hub struct {
	log  *logrus.Logger
	opts Options

	// rooms maps room codes to active rooms.
	rooms map[string]*Room

	// clients maps participant ids to live connections.
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	done       chan struct{}
}

// NewHub creates a hub with the given timer configuration.
func NewHub(log *logrus.Logger, opts Options) *Hub {
	return &Hub{
		log:        log,
		opts:       opts,
		rooms:      make(map[string]*Room),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		inbound:    make(chan inboundMessage),
	}
}

// NewClient builds a server-side client for an accepted websocket connection.
// The caller must register it and start its pumps.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan *protocol.Envelope, sendBuffSize),
	}
}

// Register hands a new connection to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Run is the hub's main processing loop. It owns all state; every mutation of
// rooms and clients happens here, including the heartbeat sweep, so joins and
// leaves can never race with broadcasts.
func (h *Hub) Run() {
	var heartbeatC, statusC <-chan time.Time
	if h.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}
	if h.opts.StatusInterval > 0 {
		ticker := time.NewTicker(h.opts.StatusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.inbound:
			h.handleMessage(msg.client, msg.env)

		case <-heartbeatC:
			h.sweep(time.Now())

		case <-statusC:
			h.logStatus()

		case <-h.done:
			return
		}
	}
}

// Stop terminates the Run loop.
func (h *Hub) Stop() {
	close(h.done)
}

// addClient assigns a fresh participant id and sends the identity message.
func (h *Hub) addClient(c *Client) {
	c.id = ulid.Make().String()
	c.alive = true
	c.lastActivity = time.Now()
	h.clients[c.id] = c

	h.log.WithField("client", c.id).Info("Client connected")

	c.trySend(&protocol.Envelope{
		Type:     protocol.TypeConnected,
		ClientID: c.id,
	})
}

// removeClient performs the full disconnect cleanup: leave the room, discard
// the record, and close the outbound queue. Safe to call more than once for
// the same client; only the first call has any effect.
func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}

	h.leaveRoom(c)
	delete(h.clients, c.id)
	close(c.send)

	h.log.WithField("client", c.id).Info("Client disconnected")
}

// handleMessage processes one inbound envelope. Any traffic refreshes the
// connection's liveness state.
func (h *Hub) handleMessage(c *Client, env *protocol.Envelope) {
	if _, ok := h.clients[c.id]; !ok {
		// Raced with a forced termination; the connection is already gone.
		return
	}

	c.alive = true
	c.lastActivity = time.Now()

	switch env.Type {
	case protocol.TypePing:
		c.trySend(&protocol.Envelope{Type: protocol.TypePong})

	case protocol.TypePong:
		// Liveness already refreshed above.

	case protocol.TypeJoinRoom:
		if env.RoomID == "" {
			h.log.WithField("client", c.id).Warn("Discarding join-room without a room id")
			return
		}
		h.joinRoom(c, env.RoomID)

	case protocol.TypeLeaveRoom:
		h.leaveRoom(c)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		h.log.WithFields(logrus.Fields{
			"type":   env.Type,
			"sender": c.id,
			"target": env.TargetID,
		}).Debug("Relaying handshake message")
		h.relayToTarget(c, env)

	case protocol.TypeSyncEvent:
		h.handleSyncEvent(c, env)

	default:
		h.log.WithFields(logrus.Fields{
			"type":   env.Type,
			"client": c.id,
		}).Warn("Discarding message of unknown type")
	}
}

// joinRoom adds the connection to the named room, creating it if absent. A
// connection already in a room leaves it first.
func (h *Hub) joinRoom(c *Client, roomID string) {
	if c.roomID != "" {
		h.leaveRoom(c)
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = NewRoom(roomID)
		h.rooms[roomID] = room
		h.log.WithField("room", roomID).Info("Room created")
	}

	roster := room.Roster(c.id)
	room.Members[c.id] = c
	c.roomID = roomID

	h.log.WithFields(logrus.Fields{
		"client":  c.id,
		"room":    roomID,
		"members": len(room.Members),
	}).Info("Client joined room")

	c.trySend(&protocol.Envelope{
		Type:         protocol.TypeRoomJoined,
		RoomID:       roomID,
		OtherClients: roster,
	})

	h.broadcastToRoom(c, &protocol.Envelope{
		Type:   protocol.TypePeerJoined,
		PeerID: c.id,
	})
}

// leaveRoom removes the connection from its room, destroying the room if it
// empties, and notifies the remaining members. No-op when not in a room.
func (h *Hub) leaveRoom(c *Client) {
	if c.roomID == "" {
		return
	}

	roomID := c.roomID
	if room, ok := h.rooms[roomID]; ok {
		delete(room.Members, c.id)

		h.log.WithFields(logrus.Fields{
			"client":  c.id,
			"room":    roomID,
			"members": len(room.Members),
		}).Info("Client left room")

		if len(room.Members) == 0 {
			delete(h.rooms, roomID)
			h.log.WithField("room", roomID).Info("Room destroyed")
		}
	}

	h.broadcastToRoom(c, &protocol.Envelope{
		Type:   protocol.TypePeerLeft,
		PeerID: c.id,
	})

	c.roomID = ""
}

// handleSyncEvent routes a playback event: targeted when TargetID is set,
// otherwise broadcast to the sender's room.
func (h *Hub) handleSyncEvent(c *Client, env *protocol.Envelope) {
	if env.Event == nil {
		h.log.WithField("client", c.id).Warn("Discarding sync-event without an event body")
		return
	}
	if c.roomID == "" {
		return
	}

	h.log.WithFields(logrus.Fields{
		"room":   c.roomID,
		"sender": c.id,
	}).Infof("Sync event: %s", env.Event.Describe())

	out := &protocol.Envelope{
		Type:     protocol.TypeSyncEvent,
		Event:    env.Event,
		SenderID: c.id,
	}

	if env.TargetID != "" {
		out.TargetID = env.TargetID
		h.relayToTarget(c, out)
		return
	}
	h.broadcastToRoom(c, out)
}

// relayToTarget delivers an envelope to one participant, with the sender's id
// attached, provided the target is live and in the sender's room. A missing
// target is an expected race with leave/disconnect and is silently dropped.
func (h *Hub) relayToTarget(c *Client, env *protocol.Envelope) {
	if c.roomID == "" || env.TargetID == "" {
		return
	}

	target, ok := h.clients[env.TargetID]
	if !ok || target.roomID != c.roomID || target == c {
		return
	}

	out := *env
	out.SenderID = c.id
	target.trySend(&out)
}

// broadcastToRoom delivers an envelope to every member of the sender's room
// except the sender itself.
func (h *Hub) broadcastToRoom(c *Client, env *protocol.Envelope) {
	if c.roomID == "" {
		return
	}
	room, ok := h.rooms[c.roomID]
	if !ok {
		return
	}

	for id, member := range room.Members {
		if id == c.id {
			continue
		}
		member.trySend(env)
	}
}

// sweep is the heartbeat pass. A connection whose last activity is older than
// the idle timeout, or which never answered the previous probe, is terminated
// with ordinary disconnect cleanup. Everyone else gets a fresh probe.
func (h *Hub) sweep(now time.Time) {
	var stale []*Client
	for _, c := range h.clients {
		switch {
		case h.opts.IdleTimeout > 0 && now.Sub(c.lastActivity) > h.opts.IdleTimeout:
			h.log.WithField("client", c.id).Warn("Client timed out, terminating")
			stale = append(stale, c)
		case !c.alive:
			h.log.WithField("client", c.id).Warn("Client failed heartbeat check, terminating")
			stale = append(stale, c)
		default:
			c.alive = false
			c.trySend(&protocol.Envelope{Type: protocol.TypePing})
		}
	}

	for _, c := range stale {
		h.removeClient(c)
	}
}

// logStatus logs a summary of connected clients and active rooms.
func (h *Hub) logStatus() {
	h.log.WithFields(logrus.Fields{
		"clients": len(h.clients),
		"rooms":   len(h.rooms),
	}).Info("Server status")

	for id, room := range h.rooms {
		h.log.WithFields(logrus.Fields{
			"room":    id,
			"members": len(room.Members),
		}).Info("Room status")
	}
}
