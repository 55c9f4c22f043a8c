// Package supervisor owns the single connection from a client process to the
// relay server: connect/reconnect lifecycle, keep-alives, and dispatch of
// inbound messages to the mesh coordinator, the reconciler, or the video
// adapter.
package supervisor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/config"
	"github.com/spachava753/vidpixie/internal/mesh"
	"github.com/spachava753/vidpixie/internal/protocol"
	"github.com/spachava753/vidpixie/internal/reconcile"
)

// ErrNotConnected is returned when an operation needs a live relay
// connection.
var ErrNotConnected = errors.New("not connected to relay server")

// State of the relay connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// VideoAdapter is the boundary to the player layer: it reproduces remote
// events locally and reports the current playback state on demand.
type VideoAdapter interface {
	Apply(event protocol.SyncEvent)
	Snapshot() (protocol.RoomSnapshot, bool)
}

// Options tunes a Supervisor beyond its Config.
type Options struct {
	// EnableMesh turns the peer-to-peer path on. The relay path is always
	// used regardless; the mesh is an optimization layer, never the only
	// route.
	EnableMesh bool
}

const outgoingBuffSize = 64

// How long a received event guards against its duplicate from the other
// delivery path.
const dedupeWindow = 30 * time.Second

// Supervisor is the client-side connection supervisor.
type Supervisor struct {
	log     *logrus.Logger
	cfg     *config.Config
	adapter VideoAdapter

	mesh  *mesh.Coordinator
	recon *reconcile.Reconciler

	mu        sync.Mutex
	state     State
	addr      string
	conn      *websocket.Conn
	outgoing  chan *protocol.Envelope
	connDone  chan struct{}
	gen       int
	clientID  string
	roomID    string
	wantRoom  string
	reconnect bool
	retrying  bool
	seen      map[string]time.Time
}

// New creates a supervisor around the given video adapter.
func New(log *logrus.Logger, cfg *config.Config, adapter VideoAdapter, opts Options) *Supervisor {
	s := &Supervisor{
		log:     log,
		cfg:     cfg,
		adapter: adapter,
		seen:    make(map[string]time.Time),
	}
	if opts.EnableMesh {
		s.mesh = mesh.NewCoordinator(log, cfg, s, s.handleSyncEvent)
	}
	s.recon = reconcile.New(log, cfg.UnicastStateResponses, s.sendEnvelope, adapter.Apply, adapter.Snapshot)
	return s
}

// Connect opens the transport to the relay server. Already being connected to
// the same address, or having a connect or reconnect attempt in flight,
// resolves immediately: concurrent requests coalesce rather than racing.
// Connecting to a different address while connected retires the current
// transport first; there is never more than one live connection. A failed
// connect is surfaced to the caller and not retried.
func (s *Supervisor) Connect(addr string) error {
	s.mu.Lock()
	if s.state == StateConnected && s.addr == addr {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateConnecting || s.retrying {
		s.mu.Unlock()
		return nil
	}
	oldConn := s.retireConnLocked()
	s.state = StateConnecting
	s.addr = addr
	// Enable the policy before the pumps start so a drop during
	// establishment is already covered.
	s.reconnect = true
	s.mu.Unlock()

	if oldConn != nil {
		s.log.Info("Switching relay servers, closing current connection")
		oldConn.Close()
		if s.mesh != nil {
			s.mesh.Close()
		}
		s.recon.Reset()
	}

	if err := s.dial(); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.reconnect = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// retireConnLocked takes the current transport out of service, bypassing the
// usual close handling: the generation bump turns the old pumps' onClosed into
// a no-op. Returns the conn for the caller to close outside the lock, or nil
// when there is none. Caller holds mu.
func (s *Supervisor) retireConnLocked() *websocket.Conn {
	conn := s.conn
	if conn == nil {
		return nil
	}
	s.gen++
	close(s.connDone)
	s.connDone = nil
	s.conn = nil
	s.clientID = ""
	s.roomID = ""
	s.state = StateDisconnected
	return conn
}

// Disconnect is the explicit, user-initiated teardown. It disables the
// reconnect policy first, which is what distinguishes "user left" from
// "connection dropped".
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.reconnect = false
	s.wantRoom = ""
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if s.mesh != nil {
		s.mesh.Close()
	}
	s.recon.Reset()
}

// JoinRoom asks the relay to place this client in the named room. The server
// handles leaving any current room first.
func (s *Supervisor) JoinRoom(roomID string) error {
	s.mu.Lock()
	s.wantRoom = roomID
	s.mu.Unlock()

	return s.sendEnvelope(&protocol.Envelope{
		Type:   protocol.TypeJoinRoom,
		RoomID: roomID,
	})
}

// LeaveRoom leaves the current room and abandons its direct links.
func (s *Supervisor) LeaveRoom() error {
	s.mu.Lock()
	s.wantRoom = ""
	s.roomID = ""
	s.mu.Unlock()

	if s.mesh != nil {
		s.mesh.Close()
	}
	s.recon.Reset()

	return s.sendEnvelope(&protocol.Envelope{Type: protocol.TypeLeaveRoom})
}

// SendEvent publishes a local playback event to the room: over every ready
// direct link, and always over the relay path as well, so a failed direct
// delivery can never silently drop an event.
func (s *Supervisor) SendEvent(event protocol.SyncEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	if s.mesh != nil {
		s.mesh.Broadcast(event)
	}
	return s.sendEnvelope(&protocol.Envelope{
		Type:  protocol.TypeSyncEvent,
		Event: &event,
	})
}

// RequestState asks the room for its current playback position.
func (s *Supervisor) RequestState() error {
	return s.recon.Request()
}

// SendSignal relays a handshake envelope to its target through the server.
// Implements mesh.SignalSender.
func (s *Supervisor) SendSignal(env *protocol.Envelope) error {
	return s.sendEnvelope(env)
}

// ClientID returns the identity assigned by the relay, or "".
func (s *Supervisor) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// RoomID returns the currently joined room, or "".
func (s *Supervisor) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// State returns the connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mesh exposes the mesh coordinator, or nil when the mesh path is disabled.
func (s *Supervisor) Mesh() *mesh.Coordinator {
	return s.mesh
}

// dial opens the websocket and starts this connection's pumps.
func (s *Supervisor) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.addr, nil)
	if err != nil {
		return errors.Wrap(err, "connect to relay server")
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.outgoing = make(chan *protocol.Envelope, outgoingBuffSize)
	s.connDone = make(chan struct{})
	s.state = StateConnected
	outgoing := s.outgoing
	done := s.connDone
	s.mu.Unlock()

	s.log.WithField("server", s.addr).Info("Connected to relay server")

	go s.writePump(conn, outgoing, done)
	go s.readPump(conn, gen)
	return nil
}

// readPump reads envelopes until the transport fails, then triggers the
// close handling for this connection generation. Malformed messages are
// discarded without ending the connection.
func (s *Supervisor) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onClosed(gen)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.WithError(err).Warn("Discarding malformed message")
			continue
		}
		s.handleInbound(&env, gen)
	}
}

// writePump serializes all writes for one connection and sends the periodic
// keep-alive probe.
func (s *Supervisor) writePump(conn *websocket.Conn, outgoing <-chan *protocol.Envelope, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-outgoing:
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(&protocol.Envelope{Type: protocol.TypePing}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// onClosed handles an unexpected transport close for the given connection
// generation. Stale generations (already superseded by a reconnect) are
// ignored.
func (s *Supervisor) onClosed(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	close(s.connDone)
	s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	s.clientID = ""
	s.roomID = ""
	shouldRetry := s.reconnect && !s.retrying
	if shouldRetry {
		s.retrying = true
	}
	s.mu.Unlock()

	s.log.Info("Disconnected from relay server")

	if s.mesh != nil {
		s.mesh.Close()
	}
	s.recon.Reset()

	if shouldRetry {
		go s.retryLoop()
	}
}

// retryLoop re-dials on a fixed interval until it succeeds or the policy is
// disabled. At most one loop runs at a time. On success, membership in the
// previous room is restored automatically.
func (s *Supervisor) retryLoop() {
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if !s.reconnect {
			s.retrying = false
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		if err := s.dial(); err != nil {
			s.log.WithError(err).Debug("Reconnect attempt failed, will retry")
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		if !s.reconnect {
			// Disconnect arrived while the dial was in flight; retire the
			// transport it just opened.
			conn := s.retireConnLocked()
			s.retrying = false
			s.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		s.retrying = false
		room := s.wantRoom
		s.mu.Unlock()

		if room != "" {
			s.log.WithField("room", room).Info("Rejoining room after reconnect")
			if err := s.JoinRoom(room); err != nil {
				s.log.WithError(err).Warn("Automatic rejoin failed")
			}
		}
		return
	}
}

// sendEnvelope queues an envelope for the write pump. Non-blocking: a full
// queue is reported rather than stalling the caller.
func (s *Supervisor) sendEnvelope(env *protocol.Envelope) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	outgoing := s.outgoing
	s.mu.Unlock()

	select {
	case outgoing <- env:
		return nil
	default:
		return errors.New("outgoing queue full")
	}
}

// handleInbound demultiplexes one message from the relay. gen identifies the
// connection it arrived on: a message from a retired connection must not
// mutate session state.
func (s *Supervisor) handleInbound(env *protocol.Envelope, gen int) {
	switch env.Type {
	case protocol.TypePing:
		s.sendEnvelope(&protocol.Envelope{Type: protocol.TypePong})

	case protocol.TypePong:
		// Keep-alive reply, nothing to do.

	case protocol.TypeConnected:
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.clientID = env.ClientID
		s.mu.Unlock()
		if s.mesh != nil {
			s.mesh.SetLocalID(env.ClientID)
		}
		s.log.WithField("client", env.ClientID).Info("Assigned participant id")

	case protocol.TypeRoomJoined:
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.roomID = env.RoomID
		s.wantRoom = env.RoomID
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"room":  env.RoomID,
			"peers": len(env.OtherClients),
		}).Info("Joined room")
		if s.mesh != nil {
			s.mesh.HandleRoster(env.OtherClients)
		}
		if len(env.OtherClients) > 0 {
			if err := s.recon.Request(); err != nil {
				s.log.WithError(err).Warn("State request failed")
			}
		}

	case protocol.TypePeerJoined:
		if env.PeerID == s.ClientID() {
			return
		}
		s.log.WithField("peer", env.PeerID).Info("Peer joined")
		if s.mesh != nil {
			s.mesh.HandlePeerJoined(env.PeerID)
		}

	case protocol.TypePeerLeft:
		s.log.WithField("peer", env.PeerID).Info("Peer left")
		if s.mesh != nil {
			s.mesh.HandlePeerLeft(env.PeerID)
		}

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		if env.SenderID == s.ClientID() {
			return
		}
		if s.mesh != nil {
			s.mesh.HandleSignal(env)
		}

	case protocol.TypeSyncEvent:
		if env.Event == nil {
			s.log.Warn("Discarding sync-event without an event body")
			return
		}
		s.handleSyncEvent(env.SenderID, *env.Event)

	default:
		s.log.WithField("type", env.Type).Debug("Ignoring message of unknown type")
	}
}

// handleSyncEvent processes a playback event from either delivery path. Own
// events are filtered by sender identity, and the duplicate that arrives on
// the second path is suppressed.
func (s *Supervisor) handleSyncEvent(senderID string, event protocol.SyncEvent) {
	if senderID == "" || senderID == s.ClientID() {
		return
	}
	if s.alreadySeen(senderID, event) {
		return
	}

	switch event.Action {
	case protocol.ActionStateRequest:
		s.recon.HandleRequest(senderID)
	case protocol.ActionStateResponse:
		s.recon.HandleResponse(event)
	default:
		s.log.WithFields(logrus.Fields{
			"sender": senderID,
			"action": event.Action,
		}).Debug("Applying remote event")
		s.adapter.Apply(event)
	}
}

// alreadySeen records and checks the dedupe key for an event. Events are
// delivered over both the mesh and the relay; the first arrival wins.
func (s *Supervisor) alreadySeen(senderID string, event protocol.SyncEvent) bool {
	key := fmt.Sprintf("%s/%s/%d/%.3f", senderID, event.Action, event.Timestamp, event.CurrentTime)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.seen {
		if now.Sub(t) > dedupeWindow {
			delete(s.seen, k)
		}
	}

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = now
	return false
}
