package mesh

import (
	"encoding/json"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/spachava753/vidpixie/internal/config"
	"github.com/spachava753/vidpixie/internal/protocol"
)

// SignalSender sends handshake envelopes to one participant through the
// relay's targeted-message path.
type SignalSender interface {
	SendSignal(env *protocol.Envelope) error
}

// EventHandler receives sync events that arrived over a direct link.
type EventHandler func(senderID string, event protocol.SyncEvent)

// Coordinator maintains at most one direct link per other room member. The
// relay is used purely as a signaling intermediary; once a link is open,
// outbound events are sent over it in addition to the relay path.
type Coordinator struct {
	log     *logrus.Logger
	cfg     *config.Config
	signals SignalSender
	onEvent EventHandler

	mu      sync.Mutex
	localID string
	peers   map[string]*Peer
}

// NewCoordinator creates a mesh coordinator. Events received over direct
// links are handed to onEvent.
func NewCoordinator(log *logrus.Logger, cfg *config.Config, signals SignalSender, onEvent EventHandler) *Coordinator {
	return &Coordinator{
		log:     log,
		cfg:     cfg,
		signals: signals,
		onEvent: onEvent,
		peers:   make(map[string]*Peer),
	}
}

// SetLocalID records the identity assigned by the relay. Called by the
// supervisor before any handshake can start.
func (c *Coordinator) SetLocalID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = id
}

// HandleRoster initiates a handshake toward every existing room member. The
// joiner is always the initiating side; existing members wait passively.
func (c *Coordinator) HandleRoster(ids []string) {
	for _, id := range ids {
		if err := c.initiate(id); err != nil {
			c.log.WithField("peer", id).WithError(err).Warn("Direct link handshake failed to start")
		}
	}
}

// HandlePeerJoined notes a newcomer. No handshake is started: it is the
// newcomer's responsibility to initiate toward existing members, which avoids
// duplicate simultaneous handshakes.
func (c *Coordinator) HandlePeerJoined(id string) {
	c.log.WithField("peer", id).Debug("Peer joined, awaiting their handshake")
}

// HandlePeerLeft tears down the direct link for a departed member.
func (c *Coordinator) HandlePeerLeft(id string) {
	c.teardown(id)
}

// HandleSignal processes one relayed handshake message.
func (c *Coordinator) HandleSignal(env *protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeOffer:
		err = c.handleOffer(env.SenderID, env.Payload)
	case protocol.TypeAnswer:
		err = c.handleAnswer(env.SenderID, env.Payload)
	case protocol.TypeICECandidate:
		err = c.handleCandidate(env.SenderID, env.Payload)
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"type": env.Type,
			"peer": env.SenderID,
		}).WithError(err).Warn("Handshake message failed, abandoning direct link")
		c.teardown(env.SenderID)
	}
}

// Broadcast sends a sync event over every ready direct link. Delivery is best
// effort; the relay path remains authoritative.
func (c *Coordinator) Broadcast(event protocol.SyncEvent) {
	c.mu.Lock()
	frame, err := NewFrame(FrameSyncEvent, c.localID, event)
	if err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Warn("Failed to encode mesh frame")
		return
	}
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	data, err := msgpack.Marshal(frame)
	if err != nil {
		c.log.WithError(err).Warn("Failed to encode mesh frame")
		return
	}

	for _, p := range peers {
		if !p.Ready() {
			continue
		}
		if err := p.dc.Send(data); err != nil {
			c.log.WithField("peer", p.ID).WithError(err).Debug("Direct send failed")
		}
	}
}

// Peers returns the ids of all tracked peers, ready or not.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// ReadyCount returns how many direct links are currently open.
func (c *Coordinator) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.peers {
		if p.Ready() {
			n++
		}
	}
	return n
}

// Close tears down every direct link.
func (c *Coordinator) Close() {
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = make(map[string]*Peer)
	c.mu.Unlock()

	for _, p := range peers {
		p.pc.Close()
	}
}

// initiate starts an offer toward the given member. A peer that is already
// tracked keeps its existing entry; retried rosters never duplicate links.
func (c *Coordinator) initiate(id string) error {
	c.mu.Lock()
	if _, ok := c.peers[id]; ok {
		c.mu.Unlock()
		return nil
	}

	peer, err := c.newPeer(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	dc, err := peer.pc.CreateDataChannel("sync", nil)
	if err != nil {
		c.mu.Unlock()
		peer.pc.Close()
		return errors.Wrap(err, "create data channel")
	}
	c.wireDataChannel(peer, dc)

	c.peers[id] = peer
	c.mu.Unlock()

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		c.teardown(id)
		return errors.Wrap(err, "create offer")
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		c.teardown(id)
		return errors.Wrap(err, "set local description")
	}

	return c.sendDescription(protocol.TypeOffer, id, peer.pc.LocalDescription())
}

// handleOffer answers an incoming handshake as the passive side. A duplicate
// offer for an already-negotiated link is ignored.
func (c *Coordinator) handleOffer(id string, payload json.RawMessage) error {
	var offer pion.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return errors.Wrap(err, "parse offer")
	}

	c.mu.Lock()
	peer, ok := c.peers[id]
	if ok {
		if peer.pc.RemoteDescription() != nil {
			c.mu.Unlock()
			return nil
		}
	} else {
		var err error
		peer, err = c.newPeer(id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		peer.pc.OnDataChannel(func(dc *pion.DataChannel) {
			c.wireDataChannel(peer, dc)
		})
		c.peers[id] = peer
	}
	c.mu.Unlock()

	if err := peer.pc.SetRemoteDescription(offer); err != nil {
		return errors.Wrap(err, "set remote description")
	}
	c.flushCandidates(peer)

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "set local description")
	}

	return c.sendDescription(protocol.TypeAnswer, id, peer.pc.LocalDescription())
}

// handleAnswer completes a handshake this side initiated.
func (c *Coordinator) handleAnswer(id string, payload json.RawMessage) error {
	c.mu.Lock()
	peer, ok := c.peers[id]
	c.mu.Unlock()
	if !ok {
		// The peer was torn down mid-handshake; expected race.
		return nil
	}
	if peer.pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
		// Duplicate or stale answer.
		return nil
	}

	var answer pion.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return errors.Wrap(err, "parse answer")
	}
	if err := peer.pc.SetRemoteDescription(answer); err != nil {
		return errors.Wrap(err, "set remote description")
	}
	c.flushCandidates(peer)
	return nil
}

// handleCandidate adds a relayed ICE candidate, buffering it when it arrives
// ahead of the remote description.
func (c *Coordinator) handleCandidate(id string, payload json.RawMessage) error {
	var candidate pion.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return errors.Wrap(err, "parse ICE candidate")
	}

	c.mu.Lock()
	peer, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if peer.pc.RemoteDescription() == nil {
		peer.pending = append(peer.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return errors.Wrap(peer.pc.AddICECandidate(candidate), "add ICE candidate")
}

// newPeer builds the peer connection and its state callbacks. Caller holds
// the coordinator lock.
func (c *Coordinator) newPeer(id string) (*Peer, error) {
	pc, err := newPeerConnection(c.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}
	peer := &Peer{ID: id, pc: pc}

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		c.signals.SendSignal(&protocol.Envelope{
			Type:     protocol.TypeICECandidate,
			TargetID: id,
			Payload:  payload,
		})
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if state == pion.PeerConnectionStateFailed || state == pion.PeerConnectionStateClosed {
			c.teardown(id)
		}
	})

	return peer, nil
}

// wireDataChannel attaches the data channel handlers for a peer.
func (c *Coordinator) wireDataChannel(peer *Peer, dc *pion.DataChannel) {
	peer.dc = dc

	dc.OnOpen(func() {
		peer.ready.Store(true)
		c.log.WithField("peer", peer.ID).Info("Direct link open")
	})

	dc.OnClose(func() {
		c.teardown(peer.ID)
	})

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		var frame Frame
		if err := msgpack.Unmarshal(msg.Data, &frame); err != nil {
			c.log.WithField("peer", peer.ID).WithError(err).Warn("Discarding malformed mesh frame")
			return
		}
		if frame.Type != FrameSyncEvent {
			return
		}
		var event protocol.SyncEvent
		if err := frame.DecodePayload(&event); err != nil {
			c.log.WithField("peer", peer.ID).WithError(err).Warn("Discarding malformed mesh event")
			return
		}
		c.onEvent(frame.SenderID, event)
	})
}

// flushCandidates drains candidates buffered before the remote description
// was available.
func (c *Coordinator) flushCandidates(peer *Peer) {
	c.mu.Lock()
	pending := peer.pending
	peer.pending = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := peer.pc.AddICECandidate(candidate); err != nil {
			c.log.WithField("peer", peer.ID).WithError(err).Debug("Buffered ICE candidate rejected")
		}
	}
}

// sendDescription relays a local session description to the target peer.
func (c *Coordinator) sendDescription(msgType, target string, desc *pion.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrap(err, "encode session description")
	}
	return c.signals.SendSignal(&protocol.Envelope{
		Type:     msgType,
		TargetID: target,
		Payload:  payload,
	})
}

// teardown abandons the direct link for a peer. No retry is attempted within
// the session; a future rejoin produces a fresh handshake.
func (c *Coordinator) teardown(id string) {
	c.mu.Lock()
	peer, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	peer.pc.Close()
	c.log.WithField("peer", id).Info("Direct link closed")
}
