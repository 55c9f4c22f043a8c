package mesh

import (
	"encoding/json"
	"io"
	"sync"
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/config"
	"github.com/spachava753/vidpixie/internal/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func testConfig() *config.Config {
	return &config.Config{STUNServer: config.DefaultSTUN}
}

// fakeRelay records handshake envelopes instead of sending them anywhere.
type fakeRelay struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (f *fakeRelay) SendSignal(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeRelay) byType(msgType string) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{}
	c := NewCoordinator(testLogger(), testConfig(), relay, func(string, protocol.SyncEvent) {})
	c.SetLocalID("self")
	t.Cleanup(c.Close)
	return c, relay
}

// remoteOffer builds a genuine offer the way a remote initiator would.
func remoteOffer(t *testing.T) json.RawMessage {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.CreateDataChannel("sync", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	return payload
}

func TestRosterInitiatesTowardEveryMember(t *testing.T) {
	c, relay := newTestCoordinator(t)

	c.HandleRoster([]string{"p1", "p2"})

	if got := len(c.Peers()); got != 2 {
		t.Fatalf("tracking %d peers, want 2", got)
	}
	offers := relay.byType(protocol.TypeOffer)
	if len(offers) != 2 {
		t.Fatalf("sent %d offers, want 2", len(offers))
	}
	targets := map[string]bool{}
	for _, env := range offers {
		targets[env.TargetID] = true
		if len(env.Payload) == 0 {
			t.Fatal("offer without a session description")
		}
	}
	if !targets["p1"] || !targets["p2"] {
		t.Fatalf("offers targeted %v, want p1 and p2", targets)
	}
}

func TestRepeatedRosterDoesNotDuplicatePeers(t *testing.T) {
	c, relay := newTestCoordinator(t)

	c.HandleRoster([]string{"p1"})
	c.HandleRoster([]string{"p1"})

	if got := len(c.Peers()); got != 1 {
		t.Fatalf("tracking %d peers, want 1", got)
	}
	if offers := relay.byType(protocol.TypeOffer); len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
}

func TestPeerJoinedIsPassive(t *testing.T) {
	c, relay := newTestCoordinator(t)

	// The newcomer initiates toward us, not the reverse.
	c.HandlePeerJoined("newcomer")

	if got := len(c.Peers()); got != 0 {
		t.Fatalf("tracking %d peers, want 0", got)
	}
	if offers := relay.byType(protocol.TypeOffer); len(offers) != 0 {
		t.Fatalf("sent %d offers, want 0", len(offers))
	}
}

func TestOfferIsAnsweredOnce(t *testing.T) {
	c, relay := newTestCoordinator(t)
	payload := remoteOffer(t)

	c.HandleSignal(&protocol.Envelope{
		Type:     protocol.TypeOffer,
		SenderID: "initiator",
		Payload:  payload,
	})
	if got := len(c.Peers()); got != 1 {
		t.Fatalf("tracking %d peers, want 1", got)
	}
	if answers := relay.byType(protocol.TypeAnswer); len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	} else if answers[0].TargetID != "initiator" {
		t.Fatalf("answer targeted %q", answers[0].TargetID)
	}

	// A retried offer must neither duplicate the peer nor re-answer.
	c.HandleSignal(&protocol.Envelope{
		Type:     protocol.TypeOffer,
		SenderID: "initiator",
		Payload:  payload,
	})
	if got := len(c.Peers()); got != 1 {
		t.Fatalf("duplicate offer created a second peer entry")
	}
	if answers := relay.byType(protocol.TypeAnswer); len(answers) != 1 {
		t.Fatalf("duplicate offer was answered again: %d answers", len(answers))
	}
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	c, _ := newTestCoordinator(t)

	// Track the peer first, as the initiating side does.
	c.HandleRoster([]string{"p1"})

	// A candidate arriving ahead of the answer must not be dropped or fail
	// the link.
	c.HandleSignal(&protocol.Envelope{
		Type:     protocol.TypeICECandidate,
		SenderID: "p1",
		Payload:  json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`),
	})

	if got := len(c.Peers()); got != 1 {
		t.Fatalf("tracking %d peers, want 1", got)
	}
}

func TestCandidateForUnknownPeerIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.HandleSignal(&protocol.Envelope{
		Type:     protocol.TypeICECandidate,
		SenderID: "stranger",
		Payload:  json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"}`),
	})

	if got := len(c.Peers()); got != 0 {
		t.Fatalf("tracking %d peers, want 0", got)
	}
}

func TestPeerLeftTearsDownLink(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.HandleRoster([]string{"p1", "p2"})
	c.HandlePeerLeft("p1")

	peers := c.Peers()
	if len(peers) != 1 || peers[0] != "p2" {
		t.Fatalf("tracking %v, want [p2]", peers)
	}

	// Tearing down an already-removed peer is a no-op.
	c.HandlePeerLeft("p1")
	if got := len(c.Peers()); got != 1 {
		t.Fatalf("tracking %d peers, want 1", got)
	}
}

func TestMalformedAnswerAbandonsLink(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.HandleRoster([]string{"p1"})
	c.HandleSignal(&protocol.Envelope{
		Type:     protocol.TypeAnswer,
		SenderID: "p1",
		Payload:  json.RawMessage(`{not json`),
	})

	if got := len(c.Peers()); got != 0 {
		t.Fatalf("failed handshake left %d peers tracked, want 0", got)
	}
}

func TestCloseDropsAllPeers(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.HandleRoster([]string{"p1", "p2", "p3"})
	c.Close()

	if got := len(c.Peers()); got != 0 {
		t.Fatalf("tracking %d peers after close, want 0", got)
	}
}
