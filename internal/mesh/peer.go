package mesh

import (
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"

	"github.com/spachava753/vidpixie/internal/config"
)

// Peer tracks the direct link to one other room member.
type Peer struct {
	// ID is the remote participant id.
	ID string

	pc *pion.PeerConnection
	dc *pion.DataChannel

	// ready is set once the data channel reports itself open.
	ready atomic.Bool

	// pending buffers remote ICE candidates that arrived before the remote
	// description was set. Handshake messages round-trip through the relay
	// and may be reordered.
	pending []pion.ICECandidateInit
}

// Ready reports whether the direct link is open for event delivery.
func (p *Peer) Ready() bool {
	return p.ready.Load()
}

func newPeerConnection(cfg *config.Config) (*pion.PeerConnection, error) {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	if turnServers := cfg.GetTURNServers(); turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	return pion.NewPeerConnection(pion.Configuration{
		ICEServers: iceServers,
	})
}
