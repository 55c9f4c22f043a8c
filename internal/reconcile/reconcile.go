// Package reconcile implements the request/response exchange that brings a
// newly joined or freshly reconnected participant up to the room's current
// playback state.
package reconcile

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/protocol"
)

// SendFunc delivers a sync-event envelope over whichever path is active.
type SendFunc func(env *protocol.Envelope) error

// ApplyFunc applies a playback event locally.
type ApplyFunc func(event protocol.SyncEvent)

// SnapshotFunc produces the current playback state, if one is available.
type SnapshotFunc func() (protocol.RoomSnapshot, bool)

// Reconciler runs both sides of the protocol: issuing state requests and
// answering them. At-least-once, best effort: no responder is not an error,
// and only the first response to a request is applied.
type Reconciler struct {
	log      *logrus.Logger
	unicast  bool
	send     SendFunc
	apply    ApplyFunc
	snapshot SnapshotFunc

	mu      sync.Mutex
	pending bool
}

// New creates a reconciler. When unicast is true, responses are addressed to
// the requester; otherwise they are broadcast so the whole room re-syncs.
func New(log *logrus.Logger, unicast bool, send SendFunc, apply ApplyFunc, snapshot SnapshotFunc) *Reconciler {
	return &Reconciler{
		log:      log,
		unicast:  unicast,
		send:     send,
		apply:    apply,
		snapshot: snapshot,
	}
}

// Request asks the room for its current playback state. Any member may
// answer; the first response wins.
func (r *Reconciler) Request() error {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()

	return r.send(&protocol.Envelope{
		Type: protocol.TypeSyncEvent,
		Event: &protocol.SyncEvent{
			Action:    protocol.ActionStateRequest,
			Timestamp: time.Now().UnixMilli(),
		},
	})
}

// Reset drops any outstanding request, e.g. when leaving the room.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()
}

// HandleRequest answers a state request from another member with the local
// playback snapshot. Without a snapshot available there is nothing to share.
func (r *Reconciler) HandleRequest(requesterID string) {
	snap, ok := r.snapshot()
	if !ok {
		return
	}

	env := &protocol.Envelope{
		Type: protocol.TypeSyncEvent,
		Event: &protocol.SyncEvent{
			Action:    protocol.ActionStateResponse,
			Timestamp: time.Now().UnixMilli(),
			State:     &snap,
		},
	}
	if r.unicast {
		env.TargetID = requesterID
	}

	if err := r.send(env); err != nil {
		r.log.WithError(err).Warn("Failed to send state response")
	}
}

// HandleResponse applies the first response to an outstanding request,
// unconditionally, and ignores every later one. A response without a snapshot
// does not consume the request, so a later well-formed response still applies.
// Reports whether the response was applied.
func (r *Reconciler) HandleResponse(event protocol.SyncEvent) bool {
	if event.State == nil {
		return false
	}

	r.mu.Lock()
	if !r.pending {
		r.mu.Unlock()
		return false
	}
	r.pending = false
	r.mu.Unlock()

	r.apply(protocol.SyncEvent{
		Action:    protocol.ActionSyncToState,
		Timestamp: event.Timestamp,
		State:     event.State,
	})
	return true
}
