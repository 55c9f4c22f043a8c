// Package player provides a simulated playback clock that stands in for a
// real video player: position advances in real time while playing, and remote
// events are reproduced against it. It backs the headless client and answers
// state requests.
package player

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/protocol"
)

// Remote events whose position differs from ours by less than this are
// applied without a position resync.
const driftTolerance = 0.5

// Simulated is a playback clock. It implements the supervisor's VideoAdapter.
type Simulated struct {
	log *logrus.Logger

	mu sync.Mutex
	// position is the playback position at the moment of updated.
	position float64
	updated  time.Time
	paused   bool
	duration float64
}

// New creates a paused player at position zero.
func New(log *logrus.Logger, duration float64) *Simulated {
	return &Simulated{
		log:      log,
		paused:   true,
		duration: duration,
		updated:  time.Now(),
	}
}

// CurrentTime returns the playback position right now.
func (p *Simulated) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTimeLocked()
}

// Paused reports whether playback is paused.
func (p *Simulated) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Snapshot reports the current playback state. Always available for the
// simulated player.
func (p *Simulated) Snapshot() (protocol.RoomSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.RoomSnapshot{
		CurrentTime: p.currentTimeLocked(),
		Paused:      p.paused,
		Duration:    p.duration,
	}, true
}

// Apply reproduces a remote playback event locally.
func (p *Simulated) Apply(event protocol.SyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Action {
	case protocol.ActionPlay:
		p.resyncLocked(event.CurrentTime)
		p.setPausedLocked(false)
		p.log.WithField("position", event.CurrentTime).Info("Remote play")

	case protocol.ActionPause:
		p.resyncLocked(event.CurrentTime)
		p.setPausedLocked(true)
		p.log.WithField("position", event.CurrentTime).Info("Remote pause")

	case protocol.ActionSeek, protocol.ActionSkipForward, protocol.ActionSkipBackward:
		p.seekLocked(event.CurrentTime)
		p.log.WithFields(logrus.Fields{
			"action":   event.Action,
			"position": event.CurrentTime,
		}).Info("Remote seek")

	case protocol.ActionSyncToState:
		if event.State == nil {
			return
		}
		p.seekLocked(event.State.CurrentTime)
		p.setPausedLocked(event.State.Paused)
		if event.State.Duration > 0 {
			p.duration = event.State.Duration
		}
		p.log.WithFields(logrus.Fields{
			"position": event.State.CurrentTime,
			"paused":   event.State.Paused,
		}).Info("Synced to room state")

	default:
		p.log.WithField("action", event.Action).Debug("Ignoring unknown action")
	}
}

// Play starts local playback and returns the event to publish.
func (p *Simulated) Play() protocol.SyncEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPausedLocked(false)
	return protocol.SyncEvent{
		Action:      protocol.ActionPlay,
		CurrentTime: p.currentTimeLocked(),
		Timestamp:   time.Now().UnixMilli(),
	}
}

// Pause stops local playback and returns the event to publish.
func (p *Simulated) Pause() protocol.SyncEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPausedLocked(true)
	return protocol.SyncEvent{
		Action:      protocol.ActionPause,
		CurrentTime: p.currentTimeLocked(),
		Timestamp:   time.Now().UnixMilli(),
	}
}

// Seek moves local playback to the given position and returns the event to
// publish, classified as a skip when the jump matches a skip magnitude, the
// way player adapters report arrow-key skips.
func (p *Simulated) Seek(position float64) protocol.SyncEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	diff := position - p.currentTimeLocked()
	p.seekLocked(position)

	event := protocol.SyncEvent{
		Action:      protocol.ActionSeek,
		CurrentTime: position,
		Timestamp:   time.Now().UnixMilli(),
	}
	for _, magnitude := range []float64{10, 30} {
		if abs(diff-magnitude) < driftTolerance {
			event.Action = protocol.ActionSkipForward
			event.SkipAmount = magnitude
		}
		if abs(diff+magnitude) < driftTolerance {
			event.Action = protocol.ActionSkipBackward
			event.SkipAmount = -magnitude
		}
	}
	return event
}

func (p *Simulated) currentTimeLocked() float64 {
	position := p.position
	if !p.paused {
		position += time.Since(p.updated).Seconds()
	}
	if p.duration > 0 && position > p.duration {
		position = p.duration
	}
	return position
}

// resyncLocked adopts the remote position only when drifted beyond tolerance.
func (p *Simulated) resyncLocked(position float64) {
	if abs(p.currentTimeLocked()-position) > driftTolerance {
		p.seekLocked(position)
	}
}

func (p *Simulated) seekLocked(position float64) {
	if position < 0 {
		position = 0
	}
	p.position = position
	p.updated = time.Now()
}

func (p *Simulated) setPausedLocked(paused bool) {
	p.position = p.currentTimeLocked()
	p.updated = time.Now()
	p.paused = paused
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
