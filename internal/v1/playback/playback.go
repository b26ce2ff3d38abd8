// Package playback implements the per-room playback coordinator: one host
// feeding time-aligned state to a set of subscribers. All methods run on the
// owning room actor's goroutine, so the coordinator needs no locking.
package playback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/metrics"
	"github.com/syncroom/server/internal/v1/types"
)

var (
	// ErrNotHost rejects host-only operations issued by anyone else.
	ErrNotHost = errors.New("only the playback host can do this")
	// ErrNotRunning rejects connecting to a playback that has not started.
	ErrNotRunning = errors.New("playback is not running")
	// ErrHostConnect rejects the host subscribing to their own playback.
	ErrHostConnect = errors.New("the playback host cannot connect to their own playback")
	// ErrNotParticipant rejects requests from sessions that are neither the
	// host nor a subscriber.
	ErrNotParticipant = errors.New("not part of this playback")
	// ErrSessionGone marks a delivery to a session whose inbox is closed.
	ErrSessionGone = errors.New("session is gone")
)

// Playback coordinates one host and its subscribers around a single media
// source.
type Playback struct {
	running     bool
	source      *types.PlaybackSource
	host        types.SessionHandle
	subscribers map[types.SessionID]types.SessionHandle
}

// New creates a coordinator hosted by the given session. Playback is not
// running until Start.
func New(host types.SessionHandle) *Playback {
	return &Playback{
		host:        host,
		subscribers: make(map[types.SessionID]types.SessionHandle),
	}
}

// HostID identifies the session authoritative over this playback.
func (p *Playback) HostID() types.SessionID { return p.host.ID }

// Running reports whether a source has been started and not yet stopped.
func (p *Playback) Running() bool { return p.running }

// Info is the broadcast-safe description of this playback.
func (p *Playback) Info() types.PlaybackInfo {
	info := types.PlaybackInfo{HostName: p.host.Name}
	if p.source != nil {
		src := *p.source
		info.Source = &src
	}
	return info
}

// Start begins playback of source. Only the host may start; starting while
// already running is a no-op. The host is notified first — if that delivery
// fails the playback immediately stops with HostError. Subscribers are then
// told the playback is available.
func (p *Playback) Start(requester types.SessionID, source types.PlaybackSource) error {
	if requester != p.host.ID {
		return ErrNotHost
	}
	if p.running {
		return nil
	}
	p.running = true
	p.source = &source

	if !p.host.Send(types.PlaybackStartedEvent{}) {
		if err := p.Stop(types.StopReasonHostError); err != nil {
			return fmt.Errorf("failed to stop playback after host error: %w", err)
		}
		return nil
	}

	for id, sub := range p.subscribers {
		if !sub.Send(types.PlaybackAvailableEvent{Info: p.Info()}) {
			logging.Error(context.Background(), "Failed to announce playback to subscriber",
				zap.String("session_id", id.String()))
		}
	}
	return nil
}

// RequestStop is the host-gated stop issued on behalf of a session.
func (p *Playback) RequestStop(requester types.SessionID) error {
	if requester != p.host.ID {
		return ErrNotHost
	}
	return p.Stop(types.StopReasonStoppedByHost)
}

// Stop ends the playback: every subscriber is disconnected with
// Stopped(reason), the subscriber set is cleared and the host is told the
// playback stopped. Stopping an idle playback is a no-op.
func (p *Playback) Stop(reason types.StopReason) error {
	if !p.running {
		return nil
	}
	p.running = false
	p.source = nil

	for _, sub := range p.subscribers {
		sub.Send(types.PlaybackDisconnectedEvent{Reason: types.DisconnectStopped(reason)})
	}
	p.subscribers = make(map[types.SessionID]types.SessionHandle)

	p.host.Send(types.PlaybackStoppedEvent{Reason: reason})
	return nil
}

// Connect subscribes user to a running playback.
func (p *Playback) Connect(user types.SessionHandle) error {
	if !p.running {
		return ErrNotRunning
	}
	if user.ID == p.host.ID {
		return ErrHostConnect
	}
	if !user.Send(types.PlaybackConnectedEvent{}) {
		return ErrSessionGone
	}
	p.subscribers[user.ID] = user
	return nil
}

// Disconnect removes a subscriber and tells it why. Unknown ids are ignored.
func (p *Playback) Disconnect(id types.SessionID, reason types.DisconnectReason) {
	handle, ok := p.subscribers[id]
	if !ok {
		return
	}
	delete(p.subscribers, id)
	handle.Send(types.PlaybackDisconnectedEvent{Reason: reason})
}

// Sync mediates one playback state report. The state's timestamp is first
// normalized from the reporter's clock into server time, then re-shifted into
// each recipient's clock, so every peer can treat the timestamp as local.
//
// A non-host report is forwarded to the host; if the host is unreachable the
// playback stops with StoppedByHost. Unreachable subscribers are disconnected
// with SubscriberError.
func (p *Playback) Sync(reporter types.SessionID, state types.PlaybackState) error {
	var reporterHandle types.SessionHandle
	switch {
	case reporter == p.host.ID:
		reporterHandle = p.host
	default:
		sub, ok := p.subscribers[reporter]
		if !ok {
			return ErrNotParticipant
		}
		reporterHandle = sub
	}

	normalized := state.Normalize(reporterHandle.TimeOffset())

	if reporter != p.host.ID {
		if !sendSync(p.host, normalized) {
			return p.Stop(types.StopReasonStoppedByHost)
		}
	}

	var errored []types.SessionID
	for id, sub := range p.subscribers {
		if id == reporter {
			continue
		}
		if !sendSync(sub, normalized) {
			errored = append(errored, id)
		}
	}
	for _, id := range errored {
		p.Disconnect(id, types.DisconnectSubscriberError())
	}

	metrics.PlaybackSyncsTotal.Inc()
	return nil
}

func sendSync(target types.SessionHandle, normalized types.PlaybackState) bool {
	return target.Send(types.PlaybackSyncEvent{State: normalized.Incorporate(target.TimeOffset())})
}
