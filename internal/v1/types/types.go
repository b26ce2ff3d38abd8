// Package types holds the domain types shared between the room, playback and
// session actors: identifiers, roles and their permission mapping, playback
// state, the reason enums, and the weak session handle that rooms use to talk
// back to sessions without pinning them.
package types

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// --- Identifiers ---

// SessionID uniquely identifies one authenticated connection for the life of
// the process.
type SessionID uuid.UUID

// RoomID uniquely identifies one room for the life of the process.
type RoomID uuid.UUID

// NewSessionID mints a random session identifier.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// NewRoomID mints a random room identifier.
func NewRoomID() RoomID { return RoomID(uuid.New()) }

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id RoomID) String() string    { return uuid.UUID(id).String() }

// ParseRoomID parses the human rendering of a room id.
func ParseRoomID(s string) (RoomID, error) {
	u, err := uuid.Parse(s)
	return RoomID(u), err
}

// ParseSessionID parses the human rendering of a session id.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	return SessionID(u), err
}

// --- Roles and permissions ---

// Role is the tier a user occupies inside a room.
type Role string

const (
	RoleHost      Role = "host"
	RoleGuest     Role = "guest"
	RoleSpectator Role = "spectator"
)

// Valid reports whether r is one of the three known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleGuest, RoleSpectator:
		return true
	}
	return false
}

// UserPermissions is the fixed capability set a role maps to.
type UserPermissions struct {
	CanHost     bool
	CanSetRoles bool
	CanKick     bool
	CanClose    bool
}

// Permissions returns the deterministic capability set for the role.
// Hosts hold every capability, guests may host playbacks, spectators hold none.
func (r Role) Permissions() UserPermissions {
	switch r {
	case RoleHost:
		return UserPermissions{CanHost: true, CanSetRoles: true, CanKick: true, CanClose: true}
	case RoleGuest:
		return UserPermissions{CanHost: true}
	default:
		return UserPermissions{}
	}
}

// --- Playback domain ---

// PlaybackSource describes the shared media selection. Immutable after a
// playback starts.
type PlaybackSource struct {
	Title        string
	PageHref     string
	FrameHref    string
	ElementQuery string
}

// PlaybackState is one playback assertion: at wall-clock Timestamp (ms, in the
// reporter's local clock) playback was at Time seconds, playing or paused.
type PlaybackState struct {
	Timestamp uint64
	Playing   bool
	Time      float32
}

// Normalize rewrites the timestamp from the reporter's clock into server time,
// given how far the reporter's clock leads the server's.
func (s PlaybackState) Normalize(sourceOffset int64) PlaybackState {
	s.Timestamp = addSigned(s.Timestamp, -sourceOffset)
	return s
}

// Incorporate rewrites a server-time timestamp into the destination peer's
// clock.
func (s PlaybackState) Incorporate(destOffset int64) PlaybackState {
	s.Timestamp = addSigned(s.Timestamp, destOffset)
	return s
}

// addSigned saturates instead of wrapping so a pathological offset cannot fold
// a timestamp around the epoch.
func addSigned(u uint64, d int64) uint64 {
	if d >= 0 {
		sum := u + uint64(d)
		if sum < u {
			return ^uint64(0)
		}
		return sum
	}
	mag := uint64(-d)
	if mag > u {
		return 0
	}
	return u - mag
}

// PlaybackInfo is the broadcast-safe description of an active playback.
type PlaybackInfo struct {
	HostName string
	Source   *PlaybackSource
}

// --- Reasons ---

// StopReason says why a playback ended.
type StopReason string

const (
	StopReasonHostError     StopReason = "host_error"
	StopReasonStoppedByHost StopReason = "stopped_by_host"
	StopReasonSuperseded    StopReason = "superseded"
)

// DisconnectKind distinguishes the ways a subscriber can leave a playback.
type DisconnectKind string

const (
	DisconnectKindUser            DisconnectKind = "user"
	DisconnectKindStopped         DisconnectKind = "stopped"
	DisconnectKindSubscriberError DisconnectKind = "subscriber_error"
)

// DisconnectReason is a tagged reason; Stop is only meaningful when Kind is
// DisconnectKindStopped.
type DisconnectReason struct {
	Kind DisconnectKind
	Stop StopReason
}

func DisconnectByUser() DisconnectReason {
	return DisconnectReason{Kind: DisconnectKindUser}
}

func DisconnectStopped(r StopReason) DisconnectReason {
	return DisconnectReason{Kind: DisconnectKindStopped, Stop: r}
}

func DisconnectSubscriberError() DisconnectReason {
	return DisconnectReason{Kind: DisconnectKindSubscriberError}
}

// RoomCloseReason says why a room disconnected its members.
type RoomCloseReason string

const (
	RoomCloseClosedByHost RoomCloseReason = "closed_by_host"
	RoomCloseServerError  RoomCloseReason = "server_error"
	RoomCloseUnauthorized RoomCloseReason = "unauthorized"
)

// --- Room state snapshot ---

// RoomUserData is one member entry inside a RoomState snapshot.
type RoomUserData struct {
	ID   SessionID
	Name string
	Role Role
}

// RoomState is the room actor's immutable membership snapshot, broadcast on
// every state change.
type RoomState struct {
	ID       RoomID
	Name     string
	Password string
	Playback *PlaybackInfo
	Users    []RoomUserData
}

// --- Session events ---

// SessionEvent is a message pushed by a room (or its playback coordinator)
// into a session's inbox. A closed tagged variant; the session supervisor
// dispatches with one type switch.
type SessionEvent interface{ sessionEvent() }

type RoomStateEvent struct{ State RoomState }

type RoomClosedEvent struct{ Reason RoomCloseReason }

type PlaybackStartedEvent struct{}

type PlaybackStoppedEvent struct{ Reason StopReason }

type PlaybackAvailableEvent struct{ Info PlaybackInfo }

type PlaybackConnectedEvent struct{}

type PlaybackDisconnectedEvent struct{ Reason DisconnectReason }

type PlaybackSyncEvent struct{ State PlaybackState }

func (RoomStateEvent) sessionEvent()            {}
func (RoomClosedEvent) sessionEvent()           {}
func (PlaybackStartedEvent) sessionEvent()      {}
func (PlaybackStoppedEvent) sessionEvent()      {}
func (PlaybackAvailableEvent) sessionEvent()    {}
func (PlaybackConnectedEvent) sessionEvent()    {}
func (PlaybackDisconnectedEvent) sessionEvent() {}
func (PlaybackSyncEvent) sessionEvent()         {}

// --- Session inbox and handle ---

// SessionInboxSize bounds the per-session event queue.
const SessionInboxSize = 32

// SessionInbox is the event queue a session supervisor drains. Closing it
// invalidates every handle pointing at it; senders observe the close instead
// of blocking on a dead session.
type SessionInbox struct {
	ch        chan SessionEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewSessionInbox() *SessionInbox {
	return &SessionInbox{
		ch:   make(chan SessionEvent, SessionInboxSize),
		done: make(chan struct{}),
	}
}

// Events is the receive side, owned by the session supervisor.
func (in *SessionInbox) Events() <-chan SessionEvent { return in.ch }

// Close marks the inbox dead. Idempotent.
func (in *SessionInbox) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}

// SessionHandle is the weak reference a room holds to a session: delivery
// fails once the session has closed its inbox, it never blocks forever on a
// dead peer, and it exposes the session's measured clock offset.
type SessionHandle struct {
	ID     SessionID
	Name   string
	inbox  *SessionInbox
	offset *atomic.Int64
}

func NewSessionHandle(id SessionID, name string, inbox *SessionInbox, offset *atomic.Int64) SessionHandle {
	return SessionHandle{ID: id, Name: name, inbox: inbox, offset: offset}
}

// Send delivers an event, applying the inbox's backpressure. It reports false
// once the session is gone; callers treat that as the session having left.
func (h SessionHandle) Send(ev SessionEvent) bool {
	if h.inbox == nil {
		return false
	}
	select {
	case <-h.inbox.done:
		return false
	default:
	}
	select {
	case h.inbox.ch <- ev:
		return true
	case <-h.inbox.done:
		return false
	}
}

// TimeOffset is how far the session's peer clock leads the server clock, in
// milliseconds, as measured by the session's most recent ping.
func (h SessionHandle) TimeOffset() int64 {
	if h.offset == nil {
		return 0
	}
	return h.offset.Load()
}
