// Package room implements the room actor and the process-wide registry of
// rooms.
//
// Each room is owned by a single goroutine running a select loop over a
// low-traffic command inbox (join, close) and a per-operation request inbox.
// Only that goroutine touches the room's state, so the room needs no locks.
// Sessions talk to a room through a Handle; the room talks back through the
// weak session handles it collected at join time.
package room

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/metrics"
	"github.com/syncroom/server/internal/v1/playback"
	"github.com/syncroom/server/internal/v1/types"
)

const (
	commandBufferSize = 8
	requestBufferSize = 32
)

var (
	// ErrRoomGone is returned by Handle operations once the room actor has
	// exited.
	ErrRoomGone = errors.New("room is gone")
	// ErrNotFound is returned when no room has the requested id.
	ErrNotFound = errors.New("room not found")
	// ErrIncorrectPassword is returned when the join password does not match.
	// The text is forwarded to the peer verbatim.
	ErrIncorrectPassword = errors.New("Incorrect password")
	// ErrAlreadyJoined rejects a duplicate join of the same session.
	ErrAlreadyJoined = errors.New("session already joined this room")
	// ErrUserNotFound marks an operation that targets a session the room does
	// not know.
	ErrUserNotFound = errors.New("user not found in room")
	// ErrPermissionDenied marks an operation the issuer's role does not allow.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNoPlayback marks a playback operation with no playback coordinator
	// in place.
	ErrNoPlayback = errors.New("no playback is active")
	// ErrInvalidRole rejects a role string outside the known tiers.
	ErrInvalidRole = errors.New("invalid role")
)

// user is one member as tracked by the owning room actor.
type user struct {
	handle types.SessionHandle
	role   types.Role
}

// --- Inbox message types ---

type command interface{ roomCommand() }

type joinCmd struct {
	role   types.Role
	handle types.SessionHandle
	reply  chan error
}

type closeCmd struct {
	reason types.RoomCloseReason
	reply  chan error
}

func (joinCmd) roomCommand()  {}
func (closeCmd) roomCommand() {}

type request interface{ roomRequest() }

type stateReq struct{ reply chan types.RoomState }

type permissionsReq struct {
	session types.SessionID
	reply   chan permissionsResult
}

type permissionsResult struct {
	role  types.Role
	perms types.UserPermissions
	err   error
}

type setRoleReq struct {
	issuer, target types.SessionID
	role           types.Role
	reply          chan error
}

type kickReq struct {
	issuer, target types.SessionID
	reply          chan error
}

type leaveReq struct {
	session types.SessionID
	reply   chan error
}

type closeReq struct {
	issuer types.SessionID
	reply  chan error
}

type playbackHostReq struct {
	session types.SessionID
	reply   chan error
}

type playbackConnectReq struct {
	session types.SessionID
	reply   chan error
}

type playbackStartReq struct {
	session types.SessionID
	source  types.PlaybackSource
	reply   chan error
}

type playbackStopReq struct {
	session types.SessionID
	reply   chan error
}

type playbackSyncReq struct {
	session types.SessionID
	state   types.PlaybackState
	reply   chan error
}

type playbackDisconnectReq struct {
	session types.SessionID
	reply   chan error
}

func (stateReq) roomRequest()              {}
func (permissionsReq) roomRequest()        {}
func (setRoleReq) roomRequest()            {}
func (kickReq) roomRequest()               {}
func (leaveReq) roomRequest()              {}
func (closeReq) roomRequest()              {}
func (playbackHostReq) roomRequest()       {}
func (playbackConnectReq) roomRequest()    {}
func (playbackStartReq) roomRequest()      {}
func (playbackStopReq) roomRequest()       {}
func (playbackSyncReq) roomRequest()       {}
func (playbackDisconnectReq) roomRequest() {}

// Room is one room actor. Its fields are only touched by run's goroutine.
type Room struct {
	id       types.RoomID
	name     string
	password string

	running  bool
	users    map[types.SessionID]*user
	playback *playback.Playback

	commands chan command
	requests chan request
	done     chan struct{}
	onExit   func(types.RoomID)

	ctx context.Context
}

func newRoom(id types.RoomID, name, password string, onExit func(types.RoomID)) *Room {
	return &Room{
		id:       id,
		name:     name,
		password: password,
		running:  true,
		users:    make(map[types.SessionID]*user),
		commands: make(chan command, commandBufferSize),
		requests: make(chan request, requestBufferSize),
		done:     make(chan struct{}),
		onExit:   onExit,
		ctx:      logging.WithRoom(context.Background(), id.String()),
	}
}

// run is the actor loop. It exits once a close has been processed.
func (r *Room) run() {
	defer func() {
		close(r.done)
		metrics.RoomUsers.DeleteLabelValues(r.id.String())
		if r.onExit != nil {
			r.onExit(r.id)
		}
	}()

	for r.running {
		select {
		case cmd := <-r.commands:
			r.handleCommand(cmd)
		case req := <-r.requests:
			r.handleRequest(req)
		}
	}
}

func (r *Room) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case joinCmd:
		c.reply <- r.join(c.role, c.handle)
	case closeCmd:
		r.close(c.reason)
		c.reply <- nil
	}
}

func (r *Room) handleRequest(req request) {
	switch q := req.(type) {
	case stateReq:
		q.reply <- r.snapshot()
	case permissionsReq:
		q.reply <- r.permissions(q.session)
	case setRoleReq:
		q.reply <- r.setRole(q.issuer, q.target, q.role)
	case kickReq:
		q.reply <- r.kick(q.issuer, q.target)
	case leaveReq:
		q.reply <- r.leave(q.session)
	case closeReq:
		q.reply <- r.closeBy(q.issuer)
	case playbackHostReq:
		q.reply <- r.playbackHost(q.session)
	case playbackConnectReq:
		q.reply <- r.playbackConnect(q.session)
	case playbackStartReq:
		q.reply <- r.playbackStart(q.session, q.source)
	case playbackStopReq:
		q.reply <- r.playbackStop(q.session)
	case playbackSyncReq:
		q.reply <- r.playbackSync(q.session, q.state)
	case playbackDisconnectReq:
		q.reply <- r.playbackDisconnect(q.session)
	}
}

// --- Membership ---

func (r *Room) join(role types.Role, handle types.SessionHandle) error {
	if _, exists := r.users[handle.ID]; exists {
		return ErrAlreadyJoined
	}
	r.users[handle.ID] = &user{handle: handle, role: role}
	logging.Info(r.ctx, "User joined room",
		zap.String("session_id", handle.ID.String()),
		zap.String("name", handle.Name),
		zap.String("role", string(role)))
	metrics.RoomUsers.WithLabelValues(r.id.String()).Set(float64(len(r.users)))
	r.broadcastState()
	return nil
}

func (r *Room) leave(session types.SessionID) error {
	u, ok := r.users[session]
	if !ok {
		return ErrUserNotFound
	}
	delete(r.users, session)
	logging.Info(r.ctx, "User left room", zap.String("session_id", session.String()))
	metrics.RoomUsers.WithLabelValues(r.id.String()).Set(float64(len(r.users)))

	r.dropFromPlayback(session)

	if len(r.users) == 0 {
		r.close(types.RoomCloseClosedByHost)
		return nil
	}
	if u.role == types.RoleHost && !r.hasHost() {
		if !r.succeedHost() {
			r.close(types.RoomCloseServerError)
			return nil
		}
	}
	r.broadcastState()
	return nil
}

// dropFromPlayback cleans a departing session out of the playback
// coordinator: a departing playback host ends the playback, a departing
// subscriber is disconnected quietly.
func (r *Room) dropFromPlayback(session types.SessionID) {
	if r.playback == nil {
		return
	}
	if r.playback.HostID() == session {
		if err := r.playback.Stop(types.StopReasonHostError); err != nil {
			logging.Error(r.ctx, "Failed to stop playback after host left", zap.Error(err))
		}
		r.playback = nil
		return
	}
	r.playback.Disconnect(session, types.DisconnectByUser())
}

func (r *Room) hasHost() bool {
	for _, u := range r.users {
		if u.role == types.RoleHost {
			return true
		}
	}
	return false
}

// succeedHost promotes a Guest if any, otherwise a Spectator. It reports
// false only if the room is non-empty yet nobody could be promoted.
func (r *Room) succeedHost() bool {
	var candidate *user
	for _, u := range r.users {
		if u.role == types.RoleGuest {
			candidate = u
			break
		}
	}
	if candidate == nil {
		for _, u := range r.users {
			if u.role == types.RoleSpectator {
				candidate = u
				break
			}
		}
	}
	if candidate == nil {
		return false
	}
	candidate.role = types.RoleHost
	logging.Info(r.ctx, "Promoted user to host",
		zap.String("session_id", candidate.handle.ID.String()),
		zap.String("name", candidate.handle.Name))
	return true
}

func (r *Room) permissions(session types.SessionID) permissionsResult {
	u, ok := r.users[session]
	if !ok {
		return permissionsResult{err: ErrUserNotFound}
	}
	return permissionsResult{role: u.role, perms: u.role.Permissions()}
}

func (r *Room) setRole(issuer, target types.SessionID, role types.Role) error {
	iss, ok := r.users[issuer]
	if !ok {
		return ErrUserNotFound
	}
	if !iss.role.Permissions().CanSetRoles {
		return ErrPermissionDenied
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	tgt, ok := r.users[target]
	if !ok {
		return ErrUserNotFound
	}
	tgt.role = role

	// Demoting the last host must not leave the room hostless.
	if !r.hasHost() && !r.succeedHost() {
		r.close(types.RoomCloseServerError)
		return nil
	}
	r.broadcastState()
	return nil
}

func (r *Room) kick(issuer, target types.SessionID) error {
	iss, ok := r.users[issuer]
	if !ok {
		return ErrUserNotFound
	}
	if !iss.role.Permissions().CanKick {
		return ErrPermissionDenied
	}
	tgt, ok := r.users[target]
	if !ok {
		return ErrUserNotFound
	}
	tgt.handle.Send(types.RoomClosedEvent{Reason: types.RoomCloseUnauthorized})
	return r.leave(target)
}

func (r *Room) closeBy(issuer types.SessionID) error {
	iss, ok := r.users[issuer]
	if !ok {
		return ErrUserNotFound
	}
	if !iss.role.Permissions().CanClose {
		return ErrPermissionDenied
	}
	r.close(types.RoomCloseClosedByHost)
	return nil
}

// close publishes the reason to every remaining user and stops the actor
// loop. Closing twice is a no-op.
func (r *Room) close(reason types.RoomCloseReason) {
	if !r.running {
		return
	}
	logging.Info(r.ctx, "Closing room", zap.String("reason", string(reason)))
	r.running = false
	if r.playback != nil {
		if err := r.playback.Stop(types.StopReasonHostError); err != nil {
			logging.Error(r.ctx, "Failed to stop playback while closing room", zap.Error(err))
		}
		r.playback = nil
	}
	for _, u := range r.users {
		u.handle.Send(types.RoomClosedEvent{Reason: reason})
	}
	r.users = make(map[types.SessionID]*user)
}

// --- Playback delegation ---

func (r *Room) playbackHost(session types.SessionID) error {
	u, ok := r.users[session]
	if !ok {
		return ErrUserNotFound
	}
	if !u.role.Permissions().CanHost {
		return ErrPermissionDenied
	}
	if r.playback != nil && r.playback.Running() {
		if err := r.playback.Stop(types.StopReasonSuperseded); err != nil {
			return err
		}
	}
	r.playback = playback.New(u.handle)
	logging.Info(r.ctx, "Playback host assigned", zap.String("session_id", session.String()))
	r.broadcastState()
	return nil
}

func (r *Room) playbackConnect(session types.SessionID) error {
	u, ok := r.users[session]
	if !ok {
		return ErrUserNotFound
	}
	if r.playback == nil {
		return ErrNoPlayback
	}
	return r.playback.Connect(u.handle)
}

func (r *Room) playbackStart(session types.SessionID, source types.PlaybackSource) error {
	if _, ok := r.users[session]; !ok {
		return ErrUserNotFound
	}
	if r.playback == nil {
		return ErrNoPlayback
	}
	if err := r.playback.Start(session, source); err != nil {
		return err
	}
	r.broadcastState()
	return nil
}

func (r *Room) playbackStop(session types.SessionID) error {
	if _, ok := r.users[session]; !ok {
		return ErrUserNotFound
	}
	if r.playback == nil {
		return ErrNoPlayback
	}
	if err := r.playback.RequestStop(session); err != nil {
		return err
	}
	r.broadcastState()
	return nil
}

func (r *Room) playbackSync(session types.SessionID, state types.PlaybackState) error {
	if _, ok := r.users[session]; !ok {
		return ErrUserNotFound
	}
	if r.playback == nil {
		return ErrNoPlayback
	}
	return r.playback.Sync(session, state)
}

func (r *Room) playbackDisconnect(session types.SessionID) error {
	if _, ok := r.users[session]; !ok {
		return ErrUserNotFound
	}
	if r.playback == nil {
		return ErrNoPlayback
	}
	r.playback.Disconnect(session, types.DisconnectByUser())
	return nil
}

// --- State snapshots and broadcast ---

// snapshot produces the immutable state view broadcast to members. Users are
// sorted by id so every recipient sees an identical value.
func (r *Room) snapshot() types.RoomState {
	users := make([]types.RoomUserData, 0, len(r.users))
	for id, u := range r.users {
		users = append(users, types.RoomUserData{ID: id, Name: u.handle.Name, Role: u.role})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID.String() < users[j].ID.String() })

	state := types.RoomState{
		ID:       r.id,
		Name:     r.name,
		Password: r.password,
		Users:    users,
	}
	if r.playback != nil {
		info := r.playback.Info()
		state.Playback = &info
	}
	return state
}

// broadcastState sends the same snapshot to every member. Iteration runs over
// a copy of the id set; members whose inbox is gone are queued as asynchronous
// leaves so the current request is not re-entered.
func (r *Room) broadcastState() {
	state := r.snapshot()

	ids := make([]types.SessionID, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}

	for _, id := range ids {
		u, ok := r.users[id]
		if !ok {
			continue
		}
		if !u.handle.Send(types.RoomStateEvent{State: state}) {
			logging.Warn(r.ctx, "Session inbox gone during broadcast, queueing leave",
				zap.String("session_id", id.String()))
			r.queueLeave(id)
		}
	}
}

// queueLeave schedules a leave through the request inbox instead of mutating
// membership mid-operation.
func (r *Room) queueLeave(id types.SessionID) {
	go func() {
		req := leaveReq{session: id, reply: make(chan error, 1)}
		select {
		case r.requests <- req:
		case <-r.done:
		}
	}()
}
