package room

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/metrics"
	"github.com/syncroom/server/internal/v1/types"
)

// Handle is a session's reference to a room actor. All methods turn into
// requests on the room's inbox and wait for the actor's reply; once the actor
// has exited they fail with ErrRoomGone instead of blocking.
type Handle struct {
	ID       types.RoomID
	requests chan<- request
	done     <-chan struct{}
}

func (h *Handle) submit(ctx context.Context, req request) error {
	select {
	case h.requests <- req:
		return nil
	case <-h.done:
		return ErrRoomGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-h.done:
		// The actor may have replied just before exiting.
		select {
		case err := <-reply:
			return err
		default:
			return ErrRoomGone
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) roundTrip(ctx context.Context, req request, reply chan error) error {
	if err := h.submit(ctx, req); err != nil {
		return err
	}
	return h.await(ctx, reply)
}

// State fetches the current membership snapshot.
func (h *Handle) State(ctx context.Context) (types.RoomState, error) {
	reply := make(chan types.RoomState, 1)
	if err := h.submit(ctx, stateReq{reply: reply}); err != nil {
		return types.RoomState{}, err
	}
	select {
	case state := <-reply:
		return state, nil
	case <-h.done:
		select {
		case state := <-reply:
			return state, nil
		default:
			return types.RoomState{}, ErrRoomGone
		}
	case <-ctx.Done():
		return types.RoomState{}, ctx.Err()
	}
}

// Permissions resolves the role and capability set of a member.
func (h *Handle) Permissions(ctx context.Context, session types.SessionID) (types.Role, types.UserPermissions, error) {
	reply := make(chan permissionsResult, 1)
	if err := h.submit(ctx, permissionsReq{session: session, reply: reply}); err != nil {
		return "", types.UserPermissions{}, err
	}
	select {
	case res := <-reply:
		return res.role, res.perms, res.err
	case <-h.done:
		select {
		case res := <-reply:
			return res.role, res.perms, res.err
		default:
			return "", types.UserPermissions{}, ErrRoomGone
		}
	case <-ctx.Done():
		return "", types.UserPermissions{}, ctx.Err()
	}
}

// SetRole changes the target's role on behalf of issuer.
func (h *Handle) SetRole(ctx context.Context, issuer, target types.SessionID, role types.Role) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, setRoleReq{issuer: issuer, target: target, role: role, reply: reply}, reply)
}

// Kick forcibly removes target on behalf of issuer.
func (h *Handle) Kick(ctx context.Context, issuer, target types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, kickReq{issuer: issuer, target: target, reply: reply}, reply)
}

// Leave removes the session from the room.
func (h *Handle) Leave(ctx context.Context, session types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, leaveReq{session: session, reply: reply}, reply)
}

// Close shuts the room down on behalf of issuer.
func (h *Handle) Close(ctx context.Context, issuer types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, closeReq{issuer: issuer, reply: reply}, reply)
}

// PlaybackHost makes the session the playback host, superseding any running
// playback.
func (h *Handle) PlaybackHost(ctx context.Context, session types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackHostReq{session: session, reply: reply}, reply)
}

// PlaybackConnect subscribes the session to the running playback.
func (h *Handle) PlaybackConnect(ctx context.Context, session types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackConnectReq{session: session, reply: reply}, reply)
}

// PlaybackStart starts playback of a source.
func (h *Handle) PlaybackStart(ctx context.Context, session types.SessionID, source types.PlaybackSource) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackStartReq{session: session, source: source, reply: reply}, reply)
}

// PlaybackStop stops the running playback.
func (h *Handle) PlaybackStop(ctx context.Context, session types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackStopReq{session: session, reply: reply}, reply)
}

// PlaybackSync mediates one playback state report.
func (h *Handle) PlaybackSync(ctx context.Context, session types.SessionID, state types.PlaybackState) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackSyncReq{session: session, state: state, reply: reply}, reply)
}

// PlaybackDisconnect unsubscribes the session from the playback.
func (h *Handle) PlaybackDisconnect(ctx context.Context, session types.SessionID) error {
	reply := make(chan error, 1)
	return h.roundTrip(ctx, playbackDisconnectReq{session: session, reply: reply}, reply)
}

// controller is the registry's bookkeeping for one live room actor.
type controller struct {
	id       types.RoomID
	name     string
	password string
	room     *Room
}

func (c *controller) handle() *Handle {
	return &Handle{ID: c.id, requests: c.room.requests, done: c.room.done}
}

func (c *controller) sendCommand(ctx context.Context, cmd command, reply chan error) error {
	select {
	case c.room.commands <- cmd:
	case <-c.room.done:
		return ErrRoomGone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.room.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRoomGone
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry owns the process-wide map of live rooms. The mutex only guards the
// map itself: callers never wait for room actor work while holding it.
type Registry struct {
	mu    sync.Mutex
	rooms map[types.RoomID]*controller
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[types.RoomID]*controller)}
}

// CreateRoom spawns a new room actor and joins the creator as Host.
func (g *Registry) CreateRoom(ctx context.Context, name, password string, creator types.SessionHandle) (*Handle, error) {
	id := types.NewRoomID()
	r := newRoom(id, name, password, g.remove)
	c := &controller{id: id, name: name, password: password, room: r}

	g.mu.Lock()
	g.rooms[id] = c
	g.mu.Unlock()
	metrics.ActiveRooms.Inc()

	go r.run()

	reply := make(chan error, 1)
	if err := c.sendCommand(ctx, joinCmd{role: types.RoleHost, handle: creator, reply: reply}, reply); err != nil {
		_ = g.CloseRoom(context.WithoutCancel(ctx), id, types.RoomCloseServerError)
		return nil, err
	}

	logging.Info(ctx, "Room created",
		zap.String("room_id", id.String()),
		zap.String("name", name),
		zap.String("creator", creator.Name))
	return c.handle(), nil
}

// JoinRoom adds the joiner to an existing room as Guest after checking the
// password.
func (g *Registry) JoinRoom(ctx context.Context, id types.RoomID, password string, joiner types.SessionHandle) (*Handle, error) {
	g.mu.Lock()
	c, ok := g.rooms[id]
	g.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if c.password != password {
		return nil, ErrIncorrectPassword
	}

	reply := make(chan error, 1)
	if err := c.sendCommand(ctx, joinCmd{role: types.RoleGuest, handle: joiner, reply: reply}, reply); err != nil {
		return nil, err
	}
	return c.handle(), nil
}

// CloseRoom closes the room actor and waits for it to exit. Closing an
// unknown room is a no-op.
func (g *Registry) CloseRoom(ctx context.Context, id types.RoomID, reason types.RoomCloseReason) error {
	g.mu.Lock()
	c, ok := g.rooms[id]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	reply := make(chan error, 1)
	if err := c.sendCommand(ctx, closeCmd{reason: reason, reply: reply}, reply); err != nil && !errors.Is(err, ErrRoomGone) {
		return err
	}
	select {
	case <-c.room.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove drops the registry entry once a room actor has exited. Called from
// the actor's own goroutine.
func (g *Registry) remove(id types.RoomID) {
	g.mu.Lock()
	_, ok := g.rooms[id]
	delete(g.rooms, id)
	g.mu.Unlock()
	if ok {
		metrics.ActiveRooms.Dec()
	}
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown closes every room, cascading a ServerError disconnect to their
// members.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	ids := make([]types.RoomID, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		if err := g.CloseRoom(ctx, id, types.RoomCloseServerError); err != nil {
			return err
		}
	}
	return nil
}
