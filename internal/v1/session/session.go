// Package session implements the per-connection supervisor. A Session owns
// one logged-in connection and runs a single loop multiplexing three inputs:
// messages from the peer, events pushed by the room the session has joined,
// and a periodic ping that keeps the peer's clock offset fresh.
//
// A session is in at most one room at a time. Joining or creating a room
// while already in one leaves the old room first.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/conn"
	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/metrics"
	"github.com/syncroom/server/internal/v1/room"
	"github.com/syncroom/server/internal/v1/types"
	"github.com/syncroom/server/internal/v1/wire"
)

// PingInterval is how often the session measures the peer's clock offset.
const PingInterval = 5 * time.Second

// Session supervises one logged-in peer for its whole life.
type Session struct {
	id       types.SessionID
	conn     *conn.Conn
	registry *room.Registry

	inbox  *types.SessionInbox
	offset atomic.Int64

	// room is the joined room, or nil. Only Run's goroutine touches it.
	room *room.Handle

	ctx context.Context
}

// New builds a session around an already logged-in connection.
func New(c *conn.Conn, registry *room.Registry) *Session {
	id := types.NewSessionID()
	return &Session{
		id:       id,
		conn:     c,
		registry: registry,
		inbox:    types.NewSessionInbox(),
		ctx:      logging.WithSession(context.Background(), id.String()),
	}
}

// ID identifies this session for the life of the process.
func (s *Session) ID() types.SessionID { return s.id }

// handle is the weak reference rooms keep to this session.
func (s *Session) handle() types.SessionHandle {
	return types.NewSessionHandle(s.id, s.conn.Username(), s.inbox, &s.offset)
}

// Run drives the session until the peer disconnects or ctx is cancelled. It
// always leaves the joined room and invalidates the inbox before returning.
func (s *Session) Run(ctx context.Context) {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer s.shutdown()

	logging.Info(s.ctx, "Session started", zap.String("username", s.conn.Username()))

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.conn.Messages():
			if !ok {
				logging.Info(s.ctx, "Peer disconnected")
				return
			}
			s.dispatch(ctx, msg)

		case ev := <-s.inbox.Events():
			s.handleEvent(ev)

		case <-ticker.C:
			s.ping()

		case <-ctx.Done():
			_ = s.conn.Close(wire.ClosedServerError, "Server shutting down")
			return
		}
	}
}

// shutdown invalidates the inbox first so the room sees the session as gone,
// then leaves whatever room the session was in.
func (s *Session) shutdown() {
	s.inbox.Close()
	if s.room != nil {
		if err := s.room.Leave(context.Background(), s.id); err != nil && !errors.Is(err, room.ErrRoomGone) {
			logging.Warn(s.ctx, "Failed to leave room during shutdown", zap.Error(err))
		}
		s.room = nil
	}
	logging.Info(s.ctx, "Session ended")
}

// ping refreshes the clock offset. A timed-out ping is tolerated; the offset
// just stays stale until the next round.
func (s *Session) ping() {
	res, err := s.conn.Ping()
	if err != nil {
		if errors.Is(err, conn.ErrPingTimeout) {
			logging.Debug(s.ctx, "Ping timed out, keeping previous offset")
		}
		return
	}
	s.offset.Store(res.TimeOffset)
	metrics.PingLatency.Observe(res.Latency.Seconds())
}

// dispatch routes one client message. Handler errors are reported back as
// client errors; the session itself survives them.
func (s *Session) dispatch(ctx context.Context, msg wire.Message) {
	err := s.handleMessage(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
		logging.Debug(s.ctx, "Request failed",
			zap.String("tag", msg.Tag()), zap.Error(err))
		s.conn.SendError(err.Error())
	}
	metrics.MessagesTotal.WithLabelValues(msg.Tag(), status).Inc()
}

func (s *Session) handleMessage(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.RoomCreate:
		return s.roomCreate(ctx, m)
	case *wire.RoomJoin:
		return s.roomJoin(ctx, m)
	case *wire.RoomLeave:
		return s.roomLeave(ctx)
	case *wire.RoomClose:
		return s.roomClose(ctx)
	case *wire.RoomRequestState:
		return s.roomRequestState(ctx)
	case *wire.RoomRequestPermissions:
		return s.roomRequestPermissions(ctx)
	case *wire.RoomSetUserRole:
		return s.roomSetUserRole(ctx, m)
	case *wire.RoomKickUser:
		return s.roomKickUser(ctx, m)

	case *wire.PlaybackRequestHost:
		return s.playbackRequestHost(ctx)
	case *wire.PlaybackRequestConnect:
		return s.playbackRequestConnect(ctx)
	case *wire.PlaybackRequestStart:
		return s.playbackRequestStart(ctx, m)
	case *wire.PlaybackSync:
		return s.playbackSync(ctx, m)
	case *wire.PlaybackRequestStop:
		return s.playbackRequestStop(ctx)
	case *wire.PlaybackRequestDisconnect:
		return s.playbackRequestDisconnect(ctx)

	case *wire.Login:
		return fmt.Errorf("already logged in")
	default:
		return fmt.Errorf("unexpected message: %s", msg.Tag())
	}
}

// --- Room operations ---

// joined returns the current room or an error usable as a client reply.
func (s *Session) joined() (*room.Handle, error) {
	if s.room == nil {
		return nil, fmt.Errorf("not in a room")
	}
	return s.room, nil
}

// leaveCurrent detaches from the current room, tolerating a room that is
// already gone.
func (s *Session) leaveCurrent(ctx context.Context) error {
	if s.room == nil {
		return nil
	}
	err := s.room.Leave(ctx, s.id)
	s.room = nil
	if err != nil && !errors.Is(err, room.ErrRoomGone) && !errors.Is(err, room.ErrUserNotFound) {
		return err
	}
	return nil
}

func (s *Session) roomCreate(ctx context.Context, m *wire.RoomCreate) error {
	if err := s.leaveCurrent(ctx); err != nil {
		return err
	}
	h, err := s.registry.CreateRoom(ctx, m.Name, m.Password, s.handle())
	if err != nil {
		return err
	}
	s.room = h
	return s.conn.Send(wire.NewRoomCreateAck())
}

func (s *Session) roomJoin(ctx context.Context, m *wire.RoomJoin) error {
	id, err := types.ParseRoomID(m.ID)
	if err != nil {
		return fmt.Errorf("invalid room id: %w", err)
	}
	if err := s.leaveCurrent(ctx); err != nil {
		return err
	}
	h, err := s.registry.JoinRoom(ctx, id, m.Password, s.handle())
	if err != nil {
		return err
	}
	s.room = h
	return s.conn.Send(wire.NewRoomJoinAck())
}

func (s *Session) roomLeave(ctx context.Context) error {
	if _, err := s.joined(); err != nil {
		return err
	}
	if err := s.leaveCurrent(ctx); err != nil {
		return err
	}
	return s.conn.Send(wire.NewRoomLeaveAck())
}

func (s *Session) roomClose(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	if err := h.Close(ctx, s.id); err != nil {
		return err
	}
	// The close event lands in the inbox and clears s.room there.
	return s.conn.Send(wire.NewRoomCloseAck())
}

func (s *Session) roomRequestState(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	state, err := h.State(ctx)
	if err != nil {
		return err
	}
	return s.conn.Send(roomStateToWire(state))
}

func (s *Session) roomRequestPermissions(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	role, perms, err := h.Permissions(ctx, s.id)
	if err != nil {
		return err
	}
	return s.conn.Send(wire.NewRoomPermissions(string(role), wire.UserPermissionsData{
		CanHost:     perms.CanHost,
		CanSetRoles: perms.CanSetRoles,
		CanKick:     perms.CanKick,
		CanClose:    perms.CanClose,
	}))
}

func (s *Session) roomSetUserRole(ctx context.Context, m *wire.RoomSetUserRole) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	target, err := types.ParseSessionID(m.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	return h.SetRole(ctx, s.id, target, types.Role(m.Role))
}

func (s *Session) roomKickUser(ctx context.Context, m *wire.RoomKickUser) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	target, err := types.ParseSessionID(m.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	return h.Kick(ctx, s.id, target)
}

// --- Playback operations ---

func (s *Session) playbackRequestHost(ctx context.Context) error {
	if !s.conn.Permissions().Host {
		return fmt.Errorf("not permitted to host playbacks")
	}
	h, err := s.joined()
	if err != nil {
		return err
	}
	if err := h.PlaybackHost(ctx, s.id); err != nil {
		return err
	}
	return s.conn.Send(wire.NewPlaybackHosting())
}

func (s *Session) playbackRequestConnect(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	// The connected confirmation arrives through the inbox.
	return h.PlaybackConnect(ctx, s.id)
}

func (s *Session) playbackRequestStart(ctx context.Context, m *wire.PlaybackRequestStart) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	return h.PlaybackStart(ctx, s.id, types.PlaybackSource{
		Title:        m.Source.Title,
		PageHref:     m.Source.PageHref,
		FrameHref:    m.Source.FrameHref,
		ElementQuery: m.Source.ElementQuery,
	})
}

func (s *Session) playbackSync(ctx context.Context, m *wire.PlaybackSync) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	return h.PlaybackSync(ctx, s.id, types.PlaybackState{
		Timestamp: m.State.Timestamp,
		Playing:   m.State.Playing,
		Time:      m.State.Time,
	})
}

func (s *Session) playbackRequestStop(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	return h.PlaybackStop(ctx, s.id)
}

func (s *Session) playbackRequestDisconnect(ctx context.Context) error {
	h, err := s.joined()
	if err != nil {
		return err
	}
	return h.PlaybackDisconnect(ctx, s.id)
}

// --- Room events ---

// handleEvent translates one inbox event to its wire message. Send failures
// are logged only; a dead transport surfaces as the Messages channel closing.
func (s *Session) handleEvent(ev types.SessionEvent) {
	var msg wire.Message

	switch e := ev.(type) {
	case types.RoomStateEvent:
		msg = roomStateToWire(e.State)
	case types.RoomClosedEvent:
		s.room = nil
		msg = wire.NewRoomDisconnected(string(e.Reason))
	case types.PlaybackStartedEvent:
		msg = wire.NewPlaybackStarted()
	case types.PlaybackStoppedEvent:
		msg = wire.NewPlaybackStopped(string(e.Reason))
	case types.PlaybackAvailableEvent:
		msg = wire.NewPlaybackAvailable(playbackInfoToWire(e.Info))
	case types.PlaybackConnectedEvent:
		msg = wire.NewPlaybackConnected()
	case types.PlaybackDisconnectedEvent:
		msg = wire.NewPlaybackDisconnected(string(e.Reason.Kind), string(e.Reason.Stop))
	case types.PlaybackSyncEvent:
		msg = wire.NewPlaybackSync(wire.PlaybackStateData{
			Timestamp: e.State.Timestamp,
			Playing:   e.State.Playing,
			Time:      e.State.Time,
		})
	default:
		logging.Warn(s.ctx, "Dropping unknown session event")
		return
	}

	if err := s.conn.Send(msg); err != nil {
		logging.Debug(s.ctx, "Failed to forward event to peer",
			zap.String("tag", msg.Tag()), zap.Error(err))
	}
}

// --- Wire conversions ---

func roomStateToWire(state types.RoomState) *wire.RoomState {
	users := make([]wire.RoomUserData, 0, len(state.Users))
	for _, u := range state.Users {
		users = append(users, wire.RoomUserData{
			ID:   u.ID.String(),
			Name: u.Name,
			Role: string(u.Role),
		})
	}
	var info *wire.PlaybackInfoData
	if state.Playback != nil {
		converted := playbackInfoToWire(*state.Playback)
		info = &converted
	}
	return wire.NewRoomState(state.ID.String(), state.Name, state.Password, users, info)
}

func playbackInfoToWire(info types.PlaybackInfo) wire.PlaybackInfoData {
	data := wire.PlaybackInfoData{HostName: info.HostName}
	if info.Source != nil {
		data.Source = &wire.PlaybackSourceData{
			Title:        info.Source.Title,
			PageHref:     info.Source.PageHref,
			FrameHref:    info.Source.FrameHref,
			ElementQuery: info.Source.ElementQuery,
		}
	}
	return data
}
