// Package wire implements the message envelope exchanged with peers: a
// timestamped, tagged variant encoded either as MsgPack (binary frames) or
// JSON (text frames), plus the Channel that tracks which of the two formats a
// peer is currently speaking.
package wire

import "time"

// Now is the wall clock used for envelope timestamps, milliseconds since the
// Unix epoch.
func Now() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Message is one decoded envelope. Every concrete variant embeds Header.
type Message interface {
	Tag() string
	Timestamp() uint64
}

// Header carries the envelope fields shared by every message: the send
// timestamp and the kind/version tag.
type Header struct {
	T uint64 `json:"t" msgpack:"t"`
	M string `json:"m" msgpack:"m"`
}

func (h Header) Timestamp() uint64 { return h.T }
func (h Header) Tag() string       { return h.M }

func newHeader(tag string) Header {
	return Header{T: Now(), M: tag}
}

// Message tags. The suffix versions the body shape, not the protocol.
const (
	TagLogin       = "connection::login/v1"
	TagLoginAck    = "connection::login_ack/v1"
	TagPing        = "connection::ping/v1"
	TagPong        = "connection::pong/v1"
	TagClientError = "connection::client_error/v1"
	TagClosed      = "connection::closed/v1"
	TagKeepalive   = "connection::keepalive/v1"

	TagRoomCreate             = "room::create/v1"
	TagRoomCreateAck          = "room::create_ack/v1"
	TagRoomClose              = "room::close/v1"
	TagRoomCloseAck           = "room::close_ack/v1"
	TagRoomJoin               = "room::join/v1"
	TagRoomJoinAck            = "room::join_ack/v1"
	TagRoomLeave              = "room::leave/v1"
	TagRoomLeaveAck           = "room::leave_ack/v1"
	TagRoomRequestState       = "room::request_state/v1"
	TagRoomState              = "room::state/v1"
	TagRoomDisconnected       = "room::disconnected/v1"
	TagRoomRequestPermissions = "room::request_permissions/v1"
	TagRoomPermissions        = "room::permissions/v1"
	TagRoomSetUserRole        = "room::set_user_role/v1"
	TagRoomKickUser           = "room::kick_user/v1"

	TagPlaybackRequestHost       = "playback::request_host/v1"
	TagPlaybackHosting           = "playback::hosting/v1"
	TagPlaybackRequestConnect    = "playback::request_connect/v1"
	TagPlaybackConnected         = "playback::connected/v1"
	TagPlaybackAvailable         = "playback::available/v1"
	TagPlaybackRequestStart      = "playback::request_start/v1"
	TagPlaybackStarted           = "playback::started/v1"
	TagPlaybackSync              = "playback::sync/v1"
	TagPlaybackRequestStop       = "playback::request_stop/v1"
	TagPlaybackStopped           = "playback::stopped/v1"
	TagPlaybackRequestDisconnect = "playback::request_disconnect/v1"
	TagPlaybackDisconnected      = "playback::disconnected/v1"
)

// ClosedReason is the wire rendering of why a connection was closed.
type ClosedReason string

const (
	ClosedUnauthorized ClosedReason = "unauthorized"
	ClosedServerError  ClosedReason = "server_error"
	ClosedRoomClosed   ClosedReason = "room_closed"
	ClosedTimeout      ClosedReason = "timeout"
	ClosedUnknown      ClosedReason = "unknown"
)

// --- Shared body shapes ---

// RoomUserData is one member entry in a room state snapshot.
type RoomUserData struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
	Role string `json:"role" msgpack:"role"`
}

// PlaybackSourceData describes the media selection being synced.
type PlaybackSourceData struct {
	Title        string `json:"title" msgpack:"title"`
	PageHref     string `json:"page_href" msgpack:"page_href"`
	FrameHref    string `json:"frame_href" msgpack:"frame_href"`
	ElementQuery string `json:"element_query" msgpack:"element_query"`
}

// PlaybackInfoData describes an active playback inside a state snapshot.
type PlaybackInfoData struct {
	HostName string              `json:"host_name" msgpack:"host_name"`
	Source   *PlaybackSourceData `json:"source,omitempty" msgpack:"source,omitempty"`
}

// PlaybackStateData is one playback assertion in the reporter's clock.
type PlaybackStateData struct {
	Timestamp uint64  `json:"timestamp" msgpack:"timestamp"`
	Playing   bool    `json:"playing" msgpack:"playing"`
	Time      float32 `json:"time" msgpack:"time"`
}

// UserPermissionsData is the capability set of a role.
type UserPermissionsData struct {
	CanHost     bool `json:"can_host" msgpack:"can_host"`
	CanSetRoles bool `json:"can_set_roles" msgpack:"can_set_roles"`
	CanKick     bool `json:"can_kick" msgpack:"can_kick"`
	CanClose    bool `json:"can_close" msgpack:"can_close"`
}

// --- Connection messages ---

type Login struct {
	Header
	APIKey   *string `json:"api_key" msgpack:"api_key"`
	Username string  `json:"username" msgpack:"username"`
}

type LoginAck struct{ Header }

type Ping struct{ Header }

type Pong struct{ Header }

type ClientError struct {
	Header
	Message string `json:"message" msgpack:"message"`
}

type Closed struct {
	Header
	Reason  ClosedReason `json:"reason" msgpack:"reason"`
	Message string       `json:"message" msgpack:"message"`
}

type Keepalive struct{ Header }

func NewLogin(apiKey *string, username string) *Login {
	return &Login{Header: newHeader(TagLogin), APIKey: apiKey, Username: username}
}
func NewLoginAck() *LoginAck { return &LoginAck{newHeader(TagLoginAck)} }
func NewPing() *Ping         { return &Ping{newHeader(TagPing)} }
func NewPong() *Pong         { return &Pong{newHeader(TagPong)} }
func NewClientError(message string) *ClientError {
	return &ClientError{Header: newHeader(TagClientError), Message: message}
}
func NewClosed(reason ClosedReason, message string) *Closed {
	return &Closed{Header: newHeader(TagClosed), Reason: reason, Message: message}
}
func NewKeepalive() *Keepalive { return &Keepalive{newHeader(TagKeepalive)} }

// --- Room messages ---

type RoomCreate struct {
	Header
	Name     string `json:"name" msgpack:"name"`
	Password string `json:"password" msgpack:"password"`
}

type RoomCreateAck struct{ Header }

type RoomClose struct{ Header }

type RoomCloseAck struct{ Header }

type RoomJoin struct {
	Header
	ID       string `json:"id" msgpack:"id"`
	Password string `json:"password" msgpack:"password"`
}

type RoomJoinAck struct{ Header }

type RoomLeave struct{ Header }

type RoomLeaveAck struct{ Header }

type RoomRequestState struct{ Header }

type RoomState struct {
	Header
	ID           string            `json:"id" msgpack:"id"`
	Name         string            `json:"name" msgpack:"name"`
	Password     string            `json:"password" msgpack:"password"`
	Users        []RoomUserData    `json:"users" msgpack:"users"`
	PlaybackInfo *PlaybackInfoData `json:"playback_info,omitempty" msgpack:"playback_info,omitempty"`
}

type RoomDisconnected struct {
	Header
	Reason string `json:"reason" msgpack:"reason"`
}

type RoomRequestPermissions struct{ Header }

type RoomPermissions struct {
	Header
	Role        string              `json:"role" msgpack:"role"`
	Permissions UserPermissionsData `json:"permissions" msgpack:"permissions"`
}

type RoomSetUserRole struct {
	Header
	UserID string `json:"user_id" msgpack:"user_id"`
	Role   string `json:"role" msgpack:"role"`
}

type RoomKickUser struct {
	Header
	UserID string `json:"user_id" msgpack:"user_id"`
}

func NewRoomCreate(name, password string) *RoomCreate {
	return &RoomCreate{Header: newHeader(TagRoomCreate), Name: name, Password: password}
}
func NewRoomCreateAck() *RoomCreateAck { return &RoomCreateAck{newHeader(TagRoomCreateAck)} }
func NewRoomClose() *RoomClose         { return &RoomClose{newHeader(TagRoomClose)} }
func NewRoomCloseAck() *RoomCloseAck   { return &RoomCloseAck{newHeader(TagRoomCloseAck)} }
func NewRoomJoin(id, password string) *RoomJoin {
	return &RoomJoin{Header: newHeader(TagRoomJoin), ID: id, Password: password}
}
func NewRoomJoinAck() *RoomJoinAck   { return &RoomJoinAck{newHeader(TagRoomJoinAck)} }
func NewRoomLeave() *RoomLeave       { return &RoomLeave{newHeader(TagRoomLeave)} }
func NewRoomLeaveAck() *RoomLeaveAck { return &RoomLeaveAck{newHeader(TagRoomLeaveAck)} }
func NewRoomRequestState() *RoomRequestState {
	return &RoomRequestState{newHeader(TagRoomRequestState)}
}
func NewRoomState(id, name, password string, users []RoomUserData, playback *PlaybackInfoData) *RoomState {
	return &RoomState{
		Header:       newHeader(TagRoomState),
		ID:           id,
		Name:         name,
		Password:     password,
		Users:        users,
		PlaybackInfo: playback,
	}
}
func NewRoomDisconnected(reason string) *RoomDisconnected {
	return &RoomDisconnected{Header: newHeader(TagRoomDisconnected), Reason: reason}
}
func NewRoomRequestPermissions() *RoomRequestPermissions {
	return &RoomRequestPermissions{newHeader(TagRoomRequestPermissions)}
}
func NewRoomPermissions(role string, perms UserPermissionsData) *RoomPermissions {
	return &RoomPermissions{Header: newHeader(TagRoomPermissions), Role: role, Permissions: perms}
}
func NewRoomSetUserRole(userID, role string) *RoomSetUserRole {
	return &RoomSetUserRole{Header: newHeader(TagRoomSetUserRole), UserID: userID, Role: role}
}
func NewRoomKickUser(userID string) *RoomKickUser {
	return &RoomKickUser{Header: newHeader(TagRoomKickUser), UserID: userID}
}

// --- Playback messages ---

type PlaybackRequestHost struct{ Header }

type PlaybackHosting struct{ Header }

type PlaybackRequestConnect struct{ Header }

type PlaybackConnected struct{ Header }

type PlaybackAvailable struct {
	Header
	Info PlaybackInfoData `json:"info" msgpack:"info"`
}

type PlaybackRequestStart struct {
	Header
	Source PlaybackSourceData `json:"source" msgpack:"source"`
}

type PlaybackStarted struct{ Header }

type PlaybackSync struct {
	Header
	State PlaybackStateData `json:"state" msgpack:"state"`
}

type PlaybackRequestStop struct{ Header }

type PlaybackStopped struct {
	Header
	Reason string `json:"reason" msgpack:"reason"`
}

type PlaybackRequestDisconnect struct{ Header }

type PlaybackDisconnected struct {
	Header
	Reason     string `json:"reason" msgpack:"reason"`
	StopReason string `json:"stop_reason,omitempty" msgpack:"stop_reason,omitempty"`
}

func NewPlaybackRequestHost() *PlaybackRequestHost {
	return &PlaybackRequestHost{newHeader(TagPlaybackRequestHost)}
}
func NewPlaybackHosting() *PlaybackHosting {
	return &PlaybackHosting{newHeader(TagPlaybackHosting)}
}
func NewPlaybackRequestConnect() *PlaybackRequestConnect {
	return &PlaybackRequestConnect{newHeader(TagPlaybackRequestConnect)}
}
func NewPlaybackConnected() *PlaybackConnected {
	return &PlaybackConnected{newHeader(TagPlaybackConnected)}
}
func NewPlaybackAvailable(info PlaybackInfoData) *PlaybackAvailable {
	return &PlaybackAvailable{Header: newHeader(TagPlaybackAvailable), Info: info}
}
func NewPlaybackRequestStart(source PlaybackSourceData) *PlaybackRequestStart {
	return &PlaybackRequestStart{Header: newHeader(TagPlaybackRequestStart), Source: source}
}
func NewPlaybackStarted() *PlaybackStarted {
	return &PlaybackStarted{newHeader(TagPlaybackStarted)}
}
func NewPlaybackSync(state PlaybackStateData) *PlaybackSync {
	return &PlaybackSync{Header: newHeader(TagPlaybackSync), State: state}
}
func NewPlaybackRequestStop() *PlaybackRequestStop {
	return &PlaybackRequestStop{newHeader(TagPlaybackRequestStop)}
}
func NewPlaybackStopped(reason string) *PlaybackStopped {
	return &PlaybackStopped{Header: newHeader(TagPlaybackStopped), Reason: reason}
}
func NewPlaybackRequestDisconnect() *PlaybackRequestDisconnect {
	return &PlaybackRequestDisconnect{newHeader(TagPlaybackRequestDisconnect)}
}
func NewPlaybackDisconnected(reason, stopReason string) *PlaybackDisconnected {
	return &PlaybackDisconnected{Header: newHeader(TagPlaybackDisconnected), Reason: reason, StopReason: stopReason}
}
