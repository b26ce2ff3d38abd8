package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the envelope encoding in use with a peer.
type Format int

const (
	// FormatBinary is the MsgPack encoding carried in binary frames.
	FormatBinary Format = iota
	// FormatText is the JSON encoding carried in text frames.
	FormatText
)

func (f Format) String() string {
	if f == FormatText {
		return "text"
	}
	return "binary"
}

// MalformedError marks a payload that could not be decoded into a known
// message. It is reported to the peer and skipped; it never tears down the
// stream.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed message: %v", e.Err) }
func (e *MalformedError) Unwrap() error { return e.Err }

// decoders maps each tag to a factory for its concrete message type.
var decoders = map[string]func() Message{
	TagLogin:       func() Message { return &Login{} },
	TagLoginAck:    func() Message { return &LoginAck{} },
	TagPing:        func() Message { return &Ping{} },
	TagPong:        func() Message { return &Pong{} },
	TagClientError: func() Message { return &ClientError{} },
	TagClosed:      func() Message { return &Closed{} },
	TagKeepalive:   func() Message { return &Keepalive{} },

	TagRoomCreate:             func() Message { return &RoomCreate{} },
	TagRoomCreateAck:          func() Message { return &RoomCreateAck{} },
	TagRoomClose:              func() Message { return &RoomClose{} },
	TagRoomCloseAck:           func() Message { return &RoomCloseAck{} },
	TagRoomJoin:               func() Message { return &RoomJoin{} },
	TagRoomJoinAck:            func() Message { return &RoomJoinAck{} },
	TagRoomLeave:              func() Message { return &RoomLeave{} },
	TagRoomLeaveAck:           func() Message { return &RoomLeaveAck{} },
	TagRoomRequestState:       func() Message { return &RoomRequestState{} },
	TagRoomState:              func() Message { return &RoomState{} },
	TagRoomDisconnected:       func() Message { return &RoomDisconnected{} },
	TagRoomRequestPermissions: func() Message { return &RoomRequestPermissions{} },
	TagRoomPermissions:        func() Message { return &RoomPermissions{} },
	TagRoomSetUserRole:        func() Message { return &RoomSetUserRole{} },
	TagRoomKickUser:           func() Message { return &RoomKickUser{} },

	TagPlaybackRequestHost:       func() Message { return &PlaybackRequestHost{} },
	TagPlaybackHosting:           func() Message { return &PlaybackHosting{} },
	TagPlaybackRequestConnect:    func() Message { return &PlaybackRequestConnect{} },
	TagPlaybackConnected:         func() Message { return &PlaybackConnected{} },
	TagPlaybackAvailable:         func() Message { return &PlaybackAvailable{} },
	TagPlaybackRequestStart:      func() Message { return &PlaybackRequestStart{} },
	TagPlaybackStarted:           func() Message { return &PlaybackStarted{} },
	TagPlaybackSync:              func() Message { return &PlaybackSync{} },
	TagPlaybackRequestStop:       func() Message { return &PlaybackRequestStop{} },
	TagPlaybackStopped:           func() Message { return &PlaybackStopped{} },
	TagPlaybackRequestDisconnect: func() Message { return &PlaybackRequestDisconnect{} },
	TagPlaybackDisconnected:      func() Message { return &PlaybackDisconnected{} },
}

// Encode serializes msg in the given format.
func Encode(f Format, msg Message) ([]byte, error) {
	if f == FormatText {
		return json.Marshal(msg)
	}
	return msgpack.Marshal(msg)
}

// Decode parses one envelope. The tag is read first to select the concrete
// type, then the full payload is decoded into it. Unknown tags and undecodable
// payloads yield a *MalformedError.
func Decode(f Format, data []byte) (Message, error) {
	var hdr Header
	if err := unmarshal(f, data, &hdr); err != nil {
		return nil, &MalformedError{Err: err}
	}
	factory, ok := decoders[hdr.M]
	if !ok {
		return nil, &MalformedError{Err: fmt.Errorf("unknown message tag %q", hdr.M)}
	}
	msg := factory()
	if err := unmarshal(f, data, msg); err != nil {
		return nil, &MalformedError{Err: err}
	}
	return msg, nil
}

func unmarshal(f Format, data []byte, v any) error {
	if f == FormatText {
		return json.Unmarshal(data, v)
	}
	return msgpack.Unmarshal(data, v)
}
