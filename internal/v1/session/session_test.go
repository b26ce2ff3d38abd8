package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/conn"
	"github.com/syncroom/server/internal/v1/room"
	"github.com/syncroom/server/internal/v1/wire"
)

// fakeSocket drives a connection end to end: the test pushes inbound frames
// and reads back what the server wrote.
type fakeSocket struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.BinaryMessage, data, nil
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return nil
	}
	select {
	case s.out <- data:
	default:
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(wire.FormatBinary, msg)
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) expect(t *testing.T, tag string) wire.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-s.out:
			msg, err := wire.Decode(wire.FormatBinary, data)
			require.NoError(t, err)
			if msg.Tag() == tag {
				return msg
			}
			t.Fatalf("expected %s, got %s", tag, msg.Tag())
		case <-deadline:
			t.Fatalf("timed out waiting for %s", tag)
		}
	}
}

// peer is one fully logged-in session under test.
type peer struct {
	sock *fakeSocket
	sess *Session
	done chan struct{}
}

func startPeer(t *testing.T, registry *room.Registry, mgr *access.Manager, apiKey *string, username string) *peer {
	t.Helper()
	sock := newFakeSocket()
	c := conn.New("test-peer", sock)

	sock.push(t, wire.NewLogin(apiKey, username))
	require.NoError(t, c.Init(context.Background(), mgr))
	sock.expect(t, wire.TagLoginAck)

	sess := New(c, registry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()

	p := &peer{sock: sock, sess: sess, done: done}
	t.Cleanup(func() { p.stop(t) })
	return p
}

func (p *peer) stop(t *testing.T) {
	t.Helper()
	_ = p.sock.Close()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func openManager() *access.Manager {
	return access.NewManager(access.Config{})
}

func TestSession_RoomLifecycle(t *testing.T) {
	registry := room.NewRegistry()
	p := startPeer(t, registry, openManager(), nil, "alice")

	// Create a room; the ack comes first, then the join broadcast.
	p.sock.push(t, wire.NewRoomCreate("movie night", "pw"))
	p.sock.expect(t, wire.TagRoomCreateAck)
	state := p.sock.expect(t, wire.TagRoomState).(*wire.RoomState)
	assert.Equal(t, "movie night", state.Name)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "alice", state.Users[0].Name)
	assert.Equal(t, "host", state.Users[0].Role)

	// State on demand.
	p.sock.push(t, wire.NewRoomRequestState())
	p.sock.expect(t, wire.TagRoomState)

	// Permissions on demand.
	p.sock.push(t, wire.NewRoomRequestPermissions())
	perms := p.sock.expect(t, wire.TagRoomPermissions).(*wire.RoomPermissions)
	assert.Equal(t, "host", perms.Role)
	assert.True(t, perms.Permissions.CanClose)

	// Leaving empties and thus removes the room.
	p.sock.push(t, wire.NewRoomLeave())
	p.sock.expect(t, wire.TagRoomLeaveAck)
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_RoomCloseDeliversDisconnected(t *testing.T) {
	registry := room.NewRegistry()
	p := startPeer(t, registry, openManager(), nil, "alice")

	p.sock.push(t, wire.NewRoomCreate("short lived", ""))
	p.sock.expect(t, wire.TagRoomCreateAck)
	p.sock.expect(t, wire.TagRoomState)

	p.sock.push(t, wire.NewRoomClose())
	p.sock.expect(t, wire.TagRoomCloseAck)
	disconnected := p.sock.expect(t, wire.TagRoomDisconnected).(*wire.RoomDisconnected)
	assert.Equal(t, "closed_by_host", disconnected.Reason)

	// The session fell back to the no-room state.
	p.sock.push(t, wire.NewRoomRequestState())
	p.sock.expect(t, wire.TagClientError)
}

func TestSession_OperationsOutsideRoomFail(t *testing.T) {
	registry := room.NewRegistry()
	p := startPeer(t, registry, openManager(), nil, "alice")

	p.sock.push(t, wire.NewRoomLeave())
	p.sock.expect(t, wire.TagClientError)

	p.sock.push(t, wire.NewPlaybackRequestHost())
	p.sock.expect(t, wire.TagClientError)
}

func TestSession_JoinWrongPassword(t *testing.T) {
	registry := room.NewRegistry()
	mgr := openManager()

	host := startPeer(t, registry, mgr, nil, "alice")
	guest := startPeer(t, registry, mgr, nil, "bob")

	host.sock.push(t, wire.NewRoomCreate("private", "secret"))
	host.sock.expect(t, wire.TagRoomCreateAck)
	state := host.sock.expect(t, wire.TagRoomState).(*wire.RoomState)

	guest.sock.push(t, wire.NewRoomJoin(state.ID, "wrong"))
	clientErr := guest.sock.expect(t, wire.TagClientError).(*wire.ClientError)
	assert.Equal(t, "Incorrect password", clientErr.Message)
}

func TestSession_JoinInvalidRoomID(t *testing.T) {
	registry := room.NewRegistry()
	p := startPeer(t, registry, openManager(), nil, "alice")

	p.sock.push(t, wire.NewRoomJoin("not-a-uuid", ""))
	p.sock.expect(t, wire.TagClientError)
}

func TestSession_SecondLoginRejected(t *testing.T) {
	registry := room.NewRegistry()
	p := startPeer(t, registry, openManager(), nil, "alice")

	p.sock.push(t, wire.NewLogin(nil, "alice-again"))
	p.sock.expect(t, wire.TagClientError)
}

func TestSession_HostCapabilityGatesPlaybackHosting(t *testing.T) {
	// Connecting is open but hosting requires a key.
	mgr := access.NewManager(access.Config{
		Policy: access.Policy{RestrictHost: true},
		Keys:   []access.Key{{Key: "host-key", Host: true}},
	})
	registry := room.NewRegistry()

	viewer := startPeer(t, registry, mgr, nil, "viewer")
	viewer.sock.push(t, wire.NewRoomCreate("room", ""))
	viewer.sock.expect(t, wire.TagRoomCreateAck)
	viewer.sock.expect(t, wire.TagRoomState)

	viewer.sock.push(t, wire.NewPlaybackRequestHost())
	viewer.sock.expect(t, wire.TagClientError)
}

func TestSession_PlaybackFlowBetweenTwoPeers(t *testing.T) {
	registry := room.NewRegistry()
	mgr := openManager()

	host := startPeer(t, registry, mgr, nil, "alice")
	guest := startPeer(t, registry, mgr, nil, "bob")

	host.sock.push(t, wire.NewRoomCreate("shared", ""))
	host.sock.expect(t, wire.TagRoomCreateAck)
	first := host.sock.expect(t, wire.TagRoomState).(*wire.RoomState)

	guest.sock.push(t, wire.NewRoomJoin(first.ID, ""))
	guest.sock.expect(t, wire.TagRoomJoinAck)
	guest.sock.expect(t, wire.TagRoomState)
	host.sock.expect(t, wire.TagRoomState)

	// Host claims the playback and starts a source.
	host.sock.push(t, wire.NewPlaybackRequestHost())
	host.sock.expect(t, wire.TagPlaybackHosting)
	host.sock.expect(t, wire.TagRoomState)
	guest.sock.expect(t, wire.TagRoomState)

	host.sock.push(t, wire.NewPlaybackRequestStart(wire.PlaybackSourceData{Title: "ep1", PageHref: "https://example.com"}))
	host.sock.expect(t, wire.TagPlaybackStarted)
	state := host.sock.expect(t, wire.TagRoomState).(*wire.RoomState)
	require.NotNil(t, state.PlaybackInfo)
	assert.Equal(t, "alice", state.PlaybackInfo.HostName)
	require.NotNil(t, state.PlaybackInfo.Source)
	assert.Equal(t, "ep1", state.PlaybackInfo.Source.Title)
	guest.sock.expect(t, wire.TagRoomState)

	// Guest subscribes and receives syncs.
	guest.sock.push(t, wire.NewPlaybackRequestConnect())
	guest.sock.expect(t, wire.TagPlaybackConnected)

	host.sock.push(t, wire.NewPlaybackSync(wire.PlaybackStateData{Timestamp: 123, Playing: true, Time: 7}))
	sync := guest.sock.expect(t, wire.TagPlaybackSync).(*wire.PlaybackSync)
	assert.Equal(t, uint64(123), sync.State.Timestamp)
	assert.True(t, sync.State.Playing)

	// Host stops: the guest is disconnected with the stop reason attached.
	host.sock.push(t, wire.NewPlaybackRequestStop())
	disconnected := guest.sock.expect(t, wire.TagPlaybackDisconnected).(*wire.PlaybackDisconnected)
	assert.Equal(t, "stopped", disconnected.Reason)
	assert.Equal(t, "stopped_by_host", disconnected.StopReason)
	host.sock.expect(t, wire.TagPlaybackStopped)
	host.sock.expect(t, wire.TagRoomState)
	guest.sock.expect(t, wire.TagRoomState)
}

func TestSession_DisconnectLeavesRoom(t *testing.T) {
	registry := room.NewRegistry()
	mgr := openManager()

	host := startPeer(t, registry, mgr, nil, "alice")
	guest := startPeer(t, registry, mgr, nil, "bob")

	host.sock.push(t, wire.NewRoomCreate("room", ""))
	host.sock.expect(t, wire.TagRoomCreateAck)
	state := host.sock.expect(t, wire.TagRoomState).(*wire.RoomState)

	guest.sock.push(t, wire.NewRoomJoin(state.ID, ""))
	guest.sock.expect(t, wire.TagRoomJoinAck)

	// The guest's transport dies; the room should shrink back to one user.
	guest.stop(t)

	assert.Eventually(t, func() bool {
		host.sock.push(t, wire.NewRoomRequestState())
		st := host.sock.expect(t, wire.TagRoomState).(*wire.RoomState)
		return len(st.Users) == 1
	}, 2*time.Second, 50*time.Millisecond)
}
