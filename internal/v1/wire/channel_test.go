package wire

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	messageType int
	data        []byte
}

// scriptedSocket replays a fixed inbound script and records writes.
type scriptedSocket struct {
	mu      sync.Mutex
	inbound []frame
	written []frame
	closed  bool
}

func (s *scriptedSocket) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbound) == 0 {
		return 0, nil, io.EOF
	}
	f := s.inbound[0]
	s.inbound = s.inbound[1:]
	return f.messageType, f.data, nil
}

func (s *scriptedSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, frame{messageType, data})
	return nil
}

func (s *scriptedSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *scriptedSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSocket) lastWritten(t *testing.T) frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.written)
	return s.written[len(s.written)-1]
}

func encodeFrame(t *testing.T, f Format, msg Message) frame {
	t.Helper()
	data, err := Encode(f, msg)
	require.NoError(t, err)
	messageType := websocket.BinaryMessage
	if f == FormatText {
		messageType = websocket.TextMessage
	}
	return frame{messageType, data}
}

func TestChannel_InitialFormatIsBinary(t *testing.T) {
	sock := &scriptedSocket{}
	ch := NewChannel(sock)

	require.NoError(t, ch.Send(NewKeepalive()))

	written := sock.lastWritten(t)
	assert.Equal(t, websocket.BinaryMessage, written.messageType)
	_, err := Decode(FormatBinary, written.data)
	assert.NoError(t, err)
}

func TestChannel_FollowsPeerFormat(t *testing.T) {
	// Given a peer that switches to JSON text frames
	sock := &scriptedSocket{inbound: []frame{
		encodeFrame(t, FormatText, NewKeepalive()),
	}}
	ch := NewChannel(sock)

	msg, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagKeepalive, msg.Tag())

	// Then replies follow in the same encoding
	require.NoError(t, ch.Send(NewPong()))
	written := sock.lastWritten(t)
	assert.Equal(t, websocket.TextMessage, written.messageType)
	decoded, err := Decode(FormatText, written.data)
	require.NoError(t, err)
	assert.Equal(t, TagPong, decoded.Tag())
}

func TestChannel_SwitchesBackToBinary(t *testing.T) {
	sock := &scriptedSocket{inbound: []frame{
		encodeFrame(t, FormatText, NewKeepalive()),
		encodeFrame(t, FormatBinary, NewKeepalive()),
	}}
	ch := NewChannel(sock)

	_, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, FormatText, ch.Format())

	_, err = ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, ch.Format())
}

func TestChannel_SkipsNonDataFrames(t *testing.T) {
	sock := &scriptedSocket{inbound: []frame{
		{websocket.PingMessage, nil},
		encodeFrame(t, FormatBinary, NewPing()),
	}}
	ch := NewChannel(sock)

	msg, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagPing, msg.Tag())
}

func TestChannel_MalformedFrameKeepsStreamUsable(t *testing.T) {
	sock := &scriptedSocket{inbound: []frame{
		{websocket.TextMessage, []byte("{broken")},
		encodeFrame(t, FormatBinary, NewKeepalive()),
	}}
	ch := NewChannel(sock)

	_, err := ch.Recv()
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)

	msg, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagKeepalive, msg.Tag())
}

func TestChannel_CloseSendsCloseFrame(t *testing.T) {
	sock := &scriptedSocket{}
	ch := NewChannel(sock)

	require.NoError(t, ch.Close())

	sock.mu.Lock()
	defer sock.mu.Unlock()
	require.Len(t, sock.written, 1)
	assert.Equal(t, websocket.CloseMessage, sock.written[0].messageType)
	assert.True(t, sock.closed)
}
