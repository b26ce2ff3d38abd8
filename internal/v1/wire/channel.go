package wire

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a WebSocket connection the channel needs. In
// production it is satisfied by *websocket.Conn; tests substitute mocks.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const writeWait = 10 * time.Second

// Channel frames messages over one peer connection and remembers which
// encoding the peer last used. The initial format is binary; each inbound
// frame switches the current format to its own encoding, and outbound
// messages follow the current format.
//
// Recv must be called from a single goroutine. Send and Close are safe for
// concurrent use.
type Channel struct {
	conn    Conn
	writeMu sync.Mutex
	format  atomic.Int32
}

func NewChannel(conn Conn) *Channel {
	return &Channel{conn: conn}
}

// Format is the encoding the next outbound message will use.
func (c *Channel) Format() Format {
	return Format(c.format.Load())
}

// Recv reads the next frame and decodes it. Frames that are neither binary
// nor text are ignored. A decode failure returns a *MalformedError and leaves
// the stream usable; any other error is terminal.
func (c *Channel) Recv() (Message, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var format Format
		switch messageType {
		case websocket.BinaryMessage:
			format = FormatBinary
		case websocket.TextMessage:
			format = FormatText
		default:
			continue
		}
		c.format.Store(int32(format))

		return Decode(format, data)
	}
}

// Send encodes msg in the current format and writes it as one frame.
func (c *Channel) Send(msg Message) error {
	format := c.Format()
	data, err := Encode(format, msg)
	if err != nil {
		return err
	}

	frameType := websocket.BinaryMessage
	if format == FormatText {
		frameType = websocket.TextMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(frameType, data)
}

// Close sends a best-effort close frame and closes the underlying connection.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
