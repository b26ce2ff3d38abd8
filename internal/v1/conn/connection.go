// Package conn implements the per-socket connection state machine: the login
// handshake against the access policy, automatic ping/pong handling, the
// keepalive policy and the idempotent close protocol.
//
// A Conn runs one read pump goroutine for its whole life. The pump answers
// peer pings with pongs, swallows keepalives, routes pongs to the pending
// Ping call and delivers every other message to the Messages channel — so a
// pong can never be lost to an interleaved message, and the session layer
// never sees transport chatter.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/wire"
)

const (
	// LoginTimeout bounds how long a fresh connection may take to log in.
	LoginTimeout = 3 * time.Second
	// PingTimeout bounds how long Ping waits for the matching pong.
	PingTimeout = 1 * time.Second
)

var (
	// ErrClosed is returned by operations on a connection that has finished
	// its close protocol.
	ErrClosed = errors.New("connection closed")
	// ErrUnauthorized is returned by Init when the access policy denies the
	// connect capability.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPingTimeout is returned by Ping when no pong arrives in time. The
	// session survives it; the clock offset just stays stale.
	ErrPingTimeout = errors.New("pong not received in time")
)

// PingResult is one completed latency measurement.
type PingResult struct {
	// Latency is the full round-trip time.
	Latency time.Duration
	// TimeOffset is how far the peer's clock leads the server's, in
	// milliseconds, assuming a symmetric link.
	TimeOffset int64
}

// Conn is one peer connection. Construction starts the read pump; Init runs
// the login handshake; afterwards the owner drains Messages and may call
// Send, Ping and Close concurrently.
type Conn struct {
	name    string
	channel *wire.Channel

	username string
	perms    access.Permissions

	msgs    chan wire.Message
	pongs   chan uint64
	closing chan struct{}

	loginTimeout time.Duration

	closeOnce sync.Once
}

// New wraps ws and starts reading from it. name is a human identifier used in
// logs, typically the remote address.
func New(name string, ws wire.Conn) *Conn {
	c := &Conn{
		name:         name,
		channel:      wire.NewChannel(ws),
		msgs:         make(chan wire.Message, 16),
		pongs:        make(chan uint64, 1),
		closing:      make(chan struct{}),
		loginTimeout: LoginTimeout,
	}
	go c.readPump()
	return c
}

// Name is the connection's log identifier.
func (c *Conn) Name() string { return c.name }

// Username is the name supplied at login, or empty before login.
func (c *Conn) Username() string { return c.username }

// Permissions is the capability set computed at login.
func (c *Conn) Permissions() access.Permissions { return c.perms }

// Messages delivers the peer's messages, excluding the transport chatter the
// pump consumes. The channel is closed when the peer disconnects.
func (c *Conn) Messages() <-chan wire.Message { return c.msgs }

// IsOpen reports whether the close protocol has not run yet.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.closing:
		return false
	default:
		return true
	}
}

func (c *Conn) readPump() {
	ctx := logging.WithConnection(context.Background(), c.name)
	defer close(c.msgs)

	for {
		msg, err := c.channel.Recv()
		if err != nil {
			var malformed *wire.MalformedError
			if errors.As(err, &malformed) {
				logging.Debug(ctx, "Received malformed message", zap.Error(malformed))
				c.SendError(malformed.Error())
				continue
			}
			c.closeSilent()
			return
		}

		switch m := msg.(type) {
		case *wire.Ping:
			if err := c.Send(wire.NewPong()); err != nil {
				logging.Error(ctx, "Failed to send pong", zap.Error(err))
			}
		case *wire.Keepalive:
			// consumed silently
		case *wire.Pong:
			select {
			case c.pongs <- m.T:
			default:
				logging.Debug(ctx, "Dropping unsolicited pong")
			}
		case *wire.LoginAck, *wire.Closed, *wire.ClientError:
			// server-to-client kinds have no business arriving here
			logging.Debug(ctx, "Ignoring unexpected message", zap.String("tag", msg.Tag()))
		default:
			select {
			case c.msgs <- msg:
			case <-c.closing:
				return
			}
		}
	}
}

// Init waits for the peer's login message, computes its permissions and
// acknowledges. Non-login messages are rejected with a client error without
// extending the deadline. A denied connect capability or an expired deadline
// closes the connection with reason Unauthorized.
func (c *Conn) Init(ctx context.Context, mgr *access.Manager) error {
	lctx := logging.WithConnection(ctx, c.name)
	logging.Debug(lctx, "Waiting for login message")

	timer := time.NewTimer(c.loginTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				return fmt.Errorf("connection closed before logging in")
			}
			login, isLogin := msg.(*wire.Login)
			if !isLogin {
				c.SendError("Expected login message")
				continue
			}

			c.username = login.Username
			c.perms = mgr.Permissions(login.APIKey)
			logging.Debug(lctx, "Login received",
				zap.String("username", c.username),
				zap.Bool("connect", c.perms.Connect),
				zap.Bool("host", c.perms.Host))

			if !c.perms.Connect {
				if err := c.Close(wire.ClosedUnauthorized, "Unauthorized"); err != nil {
					logging.Error(lctx, "Failed to close unauthorized connection", zap.Error(err))
				}
				return ErrUnauthorized
			}
			if err := c.Send(wire.NewLoginAck()); err != nil {
				return fmt.Errorf("failed to send login ack: %w", err)
			}
			logging.Debug(lctx, "Logged in successfully")
			return nil

		case <-timer.C:
			err := fmt.Errorf("login message not received within %s", c.loginTimeout)
			if cerr := c.Close(wire.ClosedUnauthorized, err.Error()); cerr != nil {
				logging.Error(lctx, "Failed to close connection after login timeout", zap.Error(cerr))
			}
			return err

		case <-ctx.Done():
			_ = c.Close(wire.ClosedServerError, "Server shutting down")
			return ctx.Err()
		}
	}
}

// Send writes one message to the peer in the peer's current format.
func (c *Conn) Send(msg wire.Message) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	return c.channel.Send(msg)
}

// SendError reports a client-caused problem without affecting the session.
// Delivery failures are deliberately dropped.
func (c *Conn) SendError(message string) {
	_ = c.Send(wire.NewClientError(message))
}

// Ping measures the round trip to the peer and derives the peer's clock
// offset from the pong's timestamp: the pong is assumed to have been stamped
// halfway through the round trip, and the difference to that expectation is
// the offset. Subtraction wraps so a skewed clock cannot panic the math.
func (c *Conn) Ping() (PingResult, error) {
	// Discard a pong left over from a timed-out ping.
	select {
	case <-c.pongs:
	default:
	}

	ping := wire.NewPing()
	start := ping.T
	if err := c.Send(ping); err != nil {
		return PingResult{}, err
	}

	timer := time.NewTimer(PingTimeout)
	defer timer.Stop()

	select {
	case actual := <-c.pongs:
		end := wire.Now()
		latency := end - start
		expected := start + latency/2
		offset := int64(actual - expected)
		return PingResult{
			Latency:    time.Duration(latency) * time.Millisecond,
			TimeOffset: offset,
		}, nil
	case <-timer.C:
		return PingResult{}, ErrPingTimeout
	case <-c.closing:
		return PingResult{}, ErrClosed
	}
}

// Close sends a Closed message with the given reason and shuts the transport
// down. Closing twice is equivalent to closing once; only the first call's
// reason reaches the peer.
func (c *Conn) Close(reason wire.ClosedReason, message string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.channel.Send(wire.NewClosed(reason, message))
		if cerr := c.channel.Close(); cerr != nil {
			logging.Debug(context.Background(), "Failed to close websocket",
				zap.String("connection", c.name), zap.Error(cerr))
		}
	})
	return err
}

func (c *Conn) closeSilent() {
	c.closeOnce.Do(func() {
		close(c.closing)
		if err := c.channel.Close(); err != nil {
			logging.Debug(context.Background(), "Failed to close websocket",
				zap.String("connection", c.name), zap.Error(err))
		}
	})
}
