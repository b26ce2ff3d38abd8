// Package transport accepts WebSocket peers and hands each one to a session
// supervisor. The Hub owns the pieces every peer shares: the access manager,
// the room registry and the rate limiter.
package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/conn"
	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/metrics"
	"github.com/syncroom/server/internal/v1/ratelimit"
	"github.com/syncroom/server/internal/v1/room"
	"github.com/syncroom/server/internal/v1/session"
)

// Hub accepts peers and runs one session per connection.
type Hub struct {
	access      *access.Manager
	registry    *room.Registry
	rateLimiter *ratelimit.RateLimiter
	upgrader    websocket.Upgrader

	// shutdown fans out to every running session.
	shutdownCtx context.Context
	shutdown    context.CancelFunc
	sessions    sync.WaitGroup
}

// NewHub wires the shared dependencies. allowedOrigins bounds which browser
// origins may upgrade; non-browser clients send no Origin header and pass.
func NewHub(mgr *access.Manager, registry *room.Registry, rl *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		access:      mgr,
		registry:    registry,
		rateLimiter: rl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			WriteBufferPool: &sync.Pool{},
			CheckOrigin:     originChecker(allowedOrigins),
		},
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWs is the GET /ws handler: rate limit, upgrade, then run the peer's
// session until it ends.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	remote := c.ClientIP()
	h.sessions.Add(1)
	go func() {
		defer h.sessions.Done()
		h.runPeer(remote, ws)
	}()
}

// runPeer drives one peer from accept to disconnect.
func (h *Hub) runPeer(remote string, ws *websocket.Conn) {
	metrics.IncConnection()
	defer metrics.DecConnection()

	ctx := logging.WithConnection(h.shutdownCtx, remote)
	logging.Info(ctx, "Peer connected")

	peer := conn.New(remote, ws)
	if err := peer.Init(ctx, h.access); err != nil {
		logging.Info(ctx, "Peer failed to log in", zap.Error(err))
		return
	}

	session.New(peer, h.registry).Run(h.shutdownCtx)
	logging.Info(ctx, "Peer done")
}

// Shutdown closes every room, tells running sessions to stop and waits for
// them to drain, bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub")

	if err := h.registry.Shutdown(ctx); err != nil {
		logging.Error(ctx, "Failed to close rooms during shutdown", zap.Error(err))
	}
	h.shutdown()

	drained := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logging.Info(ctx, "All sessions drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
