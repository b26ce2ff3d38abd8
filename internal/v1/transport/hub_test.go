package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/ratelimit"
	"github.com/syncroom/server/internal/v1/room"
)

func newTestHub(t *testing.T, wsRate string) *Hub {
	t.Helper()
	rl, err := ratelimit.New("1000-M", wsRate)
	require.NoError(t, err)
	return NewHub(access.NewManager(access.Config{}), room.NewRegistry(), rl, []string{"https://app.example.com"})
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(denied))

	// Non-browser clients send no Origin header.
	headless := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(headless))
}

func TestServeWs_RejectsNonWebSocketRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := newTestHub(t, "100-M")
	router := gin.New()
	router.GET("/ws", hub.ServeWs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeWs_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := newTestHub(t, "1-M")
	router := gin.New()
	router.GET("/ws", hub.ServeWs)

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.9:4321"
		router.ServeHTTP(rec, req)
		return rec
	}

	// First attempt passes the limiter (and fails the upgrade), the second is
	// refused outright.
	assert.Equal(t, http.StatusBadRequest, do().Code)
	assert.Equal(t, http.StatusTooManyRequests, do().Code)
}
