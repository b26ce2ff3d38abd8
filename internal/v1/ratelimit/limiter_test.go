package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidRates(t *testing.T) {
	_, err := New("banana", "10-M")
	assert.Error(t, err)

	_, err = New("100-M", "banana")
	assert.Error(t, err)

	rl, err := New("100-M", "10-M")
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("2-M", "10-M")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("X-RateLimit-Limit"))
}

func TestCheckWebSocket_EnforcesPerIPLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("100-M", "1-M")
	require.NoError(t, err)

	check := func(ip string) (bool, *httptest.ResponseRecorder) {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
		c.Request.RemoteAddr = ip + ":1234"
		return rl.CheckWebSocket(c), rec
	}

	ok, _ := check("10.0.0.1")
	assert.True(t, ok)

	refused, rec := check("10.0.0.1")
	assert.False(t, refused)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client is unaffected.
	otherOK, _ := check("10.0.0.2")
	assert.True(t, otherOK)
}
