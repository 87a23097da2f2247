package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rlog "proxcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newAuthRouter(t *testing.T, auth *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ws", AuthMiddleware(auth, zaptest.NewLogger(t).Sugar()), func(c *gin.Context) {
		fromCtx, _ := rlog.UserIDFrom(c.Request.Context())
		c.String(http.StatusOK, c.GetString(UserIDContextKey)+"|"+fromCtx)
	})
	return router
}

func TestAuthenticator_IssueAndVerify(t *testing.T) {
	auth := NewAuthenticator("s3cret", time.Minute)

	token, err := auth.IssueToken("alice")
	require.NoError(t, err)

	id, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = NewAuthenticator("other", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_RejectsExpiredAndUnsigned(t *testing.T) {
	auth := NewAuthenticator("s3cret", time.Minute)
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, err := auth.IssueToken("alice")
	require.NoError(t, err)

	auth.now = time.Now
	_, err = auth.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthenticator("", time.Minute).IssueToken("alice")
	assert.Error(t, err)
}

func TestAuthMiddleware_Token(t *testing.T) {
	auth := NewAuthenticator("s3cret", time.Minute)
	router := newAuthRouter(t, auth)
	token, err := auth.IssueToken("bob")
	require.NoError(t, err)

	w := get(router, "/ws?token="+token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob|bob", w.Body.String())

	w = get(router, "/ws", http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(router, "/ws?user_id=bob", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = get(router, "/ws?token=garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_DevMode(t *testing.T) {
	router := newAuthRouter(t, NewAuthenticator("", time.Minute))

	w := get(router, "/ws?user_id=carol", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol|carol", w.Body.String())

	w = get(router, "/ws", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/ws?user_id=bad%20id", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/", func(c *gin.Context) {
		id, _ := rlog.RequestIDFrom(c.Request.Context())
		c.String(http.StatusOK, id)
	})

	w := get(router, "/", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	w = get(router, "/", http.Header{RequestIDHeader: []string{"req-42"}})
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", w.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
