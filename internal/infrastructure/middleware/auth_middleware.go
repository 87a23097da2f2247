package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "proxcall/pkg/errors"
	rlog "proxcall/pkg/logger"
	"proxcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const UserIDContextKey = "user_id"

var ErrInvalidToken = errors.New("invalid token")

// Authenticator issues and verifies HS256 tokens whose subject is the user
// ID. Without a secret it runs in development mode and trusts the user_id
// query parameter.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty secret enables dev mode.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// DevMode reports whether unsigned user_id query params are accepted.
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// IssueToken signs a token for userID that expires after the configured TTL.
func (a *Authenticator) IssueToken(userID string) (string, error) {
	if a.DevMode() {
		return "", fmt.Errorf("no signing secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		Issuer:    "proxcall",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the user ID carried by token.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

// AuthMiddleware resolves the caller's user ID for the websocket handshake
// and stores it both on the gin context and on the request context.
func AuthMiddleware(auth *Authenticator, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string

		if auth.DevMode() {
			userID = c.Query("user_id")
		} else {
			token := bearerToken(c)
			if token == "" {
				c.Error(apperrors.NewUnauthorizedError("token required"))
				c.Abort()
				return
			}
			id, err := auth.Verify(token)
			if err != nil {
				logger.Infow("rejected token", "error", err, "remote_addr", c.ClientIP())
				c.Error(apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", 401))
				c.Abort()
				return
			}
			userID = id
		}

		if err := validation.ValidateUserID(userID); err != nil {
			c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		c.Set(UserIDContextKey, userID)
		c.Request = c.Request.WithContext(rlog.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}
