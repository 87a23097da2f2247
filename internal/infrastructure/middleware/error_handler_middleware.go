package middleware

import (
	"net/http"
	"time"

	"proxcall/pkg/errors"
	rlog "proxcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached to the gin context
// as a JSON AppError and logs the request.
func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	ctxLogger := rlog.NewContextLogger(logger)

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if len(c.Errors) > 0 {
			appErr := errors.FromDomain(c.Errors.Last().Err)

			if appErr.HTTPStatus >= http.StatusInternalServerError {
				ctxLogger.LogError(c.Request.Context(), appErr, "request failed",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
			}

			if !c.Writer.Written() {
				c.JSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
					"details": appErr.Context,
				})
			}
		}

		ctxLogger.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
