// internal/middleware/logging_middleware.go
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-bench/internal/utils"
)

// LoggingMiddleware logs every request. Failed requests are also logged
// with their request id and the last handler error.
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		logger.LogAPIRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)

		if last := c.Errors.Last(); last != nil {
			utils.LogError(
				utils.LoggerWithRequestID(logger.Logger, c.GetString("request_id")),
				"Request failed", last.Err,
				zap.String("path", c.Request.URL.Path),
			)
		}
	}
}
