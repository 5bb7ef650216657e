package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"icebreaker/backend/pkg/logger"
)

// ErrorHandler renders the first error attached to the context as
// {"error": {"code", "message", "details"}}
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors[0].Err
		appErr := FromError(err)

		log := logger.FromGin(c)
		args := []any{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
		}
		if appErr.StatusCode >= http.StatusInternalServerError {
			log.LogError(err, "request failed", args...)
		} else {
			log.Debug("request rejected", append(args, "message", appErr.Message)...)
		}

		if c.Writer.Written() {
			return
		}
		c.AbortWithStatusJSON(appErr.StatusCode, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			},
		})
	}
}

// RecoveryWithLogger recovers from panics, logs them with the request-scoped
// logger and responds with a 500
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := string(debug.Stack())
			logger.FromGin(c).Error("panic recovered",
				"error", fmt.Sprintf("%v", r),
				"stack", stack,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			var details any
			if gin.Mode() == gin.DebugMode {
				details = fmt.Sprintf("panic: %v\n%s", r, stack)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{
					"code":    "SERVER_ERROR",
					"message": "The server encountered an unexpected error",
					"details": details,
				},
			})
		}()

		c.Next()
	}
}
