package middleware

import (
	"net/http"

	apperrors "callnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders errors attached with c.Error as JSON.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			logger.Infow("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"cause", appErr.Cause,
			)
			body := gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware turns a panicking handler into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError, gin.H{
						"error":   string(apperrors.ErrCodeInternal),
						"message": "Internal server error",
					})
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}
