package middleware

import (
	"errors"
	"net/http"

	"agency-portal-backend/internal/delivery/http/response"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			var detail any
			if appErr.Kind != "" {
				detail = gin.H{"kind": appErr.Kind}
			}
			response.Error(c, appErr.Code, appErr.Message, detail)
			return
		}

		// Never expose internal error details to clients.
		logger.Log.Error("unhandled error", "error", err, "path", c.FullPath(), "request_id", requestIDFrom(c))
		response.Error(c, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.", nil)
	}
}
