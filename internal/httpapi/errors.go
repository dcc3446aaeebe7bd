package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shop/services/items/internal/repo"
	"go.uber.org/zap"
)

// statusFor maps a store error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrItemNameTaken):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// storeError writes the response for a failed store call. Server errors keep
// the underlying cause out of the body and in the log.
func (h *Handler) storeError(c *gin.Context, err error, serverMessage string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error(serverMessage,
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
		h.jsonError(c, code, serverMessage)
		return
	}
	h.jsonError(c, code, err.Error())
}

func (h *Handler) jsonError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}
