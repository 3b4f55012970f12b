package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"attendsheets/internal/apperr"

	"github.com/gin-gonic/gin"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrUnauthorized:
		if errors.Is(err, apperr.ErrBadCredentials) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case apperr.ErrConflict, apperr.ErrState:
		return http.StatusConflict
	case apperr.ErrInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// detail is the client-facing message: the error text minus the kind prefix.
func detail(err error) string {
	kind := apperr.Kind(err)
	if kind == nil || kind == apperr.ErrStorage {
		return "internal server error"
	}
	msg := err.Error()
	return strings.TrimPrefix(msg, kind.Error()+": ")
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": detail(err)})
}
