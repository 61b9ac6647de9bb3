// Package routeutil holds the request parsing and error rendering shared by the API route plugins.
package routeutil

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/service"
)

// HandleError renders err with the status code of its kind. Forbidden access
// to a conversation renders as not found so existence is not confirmed.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var rateLimit *service.RateLimitError
	var quota *service.QuotaExceededError
	var editWindow *service.EditWindowExpiredError
	var undoExpired *service.UndoExpiredError
	var undoNotFound *service.UndoNotFoundError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	case errors.As(err, &forbidden):
		if forbidden.Resource == "conversation" {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &rateLimit):
		retryAfter(c, rateLimit.RetryAfter)
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "spam_detected", "error": err.Error(), "score": rateLimit.Score})
	case errors.As(err, &quota):
		retryAfter(c, quota.RetryAfter)
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "quota_exceeded", "error": err.Error(), "quota": quota.Quota, "limit": quota.Limit, "tier": quota.Tier})
	case errors.As(err, &editWindow):
		c.JSON(http.StatusForbidden, gin.H{"code": "edit_window_expired", "error": err.Error()})
	case errors.As(err, &undoExpired):
		c.JSON(http.StatusGone, gin.H{"code": "undo_expired", "error": err.Error()})
	case errors.As(err, &undoNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "undo_not_found", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func retryAfter(c *gin.Context, d time.Duration) {
	if d > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
}

// BadRequest renders a request that could not be decoded.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
}

// QueryInt returns the integer query parameter key, or def when absent or malformed.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// QueryTime parses the RFC 3339 query parameter key. A missing parameter yields nil.
func QueryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, &registrystore.ValidationError{Field: key, Message: "expected an RFC 3339 timestamp"}
	}
	return &t, nil
}
