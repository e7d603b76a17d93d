package web

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ao/litestack/internal/auth"
	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/jobs"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/resilience"
	"github.com/ao/litestack/internal/servers"
	"github.com/ao/litestack/internal/storage"
	"github.com/ao/litestack/pkg/api"
)

var (
	errUnauthorized = errors.New("missing bearer token")
	errForbidden    = errors.New("superuser required")
	errBadRequest   = errors.New("malformed request")
)

// errorResponse maps an error onto an HTTP status and body
func errorResponse(err error) (int, api.Error) {
	var cleanupErr *servers.CleanupError
	if errors.As(err, &cleanupErr) {
		return http.StatusInternalServerError, api.Error{
			Error:              "needs_manual_cleanup",
			Code:               http.StatusInternalServerError,
			Message:            err.Error(),
			NeedsManualCleanup: true,
			Resources:          cleanupErr.Resources,
		}
	}

	status, kind := http.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		status, kind = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.Is(err, servers.ErrServerNotFound),
		errors.Is(err, servers.ErrConfigurationNotFound),
		errors.Is(err, cloud.ErrResourceNotFound),
		errors.Is(err, storage.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, cloud.ErrConflict),
		errors.Is(err, cloud.ErrDuplicateResource),
		errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, servers.ErrNoPublicAddress):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, cloud.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errBadRequest),
		errors.Is(err, servers.ErrInvalidArgument),
		errors.Is(err, catalog.ErrUnknownCommand),
		errors.Is(err, catalog.ErrUnknownAction):
		status, kind = http.StatusBadRequest, "bad_request"
	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrPoolClosed),
		errors.Is(err, resilience.ErrCircuitBreakerOpen):
		status, kind = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, cloud.ErrInfrastructure):
		status, kind = http.StatusBadGateway, "infrastructure_error"
	}

	return status, api.Error{Error: kind, Code: status, Message: err.Error()}
}

// ErrorHandler is a middleware that turns the last handler error into a JSON response
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process request
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status, body := errorResponse(err)
		entry := logger.WithError(err).WithField("path", c.Request.URL.Path)
		if status >= http.StatusInternalServerError {
			entry.Error("Request failed")
		} else {
			entry.Debug("Request rejected")
		}

		if !c.Writer.Written() {
			c.JSON(status, body)
		}
	}
}

// RecoveryHandler is a middleware that recovers from panics
func RecoveryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Panic recovered: %v\n%s", r, debug.Stack())

				c.AbortWithStatusJSON(http.StatusInternalServerError, api.Error{
					Error:   "internal_server_error",
					Code:    http.StatusInternalServerError,
					Message: fmt.Sprintf("Internal server error: %v", r),
				})
			}
		}()

		c.Next()
	}
}

// LoggingMiddleware is a middleware that logs requests
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process request
		c.Next()

		end := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"ip":       c.ClientIP(),
			"status":   c.Writer.Status(),
			"size":     c.Writer.Size(),
			"duration": c.Writer.Header().Get("X-Response-Time"),
		})

		if len(c.Errors) > 0 {
			end.Warn("Request completed with errors")
		} else {
			end.Info("Request completed")
		}
	}
}

// MetricsMiddleware records request counts and latencies per route
func MetricsMiddleware(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
