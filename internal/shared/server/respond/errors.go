package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/shared/telemetry"
)

// ErrorResponse is the body of every error reply. Error is the cause text
// and is only present when the handler passed one.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// contextFields maps gin context keys set by the middleware and handlers to
// the log field names used for them.
var contextFields = [...]struct{ key, field string }{
	{"requestId", "request_id"},
	{"userId", "user_id"},
	{"isGuest", "is_guest"},
	{"analysisId", "analysis_id"},
}

// Error aborts the request with status and an ErrorResponse, and logs one
// http.error line. code is a stable label for logs and alerts; it never
// reaches the client. Server errors log at error level, client errors at warn.
func Error(c *gin.Context, status int, code, message string, cause error) {
	body := ErrorResponse{Message: message}
	fields := map[string]any{
		"status":  status,
		"code":    code,
		"message": message,
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
	}
	for _, cf := range contextFields {
		if v, ok := c.Get(cf.key); ok && v != "" {
			fields[cf.field] = v
		}
	}
	if cause != nil {
		body.Error = cause.Error()
		fields["error"] = body.Error
	}

	if status >= http.StatusInternalServerError {
		telemetry.Error("http.error", fields)
	} else {
		telemetry.Warn("http.error", fields)
	}
	c.AbortWithStatusJSON(status, body)
}
