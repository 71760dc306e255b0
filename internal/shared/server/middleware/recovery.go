package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/shared/server/respond"
	"bikefit-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500. A client that went away
// mid-upload (http.ErrAbortHandler) is not an error worth a stack trace.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				c.Abort()
				return
			}
			telemetry.Error("http.panic", map[string]any{
				"request_id":  RequestIDFromContext(c),
				"route":       c.FullPath(),
				"analysis_id": c.GetString("analysisId"),
				"panic":       fmt.Sprint(rec),
				"stack":       string(debug.Stack()),
			})
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, "panic", "Unexpected server error", nil)
		}()
		c.Next()
	}
}
