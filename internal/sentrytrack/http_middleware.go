package sentry

import (
	"github.com/gin-gonic/gin"
	"github.com/getsentry/sentry-go"
)

// GinMiddleware returns a gin middleware that attaches a per-request Sentry
// hub to the request context, recovers panics into a sanitized 500, and
// reports the last handler error left on c.Errors when the response status
// is 5xx, without double-reporting a panic that was already captured.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hub := sentry.CurrentHub().Clone()
		ctx := sentry.SetHubOnContext(c.Request.Context(), hub)
		c.Request = c.Request.WithContext(ctx)

		hub.Scope().SetTag("http.path", c.FullPath())
		hub.Scope().SetTag("http.method", c.Request.Method)

		// Track if we recovered from a panic to avoid double-processing
		var recovered bool

		defer func() {
			if r := recover(); r != nil {
				recovered = true
				hub.RecoverWithContext(ctx, r)
				c.AbortWithStatusJSON(500, gin.H{"error": "Internal Server Error"})
			}
		}()

		c.Next()

		// Only capture error if we didn't recover from panic (avoid double reporting)
		if !recovered && len(c.Errors) > 0 && c.Writer.Status() >= 500 {
			hub.CaptureException(c.Errors.Last().Err)
		}
	}
}
