// Package security provides hardening middleware for the local control API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum accepted request body size (64KB). The
// control API only ever receives small JSON documents.
const MaxRequestSize = 64 << 10

// HeadersMiddleware adds response headers that keep the control API from
// being embedded or sniffed when exposed beyond localhost.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
