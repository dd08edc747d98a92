package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the API response headers. The service serves JSON and websocket upgrades
// only, so the CSP denies everything except connections back to itself.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Referrer-Policy", "no-referrer")

		// Cart reads must never come from an intermediary cache
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// OriginChecker parses allowedEnv (a comma separated origin list or "*") and reports whether an
// origin is allowed. Empty falls back to the local storefront dev servers. The websocket upgrader
// shares it with CORSMiddleware.
func OriginChecker(allowedEnv string) func(origin string) bool {
	var allowed []string
	if allowedEnv == "*" {
		return func(string) bool { return true }
	} else if allowedEnv != "" {
		for _, o := range strings.Split(allowedEnv, ",") {
			allowed = append(allowed, strings.TrimSpace(strings.TrimSuffix(o, "/")))
		}
	} else {
		allowed = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	return func(origin string) bool {
		normalized := strings.TrimSuffix(origin, "/")
		for _, a := range allowed {
			if a == normalized {
				return true
			}
		}
		return false
	}
}

// CORSMiddleware creates a CORS middleware
func CORSMiddleware(allowedEnv string) gin.HandlerFunc {
	isAllowed := OriginChecker(allowedEnv)

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if !isAllowed(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Origin not allowed"})
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Session-ID, X-Change-Feed")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}
