package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// quietPaths are polled by load balancers and logged at debug level only.
var quietPaths = map[string]bool{"/health": true}

// RequestLogger emits one http_request line per request. Session and change-feed headers are
// included so a direct-path submit can be matched with the relay re-publication. For websocket
// upgrades the line is written when the connection ends and latency is the session duration.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		websocket := c.IsWebsocket()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		}
		if websocket {
			fields = append(fields, zap.Bool("websocket", true))
		}
		if uid := c.DefaultQuery("user_id", c.Query("userId")); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if rid := c.GetString("request_id"); rid != "" {
			fields = append(fields, zap.String("request_id", rid))
		}
		if sid := c.GetHeader("X-Session-ID"); sid != "" {
			fields = append(fields, zap.String("session_id", sid))
		}
		if c.GetHeader("X-Change-Feed") == "true" {
			fields = append(fields, zap.Bool("from_change_feed", true))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		logger.Log(requestLevel(c.Request.URL.Path, status), "http_request", fields...)
	}
}

func requestLevel(path string, status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	case quietPaths[path]:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
