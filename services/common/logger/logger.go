package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It stays a no-op until Initialize is called.
var Log = zap.NewNop()

// RequestIDKey is the gin context key holding the request ID.
const RequestIDKey = "request_id"

// SessionHeader carries the realtime session ID of the tab that issued a write.
const SessionHeader = "X-Session-ID"

// Initialize builds the process logger for env ("production" gives JSON, anything else the
// colored development console).
func Initialize(env string) *zap.Logger {
	return InitializeWithWriter(env, nil)
}

// InitializeWithWriter is Initialize with an extra sink. The extra sink always receives JSON
// so CloudWatch Logs Insights can query fields regardless of env.
func InitializeWithWriter(env string, extra io.Writer) *zap.Logger {
	config := buildConfig(env)

	if extra == nil {
		l, err := config.Build()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
		Log = l
		return Log
	}

	level := zap.NewAtomicLevelAt(config.Level.Level())
	var console zapcore.Encoder
	if config.Encoding == "json" {
		console = zapcore.NewJSONEncoder(config.EncoderConfig)
	} else {
		console = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	jsonConfig := config.EncoderConfig
	jsonConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(console, zapcore.AddSync(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(jsonConfig), zapcore.AddSync(extra), level),
	)
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return Log
}

func buildConfig(env string) zap.Config {
	if env == "production" {
		config := zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return config
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config
}

// RequestID assigns every request an ID, echoes it in X-Request-ID and stores it under
// RequestIDKey.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ForRequest scopes base to one request: its request ID and, when the caller sent one, the
// realtime session that issued it.
func ForRequest(c *gin.Context, base *zap.Logger) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if rid := c.GetString(RequestIDKey); rid != "" {
		fields = append(fields, zap.String(RequestIDKey, rid))
	}
	if sid := c.GetHeader(SessionHeader); sid != "" {
		fields = append(fields, zap.String("session_id", sid))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
