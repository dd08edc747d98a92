package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error is an error with the HTTP status it maps to. Message is safe to show to clients; the
// wrapped cause is only logged.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns a copy of e carrying cause. The package-level errors below are templates and
// must never be mutated.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: cause}
}

// Body is the JSON response body for e.
func (e *Error) Body() gin.H {
	return gin.H{"error": e.Message, "code": e.Code}
}

// Retryable reports whether the same request may succeed later unchanged.
func (e *Error) Retryable() bool {
	return e.Code == http.StatusConflict || e.Code >= http.StatusInternalServerError
}

func New(code int, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

var (
	ErrNotFound       = New(http.StatusNotFound, "Not found", nil)
	ErrInternalServer = New(http.StatusInternalServerError, "Internal server error", nil)
	ErrValidation     = New(http.StatusBadRequest, "Validation error", nil)
	ErrInvalidInput   = New(http.StatusBadRequest, "Invalid input", nil)

	ErrCartConflict     = New(http.StatusConflict, "Cart was modified concurrently", nil)
	ErrStoreUnavailable = New(http.StatusServiceUnavailable, "Cart store unavailable", nil)
)

// As converts any error into an *Error, defaulting to 500.
func As(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternalServer.Wrap(err)
}

// Respond writes err as the response and records it on the context for the request logger.
func Respond(c *gin.Context, err error) {
	appErr := As(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.Code, appErr.Body())
}

// ErrorMiddleware renders the last error attached with c.Error when the handler wrote nothing.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := As(c.Errors.Last().Err)
		c.AbortWithStatusJSON(appErr.Code, appErr.Body())
	}
}
