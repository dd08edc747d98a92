package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	apperrors "github.com/yashrajoria/cart-sync/services/common/errors"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	submitTimeout  = 15 * time.Second
)

// Conn pumps frames between one websocket and its hub session.
type Conn struct {
	hub     *Hub
	session *Session
	ws      *websocket.Conn
	logger  *zap.Logger
}

func NewConn(hub *Hub, session *Session, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		hub:     hub,
		session: session,
		ws:      ws,
		logger:  logger.With(zap.String("session_id", session.ID())),
	}
}

// Serve runs the write pump in the background and the read pump until the connection ends.
// The session is disconnected on return.
func (c *Conn) Serve(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(c.session.ID())
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", zap.Error(err))
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg models.Message) {
	switch msg.Type {
	case models.MessagePing:
		c.hub.Reply(c.session, models.MessagePong, nil)
	case models.MessageSubmit:
		var m models.Mutation
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.replyError(apperrors.ErrInvalidInput.Wrap(err))
			return
		}
		if m.UserID == "" {
			m.UserID = c.session.UserID()
		}
		if uid := c.session.UserID(); uid != "" && m.UserID != uid {
			c.replyError(apperrors.New(http.StatusForbidden, "Session is subscribed to another user", nil))
			return
		}

		sctx, cancel := context.WithTimeout(ctx, submitTimeout)
		defer cancel()
		if _, err := c.hub.Submit(sctx, c.session.ID(), m); err != nil {
			c.logger.Warn("submit failed", zap.String("user_id", m.UserID), zap.Error(err))
			c.replyError(err)
		}
	default:
		c.replyError(apperrors.New(http.StatusBadRequest, "Unknown message type "+msg.Type, nil))
	}
}

func (c *Conn) replyError(err error) {
	appErr := ToAppError(err)
	c.hub.Reply(c.session, models.MessageError, models.ErrorPayload{
		Message:   appErr.Message,
		Code:      appErr.Code,
		Retryable: appErr.Retryable(),
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.session.Messages():
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.hub.Disconnect(c.session.ID())
				return
			}

		case <-c.session.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Disconnect(c.session.ID())
				return
			}
		}
	}
}

// ToAppError maps store and validation errors to the HTTP error they are reported as.
func ToAppError(err error) *apperrors.Error {
	var appErr *apperrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, models.ErrInvalidCart):
		return apperrors.ErrValidation.Wrap(err)
	default:
		return apperrors.As(err)
	}
}
