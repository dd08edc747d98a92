package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yashrajoria/cart-sync/services/cart-service/realtime"
	"github.com/yashrajoria/cart-sync/services/cart-service/relay"
	"github.com/yashrajoria/cart-sync/services/common/logger"
	"go.uber.org/zap"
)

// RelayStatus reports the change relay's state. A nil RelayStatus means the relay is disabled.
type RelayStatus interface {
	Status() relay.Status
}

// RealtimeController upgrades websocket connections and reports service health.
type RealtimeController struct {
	hub      *realtime.Hub
	relay    RelayStatus
	upgrader websocket.Upgrader
	ctx      context.Context
	logger   *zap.Logger
}

// NewRealtimeController serves sessions until ctx is cancelled. checkOrigin decides which
// browser origins may open a socket.
func NewRealtimeController(ctx context.Context, hub *realtime.Hub, relay RelayStatus, checkOrigin func(origin string) bool, logger *zap.Logger) *RealtimeController {
	return &RealtimeController{
		hub:   hub,
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || checkOrigin(origin)
			},
		},
		ctx:    ctx,
		logger: logger,
	}
}

// Connect handles GET /ws. The optional user_id query parameter filters events to one user.
func (rc *RealtimeController) Connect(c *gin.Context) {
	userID := requestUserID(c)
	log := logger.ForRequest(c, rc.logger).With(zap.String("user_id", userID))

	ws, err := rc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := rc.hub.Connect(userID)
	if err != nil {
		log.Warn("session rejected", zap.Error(err))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = ws.Close()
		return
	}

	realtime.NewConn(rc.hub, session, ws, log).Serve(rc.ctx)
}

// Health handles GET /health.
func (rc *RealtimeController) Health(c *gin.Context) {
	body := gin.H{
		"status":   "ok",
		"service":  "cart-service",
		"sessions": rc.hub.SessionCount(),
	}

	code := http.StatusOK
	if rc.relay == nil {
		body["relay"] = gin.H{"state": "disabled"}
	} else {
		st := rc.relay.Status()
		body["relay"] = st
		if st.Error != "" {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}
