package cartclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

// Handler receives what arrives on the realtime channel.
type Handler interface {
	// OnSession runs once per (re)connection, before any event of that connection.
	OnSession(ctx context.Context, info models.SessionInfo)
	OnEvent(e models.ChangeEvent)
	OnError(p models.ErrorPayload)
}

// Subscriber keeps one realtime connection open, reconnecting with exponential backoff.
type Subscriber struct {
	url          string
	dialer       *websocket.Dialer
	maxReconnect time.Duration
	logger       *zap.Logger
}

// NewSubscriber connects to baseURL's /ws endpoint. An http(s) base URL is switched to ws(s).
func NewSubscriber(baseURL, userID string, maxReconnect time.Duration, logger *zap.Logger) (*Subscriber, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if userID != "" {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}
	if maxReconnect <= 0 {
		maxReconnect = 30 * time.Second
	}

	return &Subscriber{
		url:          u.String(),
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		maxReconnect: maxReconnect,
		logger:       logger.With(zap.String("component", "cart-subscriber")),
	}, nil
}

// Run connects and dispatches messages to h until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = s.maxReconnect
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		connected, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("realtime connection lost, reconnecting", zap.Duration("retry_in", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. connected reports whether the session message was received.
func (s *Subscriber) session(ctx context.Context, h Handler) (connected bool, err error) {
	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer ws.Close()

	// Unblock the read loop on cancellation
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		case <-stop:
		}
	}()

	var first models.Message
	if err := ws.ReadJSON(&first); err != nil {
		return false, fmt.Errorf("read session message: %w", err)
	}
	if first.Type != models.MessageSession {
		return false, fmt.Errorf("expected %s message, got %q", models.MessageSession, first.Type)
	}
	var info models.SessionInfo
	if err := json.Unmarshal(first.Data, &info); err != nil {
		return false, fmt.Errorf("decode session message: %w", err)
	}
	s.logger.Info("realtime session established", zap.String("session_id", info.SessionID))
	h.OnSession(ctx, info)

	for {
		var msg models.Message
		if err := ws.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return true, nil
			}
			return true, err
		}
		s.dispatch(msg, h)
	}
}

func (s *Subscriber) dispatch(msg models.Message, h Handler) {
	switch msg.Type {
	case models.MessageCartChange, models.MessageCartEmpty:
		var e models.ChangeEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			s.logger.Warn("discarding malformed cart event", zap.String("type", msg.Type), zap.Error(err))
			return
		}
		if msg.Type == models.MessageCartEmpty {
			e.OperationType = models.OperationDelete
			e.Items = []models.CartItem{}
		}
		h.OnEvent(e)
	case models.MessageError:
		var p models.ErrorPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Warn("discarding malformed error message", zap.Error(err))
			return
		}
		h.OnError(p)
	case models.MessagePong:
	default:
		s.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
}
