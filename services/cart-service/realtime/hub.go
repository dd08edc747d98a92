package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by Connect after Close.
var ErrHubClosed = errors.New("hub closed")

// Persister commits a client-submitted cart state.
type Persister interface {
	SaveCart(ctx context.Context, m models.Mutation) (*models.Cart, error)
}

// Forwarder hands locally published events to other service instances.
type Forwarder interface {
	Forward(ctx context.Context, e models.ChangeEvent) error
}

// Hub tracks live sessions and fans cart events out to them.
//
// Publishes are serialized so every session observes events in one total order. A publish waits
// at most sendTimeout for sessions with full buffers; a session that cannot keep up is
// disconnected instead of stalling everyone else.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	publishMu sync.Mutex

	store       Persister
	forwarder   Forwarder
	sendTimeout time.Duration
	bufferSize  int
	logger      *zap.Logger
	metrics     *aws_pkg.MetricsClient
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithSendTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.sendTimeout = d }
}

func WithBufferSize(n int) HubOption {
	return func(h *Hub) { h.bufferSize = n }
}

func WithForwarder(f Forwarder) HubOption {
	return func(h *Hub) { h.forwarder = f }
}

func WithHubMetrics(m *aws_pkg.MetricsClient) HubOption {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(store Persister, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		sessions:    make(map[string]*Session),
		store:       store,
		sendTimeout: 2 * time.Second,
		bufferSize:  64,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	// The session message must fit without a reader
	if h.bufferSize < 1 {
		h.bufferSize = 1
	}
	return h
}

// Connect registers a new session. The first frame queued on it is the session message carrying
// its ID, which the client echoes back on writes so the direct path can skip it.
func (h *Hub) Connect(userID string) (*Session, error) {
	s := newSession(uuid.NewString(), userID, h.bufferSize)

	frame, err := encode(models.MessageSession, models.SessionInfo{SessionID: s.id, UserID: userID})
	if err != nil {
		return nil, err
	}
	s.send <- frame

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.sessions[s.id] = s

	h.logger.Info("session connected",
		zap.String("session_id", s.id),
		zap.String("user_id", userID),
		zap.Int("total_sessions", len(h.sessions)),
	)
	return s, nil
}

// Disconnect removes a session. Unknown or already removed IDs are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if ok && s.close() {
		h.logger.Info("session disconnected", zap.String("session_id", id), zap.Int("total_sessions", total))
	}
}

// Session returns a live session by ID.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish delivers e to every matching local session and forwards it to other instances.
func (h *Hub) Publish(ctx context.Context, e models.ChangeEvent) error {
	if err := h.PublishLocal(ctx, e); err != nil {
		return err
	}
	if h.forwarder != nil {
		if err := h.forwarder.Forward(ctx, e); err != nil {
			// Remote instances miss this event; local delivery already happened
			h.logger.Warn("forward event failed", zap.String("user_id", e.UserID), zap.Error(err))
		}
	}
	return nil
}

// PublishLocal delivers e to matching sessions of this instance only.
func (h *Hub) PublishLocal(ctx context.Context, e models.ChangeEvent) error {
	msg, err := models.EventMessage(e)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	var blocked []*Session
	for _, s := range h.snapshot() {
		if !s.wants(e) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !h.offer(s, frame) {
			blocked = append(blocked, s)
		}
	}
	if len(blocked) > 0 {
		h.await(ctx, blocked, frame)
	}
	return nil
}

// Submit persists m on behalf of sessionID and, once committed, publishes the result to every
// other session. Persistence errors go back to the caller only.
func (h *Hub) Submit(ctx context.Context, sessionID string, m models.Mutation) (*models.Cart, error) {
	return h.Apply(ctx, sessionID, m.UserID, func(ctx context.Context) (*models.Cart, error) {
		return h.store.SaveCart(ctx, m)
	})
}

// Apply runs write and publishes its outcome on the direct path, skipping sessionID. A nil cart
// from write means the cart no longer exists and is published as cartEmpty. No hub lock is held
// while write runs.
func (h *Hub) Apply(ctx context.Context, sessionID, userID string, write func(ctx context.Context) (*models.Cart, error)) (*models.Cart, error) {
	cart, err := write(ctx)
	if err != nil {
		return nil, err
	}

	origin := models.Origin{SessionID: sessionID}
	event := models.NewDeleteEvent(userID, origin)
	if cart != nil {
		event = models.NewUpsertEvent(cart, origin)
	}
	if err := h.Publish(ctx, event); err != nil {
		h.logger.Warn("direct publish failed", zap.String("user_id", userID), zap.Error(err))
	}
	h.metrics.RecordAsync(aws_pkg.MetricDirectPublishes, 1, map[string]string{"Type": event.MessageType()})
	return cart, nil
}

// Reply queues a frame for one session without waiting.
func (h *Hub) Reply(s *Session, msgType string, data any) bool {
	frame, err := encode(msgType, data)
	if err != nil {
		h.logger.Error("encode reply", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return s.trySend(frame)
}

// Close disconnects every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	h.logger.Info("hub closed", zap.Int("sessions_closed", len(sessions)))
}

// snapshot returns the current sessions in connect order.
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// offer hands frame to s without waiting. It reports false when the send buffer is full.
func (h *Hub) offer(s *Session, frame []byte) bool {
	select {
	case <-s.done:
		return true
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// await gives every blocked session one shared sendTimeout, so a publish is delayed by at most
// one timeout however many sessions are slow. Sessions still full at the deadline are dropped.
func (h *Hub) await(ctx context.Context, blocked []*Session, frame []byte) {
	waitCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range blocked {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			select {
			case s.send <- frame:
			case <-s.done:
			case <-waitCtx.Done():
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("dropping slow session",
					zap.String("session_id", s.id),
					zap.Duration("send_timeout", h.sendTimeout),
				)
				h.metrics.RecordAsync(aws_pkg.MetricSessionsDropped, 1, nil)
				h.Disconnect(s.id)
			}
		}(s)
	}
	wg.Wait()
}

func encode(msgType string, data any) ([]byte, error) {
	msg, err := models.NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
