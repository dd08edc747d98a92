// Package cartclient is the session-side half of cart sync: a local cart store that
// persists through the cart API and reconciles with events from the realtime channel.
package cartclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL        string
	UserID         string
	RequestTimeout time.Duration
	MaxReconnect   time.Duration
}

// Client is one browser-like session: it owns a Store, persists it through the API and feeds
// it realtime events.
type Client struct {
	api        *APIClient
	store      *Store
	subscriber *Subscriber
	logger     *zap.Logger

	mu        sync.RWMutex
	sessionID string
	ready     chan struct{}
	readyOnce sync.Once
}

func NewClient(cfg Config, logger *zap.Logger, opts ...StoreOption) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("cartclient: user id is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	sub, err := NewSubscriber(cfg.BaseURL, cfg.UserID, cfg.MaxReconnect, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		api:        NewAPIClient(cfg.BaseURL, cfg.RequestTimeout),
		subscriber: sub,
		logger:     logger.With(zap.String("user_id", cfg.UserID)),
		ready:      make(chan struct{}),
	}
	c.store = NewStore(cfg.UserID, c, c.logger, opts...)
	return c, nil
}

func (c *Client) Store() *Store { return c.store }

// SessionID is the id of the current realtime session, empty before the first connection.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Ready is closed once the first session is established and the cart loaded.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run keeps the realtime connection open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.subscriber.Run(ctx, c)
}

// Persist implements Persister. The write is tagged with the current session so the direct
// broadcast skips this session.
func (c *Client) Persist(ctx context.Context, userID string, items []models.CartItem) error {
	return c.api.SaveCart(ctx, c.SessionID(), models.Mutation{UserID: userID, Items: items})
}

// OnSession loads the server cart after every (re)connect. Local writes that were never
// confirmed are sent again instead.
func (c *Client) OnSession(ctx context.Context, info models.SessionInfo) {
	c.mu.Lock()
	c.sessionID = info.SessionID
	c.mu.Unlock()
	defer c.readyOnce.Do(func() { close(c.ready) })

	cart, err := c.api.GetCart(ctx, c.store.UserID())
	if err != nil {
		c.logger.Warn("failed to load cart", zap.Error(err))
		return
	}
	var items []models.CartItem
	if cart != nil {
		items = cart.Items
	}

	if c.store.Load(items) == Ignored && c.store.State() == Dirty {
		if err := c.store.Retry(ctx); err != nil {
			c.logger.Warn("retry of pending cart write failed", zap.Error(err))
		}
	}
}

func (c *Client) OnEvent(e models.ChangeEvent) {
	res := c.store.HandleEvent(e)
	c.logger.Debug("cart event handled",
		zap.String("operation", string(e.OperationType)),
		zap.Bool("from_change_feed", e.Origin.FromChangeFeed),
		zap.Stringer("resolution", res),
	)
}

func (c *Client) OnError(p models.ErrorPayload) {
	c.logger.Warn("realtime submit rejected", zap.Int("code", p.Code), zap.String("message", p.Message), zap.Bool("retryable", p.Retryable))
}
