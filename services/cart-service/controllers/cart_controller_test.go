package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/realtime"
	"github.com/yashrajoria/cart-sync/services/cart-service/relay"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
	"github.com/yashrajoria/cart-sync/services/cart-service/services"
	"go.uber.org/zap"
)

type memRepo struct {
	mu      sync.Mutex
	carts   map[string]*models.Cart
	writes  int
	failure error
}

func newMemRepo() *memRepo {
	return &memRepo{carts: map[string]*models.Cart{}}
}

func (r *memRepo) Get(_ context.Context, userID string) (*models.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[userID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	cp := *c
	cp.Items = models.CloneItems(c.Items)
	return &cp, nil
}

func (r *memRepo) Upsert(_ context.Context, cart *models.Cart) (*models.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return nil, r.failure
	}
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	r.writes++
	items := models.Normalize(cart.Items)
	if len(items) == 0 {
		delete(r.carts, cart.UserID)
		return nil, nil
	}
	stored := &models.Cart{UserID: cart.UserID, Items: items, UpdatedAt: time.Now().UTC()}
	r.carts[cart.UserID] = stored
	cp := *stored
	cp.Items = models.CloneItems(items)
	return &cp, nil
}

func (r *memRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	r.writes++
	delete(r.carts, userID)
	return nil
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type fakeRelayStatus struct {
	status relay.Status
}

func (f fakeRelayStatus) Status() relay.Status { return f.status }

type testEnv struct {
	repo   *memRepo
	hub    *realtime.Hub
	router *gin.Engine
}

func setupRouter(t *testing.T, rs RelayStatus) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newMemRepo()
	svc := services.NewCartService(repo, zap.NewNop())
	hub := realtime.NewHub(svc, zap.NewNop(), realtime.WithSendTimeout(50*time.Millisecond))
	t.Cleanup(hub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	cart := NewCartController(svc, hub, zap.NewNop())
	rt := NewRealtimeController(ctx, hub, rs, func(string) bool { return true }, zap.NewNop())
	r.GET("/cart", cart.GetCart)
	r.POST("/cart", cart.SaveCart)
	r.DELETE("/cart", cart.DeleteCart)
	r.POST("/cart/items", cart.AddItem)
	r.PUT("/cart/items/:product_id", cart.UpdateQuantity)
	r.DELETE("/cart/items/:product_id", cart.RemoveItem)
	r.GET("/ws", rt.Connect)
	r.GET("/health", rt.Health)

	return &testEnv{repo: repo, hub: hub, router: r}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// nextMessage skips the session greeting and returns the next frame, or fails after a timeout.
func nextMessage(t *testing.T, s *realtime.Session) models.Message {
	t.Helper()
	for {
		select {
		case frame := <-s.Messages():
			var msg models.Message
			require.NoError(t, json.Unmarshal(frame, &msg))
			if msg.Type == models.MessageSession {
				continue
			}
			return msg
		case <-time.After(time.Second):
			t.Fatal("no message received")
			return models.Message{}
		}
	}
}

func assertNoMessage(t *testing.T, s *realtime.Session) {
	t.Helper()
	for {
		select {
		case frame := <-s.Messages():
			var msg models.Message
			require.NoError(t, json.Unmarshal(frame, &msg))
			if msg.Type == models.MessageSession {
				continue
			}
			t.Fatalf("unexpected %s message", msg.Type)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestGetCart_NoCartReturnsNullData(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(http.MethodGet, "/cart?user_id=u1", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body["data"])
	assert.Contains(t, body, "duration")
}

func TestCartRoutes_AcceptCamelCaseUserID(t *testing.T) {
	env := setupRouter(t, nil)
	w := env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[{"product_id":"p1","quantity":2,"price_snapshot":"4.50"}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/cart?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data *models.Cart `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Data)
	assert.Equal(t, "u1", body.Data.UserID)

	w = env.do(http.MethodDelete, "/cart?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/cart?userId=u1", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body.Data)
}

func TestGetCart_MissingUserID(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(http.MethodGet, "/cart", "", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "user_id is required")
}

func TestSaveCart_PersistsAndSkipsSubmitter(t *testing.T) {
	env := setupRouter(t, nil)
	a, err := env.hub.Connect("u1")
	require.NoError(t, err)
	b, err := env.hub.Connect("u1")
	require.NoError(t, err)
	c, err := env.hub.Connect("")
	require.NoError(t, err)
	other, err := env.hub.Connect("u2")
	require.NoError(t, err)

	body := `{"user_id":"u1","items":[{"product_id":"p1","quantity":2,"price_snapshot":"19.99"}]}`
	w := env.do(http.MethodPost, "/cart", body, map[string]string{HeaderSessionID: a.ID()})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, env.repo.writeCount())

	for _, s := range []*realtime.Session{b, c} {
		msg := nextMessage(t, s)
		assert.Equal(t, models.MessageCartChange, msg.Type)
		var event models.ChangeEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.False(t, event.Origin.FromChangeFeed)
		assert.Equal(t, a.ID(), event.Origin.SessionID)
		require.Len(t, event.Items, 1)
		assert.True(t, decimal.RequireFromString("19.99").Equal(event.Items[0].PriceSnapshot))
	}
	assertNoMessage(t, a)
	assertNoMessage(t, other)

	w = env.do(http.MethodGet, "/cart?user_id=u1", "", nil)
	assert.Contains(t, w.Body.String(), `"product_id":"p1"`)
}

func TestSaveCart_EmptyItemsDeletesAndPublishesCartEmpty(t *testing.T) {
	env := setupRouter(t, nil)
	watcher, err := env.hub.Connect("u1")
	require.NoError(t, err)

	env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[{"product_id":"p1","quantity":1,"price_snapshot":"1"}]}`, nil)
	assert.Equal(t, models.MessageCartChange, nextMessage(t, watcher).Type)

	w := env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[{"product_id":"p1","quantity":0,"price_snapshot":"1"}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.MessageCartEmpty, nextMessage(t, watcher).Type)

	w = env.do(http.MethodGet, "/cart?user_id=u1", "", nil)
	assert.Contains(t, w.Body.String(), `"data":null`)
}

func TestSaveCart_ChangeFeedHeaderPublishesWithoutPersisting(t *testing.T) {
	env := setupRouter(t, nil)
	submitter, err := env.hub.Connect("u1")
	require.NoError(t, err)

	body := `{"user_id":"u1","items":[{"product_id":"p1","quantity":3,"price_snapshot":"5.00"}]}`
	w := env.do(http.MethodPost, "/cart", body, map[string]string{HeaderChangeFeed: "true", HeaderSessionID: submitter.ID()})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.repo.writeCount())

	msg := nextMessage(t, submitter)
	var event models.ChangeEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.True(t, event.Origin.FromChangeFeed, "change feed events reach every session")
}

func TestSaveCart_InvalidBody(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(http.MethodPost, "/cart", `{"user_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[{"product_id":"p1","quantity":-1,"price_snapshot":"1"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveCart_ConflictIsReportedAndNotPublished(t *testing.T) {
	env := setupRouter(t, nil)
	watcher, err := env.hub.Connect("u1")
	require.NoError(t, err)
	env.repo.failure = fmt.Errorf("put: %w", repository.ErrConflict)

	w := env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[{"product_id":"p1","quantity":1,"price_snapshot":"1"}]}`, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assertNoMessage(t, watcher)
}

func TestSaveCart_StoreUnavailable(t *testing.T) {
	env := setupRouter(t, nil)
	env.repo.failure = repository.ErrStoreUnavailable

	w := env.do(http.MethodPost, "/cart", `{"user_id":"u1","items":[]}`, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDeleteCart_IdempotentAndPublishesCartEmpty(t *testing.T) {
	env := setupRouter(t, nil)
	watcher, err := env.hub.Connect("u1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodDelete, "/cart?user_id=u1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.MessageCartEmpty, nextMessage(t, watcher).Type)
	}
}

func TestItemRoutes(t *testing.T) {
	env := setupRouter(t, nil)
	headers := map[string]string{HeaderUserID: "u1"}

	w := env.do(http.MethodPost, "/cart/items", `{"product_id":"p1","quantity":1,"price_snapshot":"2.50"}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(http.MethodPost, "/cart/items", `{"product_id":"p1","quantity":2,"price_snapshot":"3.00"}`, headers)
	require.Equal(t, http.StatusOK, w.Code)

	cart, err := env.repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("2.50").Equal(cart.Items[0].PriceSnapshot), "first snapshot is kept")

	w = env.do(http.MethodPut, "/cart/items/p1", `{"quantity":5}`, headers)
	require.Equal(t, http.StatusOK, w.Code)
	cart, _ = env.repo.Get(context.Background(), "u1")
	assert.Equal(t, 5, cart.Items[0].Quantity)

	w = env.do(http.MethodPut, "/cart/items/missing", `{"quantity":1}`, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPut, "/cart/items/p1", `{}`, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/cart/items/p1", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = env.repo.Get(context.Background(), "u1")
	assert.True(t, errors.Is(err, repository.ErrCartNotFound), "removing the last item deletes the cart")
}

func TestHealth(t *testing.T) {
	t.Run("relay disabled", func(t *testing.T) {
		env := setupRouter(t, nil)
		w := env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"disabled"`)
	})

	t.Run("relay polling", func(t *testing.T) {
		env := setupRouter(t, fakeRelayStatus{status: relay.Status{State: "polling", Instance: "i-1", Shards: []string{"s1"}}})
		_, err := env.hub.Connect("")
		require.NoError(t, err)

		w := env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Status   string       `json:"status"`
			Sessions int          `json:"sessions"`
			Relay    relay.Status `json:"relay"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, 1, body.Sessions)
		assert.Equal(t, "polling", body.Relay.State)
	})

	t.Run("relay failed", func(t *testing.T) {
		env := setupRouter(t, fakeRelayStatus{status: relay.Status{State: "stopped", Error: "lease store unavailable"}})
		w := env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "lease store unavailable")
	})
}

func TestWebsocket_SubmitReachesOtherSessions(t *testing.T) {
	env := setupRouter(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1"
	dial := func() (*websocket.Conn, models.SessionInfo) {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		var msg models.Message
		require.NoError(t, ws.ReadJSON(&msg))
		require.Equal(t, models.MessageSession, msg.Type)
		var info models.SessionInfo
		require.NoError(t, json.Unmarshal(msg.Data, &info))
		return ws, info
	}

	a, _ := dial()
	defer a.Close()
	b, _ := dial()
	defer b.Close()
	require.Eventually(t, func() bool { return env.hub.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	submit, err := models.NewMessage(models.MessageSubmit, models.Mutation{
		Items: []models.CartItem{{ProductID: "p1", Quantity: 1, PriceSnapshot: decimal.RequireFromString("1.25")}},
	})
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(submit))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.Message
	require.NoError(t, b.ReadJSON(&msg))
	assert.Equal(t, models.MessageCartChange, msg.Type)

	require.NoError(t, a.WriteJSON(models.Message{Type: models.MessagePing}))
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, a.ReadJSON(&msg))
	assert.Equal(t, models.MessagePong, msg.Type, "submitter gets no echo of its own write")

	cart, err := env.repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
}

func TestWebsocket_SubmitForAnotherUserIsRejected(t *testing.T) {
	env := setupRouter(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?user_id=u1", nil)
	require.NoError(t, err)
	defer ws.Close()

	var msg models.Message
	require.NoError(t, ws.ReadJSON(&msg))

	submit, err := models.NewMessage(models.MessageSubmit, models.Mutation{UserID: "u2"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(submit))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, models.MessageError, msg.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, http.StatusForbidden, payload.Code)
	assert.False(t, payload.Retryable)
	assert.Equal(t, 0, env.repo.writeCount())
}
