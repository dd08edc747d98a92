package cartclient_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashrajoria/cart-sync/pkg/cartclient"
	"github.com/yashrajoria/cart-sync/services/cart-service/controllers"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/realtime"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
	"github.com/yashrajoria/cart-sync/services/cart-service/routes"
	"github.com/yashrajoria/cart-sync/services/cart-service/services"
	"go.uber.org/zap"
)

// feedRepo is an in-memory cart table whose writes show up on the hub as change-feed events,
// the way the relay delivers them.
type feedRepo struct {
	mu    sync.Mutex
	carts map[string]*models.Cart
	hub   *realtime.Hub
}

func (r *feedRepo) Get(_ context.Context, userID string) (*models.Cart, error) {
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

func (r *feedRepo) Upsert(_ context.Context, cart *models.Cart) (*models.Cart, error) {
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	items := models.Normalize(cart.Items)

	r.mu.Lock()
	if len(items) == 0 {
		delete(r.carts, cart.UserID)
		r.mu.Unlock()
		r.emit(models.NewDeleteEvent(cart.UserID, models.Origin{FromChangeFeed: true}))
		return nil, nil
	}
	stored := &models.Cart{UserID: cart.UserID, Items: items, UpdatedAt: time.Now().UTC()}
	r.carts[cart.UserID] = stored
	r.mu.Unlock()

	r.emit(models.NewUpsertEvent(stored, models.Origin{FromChangeFeed: true}))
	return &models.Cart{UserID: stored.UserID, Items: models.CloneItems(items), UpdatedAt: stored.UpdatedAt}, nil
}

func (r *feedRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	delete(r.carts, userID)
	r.mu.Unlock()
	r.emit(models.NewDeleteEvent(userID, models.Origin{FromChangeFeed: true}))
	return nil
}

func (r *feedRepo) emit(e models.ChangeEvent) {
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.hub.Publish(context.Background(), e)
	}()
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := &feedRepo{carts: map[string]*models.Cart{}}
	svc := services.NewCartService(repo, zap.NewNop())
	hub := realtime.NewHub(svc, zap.NewNop())
	repo.hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	routes.RegisterCartRoutes(r, controllers.NewCartController(svc, hub, zap.NewNop()))
	routes.RegisterRealtimeRoutes(r, controllers.NewRealtimeController(ctx, hub, nil, func(string) bool { return true }, zap.NewNop()))

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		hub.Close()
		srv.Close()
	})
	return srv
}

func startClient(t *testing.T, baseURL, userID string) *cartclient.Client {
	t.Helper()
	c, err := cartclient.NewClient(cartclient.Config{
		BaseURL:        baseURL,
		UserID:         userID,
		RequestTimeout: 2 * time.Second,
		MaxReconnect:   100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	return c
}

func product(id string, qty int) models.CartItem {
	return models.CartItem{ProductID: id, Quantity: qty, PriceSnapshot: decimal.RequireFromString("19.90")}
}

func TestClient_TwoTabsConverge(t *testing.T) {
	srv := startServer(t)
	tabA := startClient(t, srv.URL, "u1")
	tabB := startClient(t, srv.URL, "u1")
	other := startClient(t, srv.URL, "u2")

	require.NotEqual(t, tabA.SessionID(), tabB.SessionID())

	require.NoError(t, tabA.Store().AddItem(context.Background(), product("p1", 2)))

	assert.Eventually(t, func() bool {
		return models.ItemsEqual(tabB.Store().Items(), []models.CartItem{product("p1", 2)})
	}, 2*time.Second, 10*time.Millisecond, "second tab sees the write")
	assert.Eventually(t, func() bool {
		return tabA.Store().State() == cartclient.Clean
	}, 2*time.Second, 10*time.Millisecond, "writer is confirmed by the change feed")

	require.NoError(t, tabB.Store().UpdateQuantity(context.Background(), "p1", 5))

	assert.Eventually(t, func() bool {
		return models.ItemsEqual(tabA.Store().Items(), []models.CartItem{product("p1", 5)})
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tabA.Store().State() == cartclient.Clean && tabB.Store().State() == cartclient.Clean
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, other.Store().Items(), "another user's tab is untouched")
}

func TestClient_ClearCartReachesOtherTab(t *testing.T) {
	srv := startServer(t)
	tabA := startClient(t, srv.URL, "u1")
	tabB := startClient(t, srv.URL, "u1")

	require.NoError(t, tabA.Store().AddItem(context.Background(), product("p1", 1)))
	require.Eventually(t, func() bool { return len(tabB.Store().Items()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tabB.Store().ClearCart(context.Background()))

	assert.Eventually(t, func() bool { return len(tabA.Store().Items()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_LoadsExistingCartOnConnect(t *testing.T) {
	srv := startServer(t)
	api := cartclient.NewAPIClient(srv.URL, time.Second)
	require.NoError(t, api.SaveCart(context.Background(), "", models.Mutation{UserID: "u1", Items: []models.CartItem{product("p3", 4)}}))

	tab := startClient(t, srv.URL, "u1")

	assert.True(t, models.ItemsEqual(tab.Store().Items(), []models.CartItem{product("p3", 4)}))
	assert.Equal(t, cartclient.Clean, tab.Store().State())
}

func TestAPIClient_ErrorsCarryStatus(t *testing.T) {
	srv := startServer(t)
	api := cartclient.NewAPIClient(srv.URL, time.Second)

	_, err := api.GetCart(context.Background(), "")

	var apiErr *cartclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "user_id is required", apiErr.Message)

	err = api.SaveCart(context.Background(), "", models.Mutation{UserID: "u1", Items: []models.CartItem{product("p1", -1)}})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	cart, err := api.GetCart(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, cart)
	require.NoError(t, api.DeleteCart(context.Background(), "", "nobody"))
}
