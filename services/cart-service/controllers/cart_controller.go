package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/realtime"
	"github.com/yashrajoria/cart-sync/services/cart-service/services"
	apperrors "github.com/yashrajoria/cart-sync/services/common/errors"
	"github.com/yashrajoria/cart-sync/services/common/logger"
	"go.uber.org/zap"
)

const (
	// HeaderSessionID names the realtime session that made a write, so the direct path skips it.
	HeaderSessionID = logger.SessionHeader
	// HeaderChangeFeed marks a POST that re-publishes an already committed change.
	HeaderChangeFeed = "X-Change-Feed"
	// HeaderUserID is read when user_id is not given as a query parameter.
	HeaderUserID = "X-User-ID"
)

// CartController serves the cart HTTP API. Every successful write is published to realtime
// sessions through the hub.
type CartController struct {
	service services.CartService
	hub     *realtime.Hub
	logger  *zap.Logger
}

func NewCartController(service services.CartService, hub *realtime.Hub, logger *zap.Logger) *CartController {
	return &CartController{service: service, hub: hub, logger: logger}
}

type addItemRequest struct {
	UserID string `json:"user_id"`
	models.CartItem
}

type updateQuantityRequest struct {
	UserID   string `json:"user_id"`
	Quantity *int   `json:"quantity" binding:"required"`
}

// GetCart handles GET /cart. data is null when the user has no cart.
func (cc *CartController) GetCart(c *gin.Context) {
	start := time.Now()
	userID := requestUserID(c)

	cart, err := cc.service.GetCart(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":     cart,
		"duration": time.Since(start).Milliseconds(),
	})
}

// SaveCart handles POST /cart. With X-Change-Feed: true the body is only published to sessions.
func (cc *CartController) SaveCart(c *gin.Context) {
	var m models.Mutation
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if m.UserID == "" {
		m.UserID = requestUserID(c)
	}

	if c.GetHeader(HeaderChangeFeed) == "true" {
		cc.republish(c, m)
		return
	}

	sessionID := c.GetHeader(HeaderSessionID)
	cart, err := cc.hub.Apply(c.Request.Context(), sessionID, m.UserID, func(ctx context.Context) (*models.Cart, error) {
		return cc.service.SaveCart(ctx, m)
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart saved", "data": cart})
}

func (cc *CartController) republish(c *gin.Context, m models.Mutation) {
	cart := m.Cart()
	if err := cart.Validate(); err != nil {
		respondError(c, err)
		return
	}

	event := models.NewUpsertEvent(cart, models.Origin{FromChangeFeed: true})
	if err := cc.hub.Publish(c.Request.Context(), event); err != nil {
		logger.ForRequest(c, cc.logger).Warn("change feed republish failed", zap.String("user_id", m.UserID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Change published"})
}

// DeleteCart handles DELETE /cart and publishes cartEmpty.
func (cc *CartController) DeleteCart(c *gin.Context) {
	userID := requestUserID(c)
	sessionID := c.GetHeader(HeaderSessionID)

	_, err := cc.hub.Apply(c.Request.Context(), sessionID, userID, func(ctx context.Context) (*models.Cart, error) {
		return nil, cc.service.DeleteCart(ctx, userID)
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart deleted"})
}

// AddItem handles POST /cart/items.
func (cc *CartController) AddItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = requestUserID(c)
	}

	cc.applyItemWrite(c, userID, func(ctx context.Context) (*models.Cart, error) {
		return cc.service.AddItem(ctx, userID, req.CartItem)
	})
}

// UpdateQuantity handles PUT /cart/items/:product_id.
func (cc *CartController) UpdateQuantity(c *gin.Context) {
	var req updateQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = requestUserID(c)
	}
	productID := c.Param("product_id")

	cc.applyItemWrite(c, userID, func(ctx context.Context) (*models.Cart, error) {
		return cc.service.UpdateQuantity(ctx, userID, productID, *req.Quantity)
	})
}

// RemoveItem handles DELETE /cart/items/:product_id.
func (cc *CartController) RemoveItem(c *gin.Context) {
	userID := requestUserID(c)
	productID := c.Param("product_id")

	cc.applyItemWrite(c, userID, func(ctx context.Context) (*models.Cart, error) {
		return cc.service.RemoveItem(ctx, userID, productID)
	})
}

func (cc *CartController) applyItemWrite(c *gin.Context, userID string, write func(ctx context.Context) (*models.Cart, error)) {
	cart, err := cc.hub.Apply(c.Request.Context(), c.GetHeader(HeaderSessionID), userID, write)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cart})
}

// requestUserID reads user_id, then the browser client's userId spelling, then X-User-ID.
func requestUserID(c *gin.Context) string {
	for _, key := range []string{"user_id", "userId"} {
		if id := c.Query(key); id != "" {
			return id
		}
	}
	return c.GetHeader(HeaderUserID)
}

func respondError(c *gin.Context, err error) {
	apperrors.Respond(c, realtime.ToAppError(err))
}
