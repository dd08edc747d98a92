package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
	apperrors "github.com/yashrajoria/cart-sync/services/common/errors"
	"go.uber.org/zap"
)

// CartService holds the cart business rules. Errors are *apperrors.Error values carrying the
// HTTP status they are reported with.
type CartService interface {
	// GetCart returns nil, nil when the user has no cart.
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	// SaveCart replaces the user's cart; an empty item list deletes it and returns nil.
	SaveCart(ctx context.Context, m models.Mutation) (*models.Cart, error)
	DeleteCart(ctx context.Context, userID string) error
	AddItem(ctx context.Context, userID string, item models.CartItem) (*models.Cart, error)
	UpdateQuantity(ctx context.Context, userID, productID string, quantity int) (*models.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*models.Cart, error)
}

var errUserIDRequired = apperrors.New(http.StatusBadRequest, "user_id is required", nil)

type cartServiceImpl struct {
	repo   repository.CartRepository
	logger *zap.Logger
}

func NewCartService(repo repository.CartRepository, logger *zap.Logger) CartService {
	return &cartServiceImpl{repo: repo, logger: logger}
}

func (s *cartServiceImpl) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	if userID == "" {
		return nil, errUserIDRequired
	}
	cart, err := s.repo.Get(ctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get cart", userID, err)
	}
	return cart, nil
}

func (s *cartServiceImpl) SaveCart(ctx context.Context, m models.Mutation) (*models.Cart, error) {
	if m.UserID == "" {
		return nil, errUserIDRequired
	}
	cart, err := s.repo.Upsert(ctx, &models.Cart{UserID: m.UserID, Items: m.Items})
	if err != nil {
		return nil, s.fail("save cart", m.UserID, err)
	}
	return cart, nil
}

func (s *cartServiceImpl) DeleteCart(ctx context.Context, userID string) error {
	if userID == "" {
		return errUserIDRequired
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		return s.fail("delete cart", userID, err)
	}
	return nil
}

// AddItem adds quantity to an existing line or appends a new one. An existing line keeps the
// price snapshot taken when it was first added.
func (s *cartServiceImpl) AddItem(ctx context.Context, userID string, item models.CartItem) (*models.Cart, error) {
	if item.ProductID == "" || item.Quantity < 1 {
		return nil, apperrors.New(http.StatusBadRequest, "product_id and a positive quantity are required", nil)
	}
	items, err := s.currentItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	found := false
	for i := range items {
		if items[i].ProductID == item.ProductID {
			items[i].Quantity += item.Quantity
			found = true
			break
		}
	}
	if !found {
		items = append(items, item)
	}
	return s.SaveCart(ctx, models.Mutation{UserID: userID, Items: items})
}

// UpdateQuantity sets a line's quantity; zero removes it.
func (s *cartServiceImpl) UpdateQuantity(ctx context.Context, userID, productID string, quantity int) (*models.Cart, error) {
	if quantity < 0 {
		return nil, apperrors.New(http.StatusBadRequest, "quantity must not be negative", nil)
	}
	items, err := s.currentItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := indexOf(items, productID)
	if idx < 0 {
		return nil, apperrors.New(http.StatusNotFound, "item not in cart", nil)
	}
	items[idx].Quantity = quantity
	return s.SaveCart(ctx, models.Mutation{UserID: userID, Items: items})
}

func (s *cartServiceImpl) RemoveItem(ctx context.Context, userID, productID string) (*models.Cart, error) {
	items, err := s.currentItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := indexOf(items, productID)
	if idx < 0 {
		return nil, apperrors.New(http.StatusNotFound, "item not in cart", nil)
	}
	items = append(items[:idx], items[idx+1:]...)
	return s.SaveCart(ctx, models.Mutation{UserID: userID, Items: items})
}

func (s *cartServiceImpl) currentItems(ctx context.Context, userID string) ([]models.CartItem, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return []models.CartItem{}, nil
	}
	return models.CloneItems(cart.Items), nil
}

func (s *cartServiceImpl) fail(op, userID string, err error) error {
	appErr := toAppError(err)
	if appErr.Code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("user_id", userID), zap.Error(err))
	} else {
		s.logger.Warn(op+" rejected", zap.String("user_id", userID), zap.Error(err))
	}
	return appErr
}

func toAppError(err error) *apperrors.Error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return apperrors.ErrCartConflict.Wrap(err)
	case errors.Is(err, repository.ErrStoreUnavailable):
		return apperrors.ErrStoreUnavailable.Wrap(err)
	case errors.Is(err, repository.ErrCartNotFound):
		return apperrors.ErrNotFound.Wrap(err)
	case errors.Is(err, models.ErrInvalidCart):
		return apperrors.ErrValidation.Wrap(err)
	default:
		return apperrors.ErrInternalServer.Wrap(err)
	}
}

func indexOf(items []models.CartItem, productID string) int {
	for i, item := range items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}
