package repository

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
)

// CartDocument is the stored form of a cart. Prices are kept as decimal strings so no float
// rounding happens in the store or on the change feed.
type CartDocument struct {
	UserID    string         `dynamodbav:"user_id"`
	Items     []ItemDocument `dynamodbav:"items"`
	UpdatedAt string         `dynamodbav:"updated_at"`
	Region    string         `dynamodbav:"region,omitempty"`
}

type ItemDocument struct {
	ProductID     string `dynamodbav:"product_id"`
	Quantity      int    `dynamodbav:"quantity"`
	PriceSnapshot string `dynamodbav:"price_snapshot"`
}

// KeyDocument is the primary key of a cart document, as found in REMOVE stream records.
type KeyDocument struct {
	UserID string `dynamodbav:"user_id"`
}

func NewCartDocument(cart *models.Cart) CartDocument {
	doc := CartDocument{
		UserID:    cart.UserID,
		Items:     make([]ItemDocument, 0, len(cart.Items)),
		UpdatedAt: cart.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Region:    cart.Region,
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, ItemDocument{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			PriceSnapshot: item.PriceSnapshot.String(),
		})
	}
	return doc
}

// Cart converts the document back, rejecting anything a valid write could not have produced.
func (d CartDocument) Cart() (*models.Cart, error) {
	if d.UserID == "" {
		return nil, fmt.Errorf("%w: document without user_id", models.ErrInvalidCart)
	}
	cart := &models.Cart{
		UserID: d.UserID,
		Items:  make([]models.CartItem, 0, len(d.Items)),
		Region: d.Region,
	}
	if d.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: updated_at %q", models.ErrInvalidCart, d.UpdatedAt)
		}
		cart.UpdatedAt = t
	}
	for _, item := range d.Items {
		price := decimal.Zero
		if item.PriceSnapshot != "" {
			p, err := decimal.NewFromString(item.PriceSnapshot)
			if err != nil {
				return nil, fmt.Errorf("%w: price_snapshot %q for %s", models.ErrInvalidCart, item.PriceSnapshot, item.ProductID)
			}
			price = p
		}
		cart.Items = append(cart.Items, models.CartItem{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			PriceSnapshot: price,
		})
	}
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	return cart, nil
}
