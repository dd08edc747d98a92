package cartclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// State tells whether the local cart has writes the server has not confirmed yet.
type State int

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// Resolution is what an incoming event did to the local cart.
type Resolution int

const (
	// Ignored: another user's event, or one equal to what is already shown.
	Ignored Resolution = iota
	// Applied: the cart was clean and took the external state.
	Applied
	// Confirmed: the event matched the pending local write; the cart is clean again.
	Confirmed
	// Overwritten: a different external state replaced an unconfirmed local write.
	Overwritten
)

func (r Resolution) String() string {
	switch r {
	case Applied:
		return "applied"
	case Confirmed:
		return "confirmed"
	case Overwritten:
		return "overwritten"
	default:
		return "ignored"
	}
}

// Persister writes the desired cart state for a user.
type Persister interface {
	Persist(ctx context.Context, userID string, items []models.CartItem) error
}

// Store is one session's local view of a user's cart.
//
// Local mutations apply immediately and are then persisted. Incoming events are compared by
// value with what is shown, so a session's own write coming back is recognised without any
// shared flag. Incoming events never cause a write.
type Store struct {
	userID    string
	persister Persister
	logger    *zap.Logger

	mu       sync.Mutex
	items    []models.CartItem
	pending  []models.CartItem
	state    State
	lastErr  error
	gen      uint64
	onChange func(items []models.CartItem)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithOnChange registers a callback run with the new items after every visible change.
func WithOnChange(fn func(items []models.CartItem)) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

func NewStore(userID string, persister Persister, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		userID:    userID,
		persister: persister,
		logger:    logger,
		items:     []models.CartItem{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) UserID() string { return s.userID }

// Items returns a copy of the items currently shown.
func (s *Store) Items() []models.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneItems(s.items)
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastErr is the error of the latest failed persist, cleared once a persist succeeds or the
// pending write is superseded.
func (s *Store) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AddItem adds one line or raises the quantity of an existing one. The first price snapshot of
// a line is kept. An item without a product or a positive quantity leaves the cart untouched.
func (s *Store) AddItem(ctx context.Context, item models.CartItem) error {
	if item.ProductID == "" || item.Quantity < 1 {
		return fmt.Errorf("%w: product_id and a positive quantity are required", models.ErrInvalidCart)
	}
	return s.mutate(ctx, func(items []models.CartItem) []models.CartItem {
		for i := range items {
			if items[i].ProductID == item.ProductID {
				items[i].Quantity += item.Quantity
				return items
			}
		}
		return append(items, item)
	})
}

func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	return s.mutate(ctx, func(items []models.CartItem) []models.CartItem {
		out := items[:0]
		for _, it := range items {
			if it.ProductID != productID {
				out = append(out, it)
			}
		}
		return out
	})
}

// UpdateQuantity sets a line's quantity. Zero removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: negative quantity for %s", models.ErrInvalidCart, productID)
	}
	return s.mutate(ctx, func(items []models.CartItem) []models.CartItem {
		for i := range items {
			if items[i].ProductID == productID {
				items[i].Quantity = quantity
			}
		}
		return models.Normalize(items)
	})
}

func (s *Store) ClearCart(ctx context.Context) error {
	return s.mutate(ctx, func([]models.CartItem) []models.CartItem {
		return []models.CartItem{}
	})
}

// mutate applies fn optimistically, marks the cart dirty and persists the result. A failed
// persist leaves the local state in place; Retry sends it again.
func (s *Store) mutate(ctx context.Context, fn func(items []models.CartItem) []models.CartItem) error {
	s.mu.Lock()
	next := models.Normalize(fn(models.CloneItems(s.items)))
	s.items = next
	s.pending = models.CloneItems(next)
	s.state = Dirty
	s.gen++
	gen := s.gen
	pending := models.CloneItems(next)
	s.mu.Unlock()

	s.notify(next)
	return s.persist(ctx, gen, pending)
}

// Retry persists the pending write again. It is a no-op on a clean cart.
func (s *Store) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Clean {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	pending := models.CloneItems(s.pending)
	s.mu.Unlock()

	return s.persist(ctx, gen, pending)
}

func (s *Store) persist(ctx context.Context, gen uint64, items []models.CartItem) error {
	err := s.persister.Persist(ctx, s.userID, items)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == Clean {
		// A newer write or an external event superseded this one
		return err
	}
	s.lastErr = err
	if err != nil {
		s.logger.Warn("cart persist failed, keeping local changes", zap.String("user_id", s.userID), zap.Error(err))
	}
	return err
}

// HandleEvent reconciles one incoming change with the local cart.
func (s *Store) HandleEvent(e models.ChangeEvent) Resolution {
	if e.UserID != s.userID {
		return Ignored
	}

	s.mu.Lock()
	res := s.resolve(e.Items)
	items := models.CloneItems(s.items)
	s.mu.Unlock()

	if res == Applied || res == Overwritten {
		s.notify(items)
	}
	if res == Overwritten {
		s.logger.Info("unconfirmed local cart replaced by newer external state", zap.String("user_id", s.userID))
	}
	return res
}

func (s *Store) resolve(incoming []models.CartItem) Resolution {
	if models.ItemsEqual(incoming, s.items) {
		if s.state == Dirty && models.ItemsEqual(incoming, s.pending) {
			s.state = Clean
			s.pending = nil
			s.lastErr = nil
			return Confirmed
		}
		return Ignored
	}

	s.items = models.CloneItems(incoming)
	if s.items == nil {
		s.items = []models.CartItem{}
	}
	if s.state == Clean {
		return Applied
	}
	s.state = Clean
	s.pending = nil
	s.lastErr = nil
	s.gen++
	return Overwritten
}

// Load takes a server snapshot (initial load or reconnect). A dirty cart keeps its local state;
// the caller should Retry instead.
func (s *Store) Load(items []models.CartItem) Resolution {
	s.mu.Lock()
	if s.state == Dirty {
		s.mu.Unlock()
		return Ignored
	}
	res := s.resolve(items)
	current := models.CloneItems(s.items)
	s.mu.Unlock()

	if res == Applied {
		s.notify(current)
	}
	return res
}

func (s *Store) notify(items []models.CartItem) {
	if s.onChange != nil {
		s.onChange(models.CloneItems(items))
	}
}
