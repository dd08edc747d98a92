package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	gobreaker "github.com/sony/gobreaker/v2"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// DynamoAPI is the part of the DynamoDB client the repository uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoCartRepository stores carts in a DynamoDB (global) table keyed by user_id. Writes are
// unconditional PutItem calls, so concurrent writers from different regions resolve by last
// writer wins at document granularity.
type DynamoCartRepository struct {
	client  DynamoAPI
	table   string
	region  string
	cb      *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
	metrics *aws_pkg.MetricsClient
	now     func() time.Time
}

// Option configures a DynamoCartRepository.
type Option func(*DynamoCartRepository)

// WithRegion records the writing region on every stored cart.
func WithRegion(region string) Option {
	return func(r *DynamoCartRepository) { r.region = region }
}

// WithMetrics enables CloudWatch write and conflict counters.
func WithMetrics(m *aws_pkg.MetricsClient) Option {
	return func(r *DynamoCartRepository) { r.metrics = m }
}

// WithClock replaces time.Now for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *DynamoCartRepository) { r.now = now }
}

// WithBreakerSettings overrides the circuit breaker configuration.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(r *DynamoCartRepository) { r.cb = r.newBreaker(st) }
}

func NewDynamoCartRepository(client DynamoAPI, table string, logger *zap.Logger, opts ...Option) *DynamoCartRepository {
	r := &DynamoCartRepository{
		client: client,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
	r.cb = r.newBreaker(gobreaker.Settings{
		Name:        "cart-store",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *DynamoCartRepository) newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker[any] {
	// Conflicts, missing carts and corrupt documents are answers from a healthy store
	st.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, ErrConflict) ||
			errors.Is(err, ErrCartNotFound) ||
			errors.Is(err, models.ErrInvalidCart)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		r.logger.Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return gobreaker.NewCircuitBreaker[any](st)
}

func (r *DynamoCartRepository) execute(fn func() error) error {
	_, err := r.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func (r *DynamoCartRepository) key(userID string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(KeyDocument{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return key, nil
}

func (r *DynamoCartRepository) Get(ctx context.Context, userID string) (*models.Cart, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrInvalidCart)
	}
	key, err := r.key(userID)
	if err != nil {
		return nil, err
	}

	var cart *models.Cart
	err = r.execute(func() error {
		out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: &r.table, Key: key})
		if err != nil {
			return fmt.Errorf("dynamodb GetItem failed: %w", err)
		}
		if len(out.Item) == 0 {
			return ErrCartNotFound
		}
		var doc CartDocument
		if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
			return fmt.Errorf("unmarshal cart: %w", err)
		}
		cart, err = doc.Cart()
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (r *DynamoCartRepository) Upsert(ctx context.Context, cart *models.Cart) (*models.Cart, error) {
	if cart == nil {
		return nil, fmt.Errorf("%w: nil cart", models.ErrInvalidCart)
	}
	if err := cart.Validate(); err != nil {
		return nil, err
	}

	committed := &models.Cart{
		UserID:    cart.UserID,
		Items:     models.Normalize(cart.Items),
		UpdatedAt: r.now().UTC(),
		Region:    r.region,
	}
	if committed.IsEmpty() {
		return nil, r.Delete(ctx, cart.UserID)
	}

	item, err := attributevalue.MarshalMap(NewCartDocument(committed))
	if err != nil {
		return nil, fmt.Errorf("marshal cart: %w", err)
	}

	err = r.execute(func() error {
		_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &r.table, Item: item})
		return mapWriteError("PutItem", err)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			r.metrics.RecordAsync(aws_pkg.MetricCartConflicts, 1, map[string]string{"Operation": "upsert"})
		}
		return nil, err
	}

	r.metrics.RecordAsync(aws_pkg.MetricCartWrites, 1, map[string]string{"Operation": "upsert"})
	return committed, nil
}

func (r *DynamoCartRepository) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", models.ErrInvalidCart)
	}
	key, err := r.key(userID)
	if err != nil {
		return err
	}

	err = r.execute(func() error {
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &r.table, Key: key})
		return mapWriteError("DeleteItem", err)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			r.metrics.RecordAsync(aws_pkg.MetricCartConflicts, 1, map[string]string{"Operation": "delete"})
		}
		return err
	}

	r.metrics.RecordAsync(aws_pkg.MetricCartWrites, 1, map[string]string{"Operation": "delete"})
	return nil
}

func mapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var txConflict *types.TransactionConflictException
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &txConflict) || errors.As(err, &condFailed) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("dynamodb %s failed: %w", op, err)
}
