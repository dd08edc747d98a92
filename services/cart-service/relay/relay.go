package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/google/uuid"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	"go.uber.org/zap"
)

// State is the relay lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	default:
		return "stopped"
	}
}

// ErrAlreadyRunning is returned by Start on a relay that is not stopped.
var ErrAlreadyRunning = errors.New("relay already running")

// StreamsAPI is the part of the DynamoDB Streams client the relay uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

type Config struct {
	// ProcessorName prefixes every lease key. Two relays with different names each see every change.
	ProcessorName string
	// InstanceName owns the leases this relay takes. Defaults to a random ID.
	InstanceName string
	StreamARN    string
	PollInterval time.Duration
	MaxItems     int32
	LeaseTTL     time.Duration
	// ShardSyncInterval is how often the shard list is re-read to pick up new or orphaned shards.
	ShardSyncInterval time.Duration
	// MaxRetryInterval caps the backoff between delivery and read retries.
	MaxRetryInterval time.Duration
}

func (c *Config) defaults() {
	if c.InstanceName == "" {
		c.InstanceName = "relay-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.ShardSyncInterval <= 0 {
		c.ShardSyncInterval = 10 * time.Second
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 10 * time.Second
	}
}

// Status is the relay snapshot reported on /health.
type Status struct {
	State    string   `json:"state"`
	Error    string   `json:"error,omitempty"`
	Instance string   `json:"instance"`
	Shards   []string `json:"shards"`
}

// Relay reads the cart table's change stream and hands every committed write to the sink.
// One worker runs per shard this instance holds a lease for; a shard's checkpoint only moves
// after its batch was delivered.
type Relay struct {
	cfg     Config
	streams StreamsAPI
	leases  LeaseStore
	sink    Sink
	dlq     DeadLetter
	resolve func(ctx context.Context) (string, error)
	logger  *zap.Logger
	metrics *aws_pkg.MetricsClient

	state atomic.Int32

	mu       sync.Mutex
	err      error
	running  map[string]context.CancelFunc
	finished map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Relay.
type Option func(*Relay)

func WithDeadLetter(d DeadLetter) Option {
	return func(r *Relay) { r.dlq = d }
}

// WithStreamResolver looks the stream ARN up at Start when Config.StreamARN is empty.
func WithStreamResolver(resolve func(ctx context.Context) (string, error)) Option {
	return func(r *Relay) { r.resolve = resolve }
}

func WithMetrics(m *aws_pkg.MetricsClient) Option {
	return func(r *Relay) { r.metrics = m }
}

func New(cfg Config, streams StreamsAPI, leases LeaseStore, sink Sink, logger *zap.Logger, opts ...Option) *Relay {
	cfg.defaults()
	r := &Relay{
		cfg:     cfg,
		streams: streams,
		leases:  leases,
		sink:    sink,
		logger:  logger.With(zap.String("component", "relay"), zap.String("instance", cfg.InstanceName)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

// Err returns the error that stopped the relay, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	shards := make([]string, 0, len(r.running))
	for id := range r.running {
		shards = append(shards, id)
	}
	st := Status{State: r.State().String(), Instance: r.cfg.InstanceName, Shards: shards}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	r.mu.Unlock()
	sort.Strings(st.Shards)
	return st
}

// Start verifies the lease table and the stream, then begins polling in the background.
// Failures here are fatal: the relay stays stopped and Err reports why.
func (r *Relay) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}

	r.mu.Lock()
	r.err = nil
	r.running = make(map[string]context.CancelFunc)
	r.finished = make(map[string]bool)
	r.mu.Unlock()

	if err := r.leases.Verify(ctx); err != nil {
		return r.abortStart(fmt.Errorf("lease store unavailable: %w", err))
	}
	if r.cfg.StreamARN == "" {
		if r.resolve == nil {
			return r.abortStart(errors.New("no stream ARN configured"))
		}
		arn, err := r.resolve(ctx)
		if err != nil {
			return r.abortStart(fmt.Errorf("resolve stream: %w", err))
		}
		r.cfg.StreamARN = arn
	}
	shards, err := r.listShards(ctx)
	if err != nil {
		return r.abortStart(fmt.Errorf("describe stream: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.wake = make(chan struct{}, 1)
	r.mu.Unlock()

	r.state.Store(int32(StatePolling))
	r.logger.Info("relay started",
		zap.String("processor", r.cfg.ProcessorName),
		zap.String("stream_arn", r.cfg.StreamARN),
		zap.Int("shards", len(shards)),
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int32("max_items", r.cfg.MaxItems),
	)

	go r.run(runCtx, shards, done)
	return nil
}

func (r *Relay) abortStart(err error) error {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.state.Store(int32(StateStopped))
	r.logger.Error("relay failed to start", zap.Error(err))
	return err
}

// Stop cancels all workers, releases their leases and waits for them until ctx expires.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		r.logger.Info("relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay stop: %w", ctx.Err())
	}
}

// fail records a fatal error and shuts the relay down.
func (r *Relay) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	cancel := r.cancel
	r.mu.Unlock()

	r.logger.Error("relay stopped on fatal error", zap.Error(err))
	if cancel != nil {
		cancel()
	}
}

func (r *Relay) run(ctx context.Context, shards []types.Shard, done chan struct{}) {
	defer func() {
		r.wg.Wait()
		r.state.Store(int32(StateStopped))
		close(done)
	}()

	r.assign(ctx, shards)

	ticker := time.NewTicker(r.cfg.ShardSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}

		shards, err := r.listShards(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isFatal(err) {
				r.fail(fmt.Errorf("describe stream: %w", err))
				return
			}
			r.logger.Warn("shard sync failed", zap.Error(err))
			continue
		}
		r.assign(ctx, shards)
	}
}

func (r *Relay) listShards(ctx context.Context) ([]types.Shard, error) {
	var shards []types.Shard
	var start *string
	for {
		out, err := r.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(r.cfg.StreamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, err
		}
		if out.StreamDescription == nil {
			return shards, nil
		}
		shards = append(shards, out.StreamDescription.Shards...)
		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return shards, nil
		}
	}
}

// assign starts workers for shards that are free and whose parent has been read to the end.
// A child shard is never read before its parent, so per-user order survives shard splits.
func (r *Relay) assign(ctx context.Context, shards []types.Shard) {
	present := make(map[string]bool, len(shards))
	for _, sh := range shards {
		present[aws.ToString(sh.ShardId)] = true
	}

	for _, sh := range shards {
		if ctx.Err() != nil {
			return
		}
		shardID := aws.ToString(sh.ShardId)
		if r.isRunning(shardID) || r.isFinished(shardID) {
			continue
		}

		parent := aws.ToString(sh.ParentShardId)
		if parent != "" && present[parent] {
			done, err := r.parentFinished(ctx, parent)
			if err != nil {
				r.logger.Warn("parent lease lookup failed", zap.String("shard_id", shardID), zap.Error(err))
				continue
			}
			if !done {
				continue
			}
		}

		key := LeaseKey(r.cfg.ProcessorName, shardID)
		lease, err := r.leases.Acquire(ctx, key, r.cfg.InstanceName, r.cfg.LeaseTTL)
		if errors.Is(err, ErrLeaseHeld) {
			continue
		}
		if err != nil {
			if isFatal(err) {
				r.fail(fmt.Errorf("acquire lease: %w", err))
				return
			}
			r.logger.Warn("lease acquire failed", zap.String("shard_id", shardID), zap.Error(err))
			continue
		}

		if lease.Checkpoint == ShardEnd {
			r.markFinished(shardID)
			r.release(key)
			continue
		}
		r.startWorker(ctx, shardID, lease)
	}
}

func (r *Relay) parentFinished(ctx context.Context, parent string) (bool, error) {
	if r.isFinished(parent) {
		return true, nil
	}
	lease, err := r.leases.Get(ctx, LeaseKey(r.cfg.ProcessorName, parent))
	if err != nil {
		return false, err
	}
	if lease != nil && lease.Checkpoint == ShardEnd {
		r.markFinished(parent)
		return true, nil
	}
	return false, nil
}

func (r *Relay) startWorker(ctx context.Context, shardID string, lease *Lease) {
	wctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[shardID] = cancel
	r.mu.Unlock()

	w := &worker{
		relay:      r,
		shardID:    shardID,
		key:        lease.Key,
		checkpoint: lease.Checkpoint,
		logger:     r.logger.With(zap.String("shard_id", shardID)),
	}
	r.logger.Info("shard lease acquired", zap.String("shard_id", shardID), zap.String("checkpoint", lease.Checkpoint))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		finished := w.run(wctx)

		r.mu.Lock()
		delete(r.running, shardID)
		if finished {
			r.finished[shardID] = true
		}
		r.mu.Unlock()

		r.release(w.key)
		if finished {
			// Children of this shard may now be read
			select {
			case r.wake <- struct{}{}:
			default:
			}
		}
	}()
}

func (r *Relay) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.leases.Release(ctx, key, r.cfg.InstanceName); err != nil {
		r.logger.Warn("lease release failed", zap.String("lease", key), zap.Error(err))
	}
}

func (r *Relay) isRunning(shardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[shardID]
	return ok
}

func (r *Relay) isFinished(shardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[shardID]
}

func (r *Relay) markFinished(shardID string) {
	r.mu.Lock()
	r.finished[shardID] = true
	r.mu.Unlock()
}

// isFatal reports errors retrying cannot fix: the stream or the lease table is gone.
func isFatal(err error) bool {
	var streamGone *types.ResourceNotFoundException
	var tableGone *ddbtypes.ResourceNotFoundException
	return errors.As(err, &streamGone) || errors.As(err, &tableGone)
}
