package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/render-api/internal/queue"
)

// moveLeaseScript atomically moves a claimed list element into a target list
// and drops its claim record. The LREM guard makes the move conditional: if
// another actor (a racing worker, the recovery sweeper) already took the
// element, nothing is inserted and 0 is returned.
var moveLeaseScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[2])
	redis.call('HDEL', KEYS[3], ARGV[3])
	return 1
end
return 0
`)

// Options configures the Redis broker.
type Options struct {
	// Namespace prefixes every key the broker touches.
	Namespace string

	// AvailabilityCacheTTL is how long a PING result is trusted before the
	// broker is probed again. Kept at or below a second so outages are
	// noticed quickly without a health check per operation.
	AvailabilityCacheTTL time.Duration
}

// DefaultOptions returns Options with reasonable defaults.
func DefaultOptions() Options {
	return Options{
		Namespace:            "renderq",
		AvailabilityCacheTTL: time.Second,
	}
}

// Broker implements queue.Broker on Redis lists.
type Broker struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger

	// availability cache, guarded by mu
	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// New creates a Broker backed by the given Redis client.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Broker {
	if opts.Namespace == "" {
		opts.Namespace = DefaultOptions().Namespace
	}
	if opts.AvailabilityCacheTTL <= 0 || opts.AvailabilityCacheTTL > time.Second {
		opts.AvailabilityCacheTTL = DefaultOptions().AvailabilityCacheTTL
	}

	return &Broker{
		client: client,
		opts:   opts,
		logger: logger.With("component", "redis_broker"),
	}
}

// NewClient builds a Redis client for the broker. It does not ping: the
// server must be able to boot into degraded mode while Redis is down, so
// reachability is left to the availability probe.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (b *Broker) key(list queue.List) string {
	return b.opts.Namespace + ":" + string(list)
}

func (b *Broker) claimsKey() string {
	return b.opts.Namespace + ":claims"
}

// Push appends a task to the pending list.
func (b *Broker) Push(ctx context.Context, task *queue.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := b.client.LPush(ctx, b.key(queue.ListPending), raw).Err(); err != nil {
		return b.transportError("LPUSH", err)
	}
	return nil
}

// Claim blocks up to timeout for a pending task and atomically moves it from
// the tail of pending to the head of processing via BLMOVE. Returns
// (nil, nil) when no task arrived within the timeout.
func (b *Broker) Claim(ctx context.Context, timeout time.Duration) (*queue.Lease, error) {
	raw, err := b.client.BLMove(ctx,
		b.key(queue.ListPending), b.key(queue.ListProcessing),
		"RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, b.transportError("BLMOVE", err)
	}

	var task queue.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// A corrupt element cannot be processed. It stays in processing with
		// no claim record, which the sweeper treats as quarantinable and
		// moves to dead_letter, rather than being silently dropped here.
		b.logger.Error("claimed undecodable task element", "error", err)
		return nil, fmt.Errorf("failed to unmarshal claimed task: %w", err)
	}

	now := time.Now().UTC()
	task.ClaimedAt = now

	// Record the claim time out-of-band. If this write is lost the sweeper
	// sees a processing entry with no claim record and recovers it eagerly;
	// the resulting duplicate execution is within the at-least-once contract.
	if err := b.client.HSet(ctx, b.claimsKey(), task.ID, now.Format(time.RFC3339Nano)).Err(); err != nil {
		b.logger.Warn("failed to record claim time",
			"task_id", task.ID,
			"error", err)
	}

	return &queue.Lease{
		Task:      &task,
		Raw:       []byte(raw),
		ClaimedAt: now,
	}, nil
}

// Remove deletes a leased task from the processing list, terminally.
func (b *Broker) Remove(ctx context.Context, lease *queue.Lease) error {
	removed, err := b.client.LRem(ctx, b.key(queue.ListProcessing), 1, lease.Raw).Result()
	if err != nil {
		return b.transportError("LREM", err)
	}
	if removed == 0 {
		return queue.ErrTaskNotFound
	}

	if err := b.client.HDel(ctx, b.claimsKey(), lease.Task.ID).Err(); err != nil {
		b.logger.Warn("failed to clear claim record",
			"task_id", lease.Task.ID,
			"error", err)
	}
	return nil
}

// MoveLease atomically moves a leased element from the source list into the
// target list, replacing the element with the updated record. A nil updated
// record reinserts the element bytes unchanged, which is how undecodable
// elements are quarantined.
func (b *Broker) MoveLease(ctx context.Context, lease *queue.Lease, from, to queue.List, updated *queue.Task) error {
	raw := lease.Raw
	if updated != nil {
		marshaled, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal updated task: %w", err)
		}
		raw = marshaled
	}

	claimField := ""
	if lease.Task != nil {
		claimField = lease.Task.ID
	}

	keys := []string{b.key(from), b.key(to), b.claimsKey()}
	moved, err := moveLeaseScript.Run(ctx, b.client, keys, lease.Raw, raw, claimField).Int()
	if err != nil {
		return b.transportError("EVALSHA", err)
	}
	if moved == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// ListTasks returns a read-only snapshot of the given list.
func (b *Broker) ListTasks(ctx context.Context, list queue.List) ([]*queue.Task, error) {
	elems, err := b.client.LRange(ctx, b.key(list), 0, -1).Result()
	if err != nil {
		return nil, b.transportError("LRANGE", err)
	}

	tasks := make([]*queue.Task, 0, len(elems))
	for _, elem := range elems {
		var task queue.Task
		if err := json.Unmarshal([]byte(elem), &task); err != nil {
			b.logger.Error("skipping undecodable task element",
				"list", list,
				"error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// ListProcessing returns a snapshot of the processing list as leases with
// claim times attached.
func (b *Broker) ListProcessing(ctx context.Context) ([]*queue.Lease, error) {
	elems, err := b.client.LRange(ctx, b.key(queue.ListProcessing), 0, -1).Result()
	if err != nil {
		return nil, b.transportError("LRANGE", err)
	}

	claims, err := b.client.HGetAll(ctx, b.claimsKey()).Result()
	if err != nil {
		return nil, b.transportError("HGETALL", err)
	}

	leases := make([]*queue.Lease, 0, len(elems))
	for _, elem := range elems {
		var task queue.Task
		if err := json.Unmarshal([]byte(elem), &task); err != nil {
			// Surface the corrupt element with a nil task so the sweeper can
			// quarantine it; skipping it would strand it in processing.
			b.logger.Error("surfacing undecodable processing element", "error", err)
			leases = append(leases, &queue.Lease{Raw: []byte(elem)})
			continue
		}

		// Missing or unparsable claim records leave ClaimedAt zero, which the
		// sweeper treats as stale. Losing a claim record must never strand a
		// task in processing forever.
		var claimedAt time.Time
		if recorded, ok := claims[task.ID]; ok {
			if parsed, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
				claimedAt = parsed
			}
		}

		leases = append(leases, &queue.Lease{
			Task:      &task,
			Raw:       []byte(elem),
			ClaimedAt: claimedAt,
		})
	}
	return leases, nil
}

// FindDeadLetter returns the dead-lettered task with the given ID as a
// lease, without removing it. Two concurrent operators requeuing the same
// task both find it here; the MoveLease LREM guard lets only one win.
func (b *Broker) FindDeadLetter(ctx context.Context, id string) (*queue.Lease, error) {
	elems, err := b.client.LRange(ctx, b.key(queue.ListDeadLetter), 0, -1).Result()
	if err != nil {
		return nil, b.transportError("LRANGE", err)
	}

	for _, elem := range elems {
		var task queue.Task
		if err := json.Unmarshal([]byte(elem), &task); err != nil {
			continue
		}
		if task.ID != id {
			continue
		}
		return &queue.Lease{Task: &task, Raw: []byte(elem)}, nil
	}

	return nil, queue.ErrTaskNotFound
}

// IsAvailable reports whether Redis is reachable, caching the PING result
// for the configured interval.
func (b *Broker) IsAvailable(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.lastProbe) < b.opts.AvailabilityCacheTTL {
		return b.lastHealthy
	}

	err := b.client.Ping(ctx).Err()
	b.lastProbe = time.Now()
	b.lastHealthy = err == nil

	if err != nil {
		b.logger.Warn("broker health probe failed", "error", err)
	}
	return b.lastHealthy
}

// transportError converts a Redis transport failure into the shared
// ErrBrokerUnavailable sentinel and flips the cached availability flag so
// callers switch to degraded mode without waiting for the next probe.
// Context cancellation passes through untouched: a shutting-down worker is
// not evidence of a broker outage.
func (b *Broker) transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	b.mu.Lock()
	b.lastProbe = time.Now()
	b.lastHealthy = false
	b.mu.Unlock()

	b.logger.Warn("broker operation failed",
		"op", op,
		"error", err)

	return fmt.Errorf("%w: %s: %v", queue.ErrBrokerUnavailable, op, err)
}
