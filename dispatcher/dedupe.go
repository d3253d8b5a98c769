package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper claims tickets so each is dialed at most once per TTL, across
// polls and, for the Redis implementation, across processes.
type Deduper interface {
	// Claim reports true when the caller now owns the ticket.
	Claim(ctx context.Context, ticketID string) (bool, error)
	// Claimed returns the ticket IDs currently held.
	Claimed(ctx context.Context) ([]string, error)
}

// MemoryDeduper keeps claims in process memory.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryDeduper creates an in-memory deduper. now may be nil.
func NewMemoryDeduper(ttl time.Duration, now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{ttl: ttl, now: now, claims: make(map[string]time.Time)}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, ticketID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expire(now)
	if _, held := d.claims[ticketID]; held {
		return false, nil
	}
	d.claims[ticketID] = now
	return true, nil
}

// Claimed implements Deduper.
func (d *MemoryDeduper) Claimed(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expire(d.now())
	ids := make([]string, 0, len(d.claims))
	for id := range d.claims {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *MemoryDeduper) expire(now time.Time) {
	for id, at := range d.claims {
		if now.Sub(at) > d.ttl {
			delete(d.claims, id)
		}
	}
}

// RedisDeduper keeps claims in Redis with SET NX and a TTL.
type RedisDeduper struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDeduper creates a Redis-backed deduper. prefix defaults to
// "callbridge:ticket:".
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	if prefix == "" {
		prefix = "callbridge:ticket:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDeduper{redis: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, ticketID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, d.prefix+ticketID, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim ticket %s: %w", ticketID, err)
	}
	if !ok {
		d.logger.Debug("ticket already claimed", zap.String("ticket_id", ticketID))
	}
	return ok, nil
}

// Claimed implements Deduper.
func (d *RedisDeduper) Claimed(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := d.redis.Scan(ctx, cursor, d.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan claims: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, k[len(d.prefix):])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}
