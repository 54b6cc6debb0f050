package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/coachbilling/pkg/redis"
)

// DefaultEventLease bounds how long an uncompleted claim blocks
// redeliveries. It must outlast the slowest event handler.
const DefaultEventLease = 5 * time.Minute

const (
	claimProcessing = "processing"
	claimDone       = "done"
)

func leaseOrDefault(lease time.Duration) time.Duration {
	if lease <= 0 {
		return DefaultEventLease
	}
	return lease
}

// RedisEventLog claims keys with SET NX under the lease TTL. Completed keys
// are kept for the configured claim TTL, long after the gateway stops
// retrying a delivery.
type RedisEventLog struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	lease  time.Duration
}

func NewRedisEventLog(client goredis.UniversalClient, cfg redis.Config, lease time.Duration) *RedisEventLog {
	return &RedisEventLog{client: client, prefix: cfg.KeyPrefix, ttl: cfg.ClaimTTL, lease: leaseOrDefault(lease)}
}

func (l *RedisEventLog) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, claimProcessing, l.lease).Result()
	if err != nil {
		return false, errors.Join(ErrClaimFailed, err)
	}
	return ok, nil
}

func (l *RedisEventLog) Complete(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, l.prefix+key, claimDone, l.ttl).Err(); err != nil {
		return errors.Join(ErrClaimFailed, err)
	}
	return nil
}

func (l *RedisEventLog) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return errors.Join(ErrClaimFailed, err)
	}
	return nil
}

// PostgresEventLog claims keys by inserting into processed_events. A row
// left processing past the lease is taken over by the next claim.
type PostgresEventLog struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPostgresEventLog(pool *pgxpool.Pool, lease time.Duration) *PostgresEventLog {
	return &PostgresEventLog{pool: pool, lease: leaseOrDefault(lease)}
}

func (l *PostgresEventLog) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO processed_events (key, state) VALUES ($1, 'processing')
		ON CONFLICT (key) DO UPDATE SET claimed_at = NOW()
		WHERE processed_events.state = 'processing'
		  AND processed_events.claimed_at < NOW() - make_interval(secs => $2)`,
		key, l.lease.Seconds())
	if err != nil {
		return false, errors.Join(ErrClaimFailed, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresEventLog) Complete(ctx context.Context, key string) error {
	if _, err := l.pool.Exec(ctx, `UPDATE processed_events SET state = 'done', claimed_at = NOW() WHERE key = $1`, key); err != nil {
		return errors.Join(ErrClaimFailed, err)
	}
	return nil
}

func (l *PostgresEventLog) Release(ctx context.Context, key string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM processed_events WHERE key = $1`, key); err != nil {
		return errors.Join(ErrClaimFailed, err)
	}
	return nil
}

// MemoryEventLog keeps claims for the life of the process. Processing
// claims do not expire: a crash takes the whole log with it.
type MemoryEventLog struct {
	mu     sync.Mutex
	claims map[string]string
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{claims: make(map[string]string)}
}

func (l *MemoryEventLog) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claims[key]; ok {
		return false, nil
	}
	l.claims[key] = claimProcessing
	return true, nil
}

func (l *MemoryEventLog) Complete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims[key] = claimDone
	return nil
}

func (l *MemoryEventLog) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, key)
	return nil
}
