package delegation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsumptionStore records spent agent tokens. Consume marks jti as used and
// reports whether this call was the first one; the check and the mark are a
// single atomic step. Records may be dropped once expiresAt has passed,
// since an expired token is rejected before the store is consulted.
type ConsumptionStore interface {
	Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// MemoryConsumptionStore is a process-local ConsumptionStore.
type MemoryConsumptionStore struct {
	mu    sync.Mutex
	spent map[string]time.Time
	now   func() time.Time
	calls int
}

func NewMemoryConsumptionStore() *MemoryConsumptionStore {
	return &MemoryConsumptionStore{spent: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryConsumptionStore) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, errors.New("delegation: empty jti")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls%256 == 0 {
		m.pruneLocked()
	}
	if _, used := m.spent[jti]; used {
		return false, nil
	}
	m.spent[jti] = expiresAt
	return true, nil
}

// Len reports how many spent tokens are tracked.
func (m *MemoryConsumptionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spent)
}

func (m *MemoryConsumptionStore) pruneLocked() {
	// Keep a minute of slack for clock skew between issuer and executor.
	cutoff := m.now().Add(-time.Minute)
	for jti, exp := range m.spent {
		if exp.Before(cutoff) {
			delete(m.spent, jti)
		}
	}
}

const redisKeyPrefix = "finllm:agent-token:spent:"

// RedisConsumptionStore shares spent tokens between executor replicas.
type RedisConsumptionStore struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisConsumptionStore wraps an existing client.
func NewRedisConsumptionStore(client redis.Cmdable) *RedisConsumptionStore {
	return &RedisConsumptionStore{client: client, now: time.Now}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("delegation: redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Consume uses SET NX so that exactly one caller wins.
func (s *RedisConsumptionStore) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, errors.New("delegation: empty jti")
	}
	ttl := expiresAt.Sub(s.now()) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+jti, s.now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("delegation: redis consume: %w", err)
	}
	return ok, nil
}

// PGConsumptionStore records spent tokens in the consumed_agent_tokens table.
type PGConsumptionStore struct {
	db *sql.DB
}

func NewPGConsumptionStore(db *sql.DB) *PGConsumptionStore {
	return &PGConsumptionStore{db: db}
}

func (s *PGConsumptionStore) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if jti == "" {
		return false, errors.New("delegation: empty jti")
	}
	res, err := s.db.ExecContext(ctx,
		`insert into consumed_agent_tokens(jti, expires_at) values($1,$2) on conflict (jti) do nothing`,
		jti, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("delegation: pg consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Prune deletes records that expired before cutoff.
func (s *PGConsumptionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from consumed_agent_tokens where expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
