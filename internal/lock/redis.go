package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eddiefleurent/position_ledger/internal/models"
)

// Both scripts only touch the key while it still carries the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisManager shares locks between processes through Redis keys that expire
// on their own.
type RedisManager struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisManager creates a manager storing keys under prefix.
func NewRedisManager(rdb redis.UniversalClient, prefix string) *RedisManager {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "ledger:lock:"
	}
	return &RedisManager{rdb: rdb, prefix: prefix}
}

func (r *RedisManager) key(ci string) string { return r.prefix + ci }

func (r *RedisManager) Acquire(ctx context.Context, ci string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("lock %s: timeout must be > 0", ci)
	}
	token := uuid.New().String()
	ok, err := r.rdb.SetNX(ctx, r.key(ci), token, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", ci, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrLockBusy, ci)
	}
	return &Handle{CI: ci, Token: token, ExpiresAt: time.Now().Add(timeout)}, nil
}

func (r *RedisManager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key(h.CI)}, h.Token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", h.CI, err)
	}
	return nil
}

func (r *RedisManager) Extend(ctx context.Context, h *Handle, timeout time.Duration) error {
	n, err := extendScript.Run(ctx, r.rdb, []string{r.key(h.CI)}, h.Token, timeout.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", h.CI, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, h.CI)
	}
	h.ExpiresAt = time.Now().Add(timeout)
	return nil
}

func (r *RedisManager) Held(ctx context.Context, ci string) (bool, error) {
	err := r.rdb.Get(ctx, r.key(ci)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("check %s: %w", ci, err)
	}
}

var _ Manager = (*RedisManager)(nil)
