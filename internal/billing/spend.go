package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"usage_meter/internal/models"
)

// SpendMirror keeps a hot copy of each user's daily estimated cost.
// The durable DailyUsage row stays the source of truth.
type SpendMirror interface {
	ApplyDelta(ctx context.Context, userID string, day time.Time, delta decimal.Decimal) (decimal.Decimal, error)
	Reconcile(ctx context.Context, daily *models.DailyUsage) error
	Get(ctx context.Context, userID string, day time.Time) (decimal.Decimal, bool, error)
}

// NoopSpendMirror discards updates
type NoopSpendMirror struct{}

func NewNoopSpendMirror() *NoopSpendMirror {
	return &NoopSpendMirror{}
}

func (m *NoopSpendMirror) ApplyDelta(ctx context.Context, userID string, day time.Time, delta decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *NoopSpendMirror) Reconcile(ctx context.Context, daily *models.DailyUsage) error {
	return nil
}

func (m *NoopSpendMirror) Get(ctx context.Context, userID string, day time.Time) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

// Increment a day's spend atomically, never below zero
var applyDeltaScript = redis.NewScript(`
	local key = KEYS[1]
	local delta = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key)) or 0
	local new_total = current + delta
	if new_total < 0 then
		new_total = 0
	end

	redis.call('SET', key, tostring(new_total), 'EX', ttl)
	return tostring(new_total)
`)

// RedisSpendMirror tracks daily spend in Redis
type RedisSpendMirror struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisSpendMirror creates a mirror whose keys expire after ttl
func NewRedisSpendMirror(client *redis.Client, ttl time.Duration) *RedisSpendMirror {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisSpendMirror{redis: client, ttl: ttl}
}

// ApplyDelta adds delta to the mirrored spend and returns the new value
func (m *RedisSpendMirror) ApplyDelta(ctx context.Context, userID string, day time.Time, delta decimal.Decimal) (decimal.Decimal, error) {
	key := m.dailyKey(userID, day)

	res, err := applyDeltaScript.Run(ctx, m.redis, []string{key}, delta.String(), int(m.ttl.Seconds())).Text()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to apply spend delta: %w", err)
	}

	total, err := decimal.NewFromString(res)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid spend value %q: %w", res, err)
	}
	return total, nil
}

// Reconcile overwrites the mirror with the durable rollup
func (m *RedisSpendMirror) Reconcile(ctx context.Context, daily *models.DailyUsage) error {
	key := m.dailyKey(daily.UserID, daily.Day)
	if err := m.redis.Set(ctx, key, daily.EstimatedCost.String(), m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to reconcile spend: %w", err)
	}
	return nil
}

// Get returns the mirrored spend; ok is false when the key is absent
func (m *RedisSpendMirror) Get(ctx context.Context, userID string, day time.Time) (decimal.Decimal, bool, error) {
	val, err := m.redis.Get(ctx, m.dailyKey(userID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to get spend: %w", err)
	}

	total, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid spend value %q: %w", val, err)
	}
	return total, true, nil
}

// dailyKey generates the Redis key for a user's daily spend
func (m *RedisSpendMirror) dailyKey(userID string, day time.Time) string {
	return fmt.Sprintf("spend:%s:%s", userID, models.UsageDay(day).Format(models.DayLayout))
}
