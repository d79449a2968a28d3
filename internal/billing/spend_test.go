package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/models"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestRedisSpendMirror_ApplyDelta(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	mirror := NewRedisSpendMirror(client, time.Hour)
	ctx := context.Background()

	total, err := mirror.ApplyDelta(ctx, "user-1", testDay, dec("0.5"))
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("0.5")))

	total, err = mirror.ApplyDelta(ctx, "user-1", testDay.Add(20*time.Hour), dec("0.25"))
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("0.75")))

	assert.True(t, mr.Exists("spend:user-1:2025-03-14"))
	assert.Equal(t, time.Hour, mr.TTL("spend:user-1:2025-03-14"))
}

func TestRedisSpendMirror_NeverNegative(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	mirror := NewRedisSpendMirror(client, time.Hour)
	ctx := context.Background()

	_, err := mirror.ApplyDelta(ctx, "user-1", testDay, dec("0.25"))
	require.NoError(t, err)

	total, err := mirror.ApplyDelta(ctx, "user-1", testDay, dec("-1"))
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestRedisSpendMirror_ReconcileAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	mirror := NewRedisSpendMirror(client, 0)
	ctx := context.Background()

	_, ok, err := mirror.Get(ctx, "user-1", testDay)
	require.NoError(t, err)
	assert.False(t, ok)

	daily := models.NewDailyUsage("user-1", testDay)
	daily.EstimatedCost = dec("0.0776009")
	require.NoError(t, mirror.Reconcile(ctx, daily))

	total, ok, err := mirror.Get(ctx, "user-1", testDay)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, total.Equal(dec("0.0776009")))
	assert.Equal(t, 72*time.Hour, mr.TTL("spend:user-1:2025-03-14"))
}

func TestRedisSpendMirror_Unavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	mirror := NewRedisSpendMirror(client, time.Hour)

	_, err := mirror.ApplyDelta(context.Background(), "user-1", testDay, dec("0.5"))
	assert.Error(t, err)
}
