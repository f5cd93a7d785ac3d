package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
)

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestNewRedisLocker_Defaults(t *testing.T) {
	rdb := unreachableRedis()
	defer rdb.Close()

	l := NewRedisLocker(rdb, 0, nil)

	assert.Equal(t, DefaultTTL, l.ttl)
	assert.Equal(t, DefaultPrefix, l.prefix)
	assert.NotNil(t, l.logger)
}

func TestObtain_RedisDownIsNotAConflict(t *testing.T) {
	// GIVEN: No Redis listening
	rdb := unreachableRedis()
	defer rdb.Close()
	l := NewRedisLocker(rdb, time.Second, nil)

	// WHEN: Obtaining the run lock
	release, err := l.Obtain(context.Background(), audit.DefaultLockKey)

	// THEN: An infrastructure error, not "someone else holds it"
	require.Error(t, err)
	assert.Nil(t, release)
	assert.False(t, errors.Is(err, audit.ErrLockNotObtained))
	assert.False(t, audit.IsConflict(err))
}

func TestNewRedisLockerFromURL_BadURL(t *testing.T) {
	_, err := NewRedisLockerFromURL(context.Background(), "not-a-url", time.Second, nil)
	assert.Error(t, err)
}
