// Package lock はRedisを使った助言的な排他ロックを提供する。
// 同じ対象への一括マージや再生成が重複して実行されないようにする。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/model"
)

const keyPrefix = "lock:"

// 所有者のトークンが一致する場合のみ削除する
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker はロックの取得を行うインターフェース。
type Locker interface {
	// Acquire はロックを取得する。既に他の所有者がいる場合はmodel.ErrLockHeldを返す。
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock は取得済みのロック。
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Key() string {
	return l.key
}

// Release はロックを解放する。TTLで既に失効し他の所有者が取得していた場合は何もしない。
func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("ロックの解放に失敗しました (%s): %w", l.key, err)
	}
	return nil
}

// RedisLocker はSET NX PXでロックを取得するLocker実装。
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker は新しいRedisLockerを生成する。
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire はロックを取得する。
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.New().String()
	err := r.client.SetArgs(ctx, keyPrefix+key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", model.ErrLockHeld, key)
	}
	if err != nil {
		return nil, fmt.Errorf("ロックの取得に失敗しました (%s): %w", key, err)
	}
	return &redisLock{client: r.client, key: key, token: token}, nil
}

var _ Locker = (*RedisLocker)(nil)

// MergeKey は一括マージのロックキーを返す。
func MergeKey(op string, sourceID int64, kind model.Kind, destinationID int64) string {
	return fmt.Sprintf("%s:%d:%s:%d", op, sourceID, kind, destinationID)
}

// RegenerateKey は再生成のロックキーを返す。
func RegenerateKey(tl model.TimelineID) string {
	return "regenerate:" + tl.Live().Key()
}
