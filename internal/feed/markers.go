package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/model"
)

// Markers は再生成中のタイムラインを示す目印を管理する。
// 目印がある間、読み出しは不完全（partial）として扱う。
type Markers interface {
	Start(ctx context.Context, tl model.TimelineID, ttl time.Duration) error
	Finish(ctx context.Context, tl model.TimelineID) error
	Active(ctx context.Context, tl model.TimelineID) (bool, error)
}

// MarkerKey は再生成の目印のキーを返す。
// 形式: timeline:regeneration:{kind}:{owner_id}[:{scope}]
func MarkerKey(tl model.TimelineID) string {
	return strings.Replace(tl.Live().Key(), "timeline:", "timeline:regeneration:", 1)
}

var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

// RedisMarkers はRedisのキーで目印を表すMarkers実装。
// 処理が異常終了しても目印はTTLで消える。
type RedisMarkers struct {
	client redis.UniversalClient
}

// NewRedisMarkers は新しいRedisMarkersを生成する。
func NewRedisMarkers(client redis.UniversalClient) *RedisMarkers {
	return &RedisMarkers{client: client}
}

// Start は目印を設定する。同じタイムラインへの処理が重なった場合は件数で数える。
func (m *RedisMarkers) Start(ctx context.Context, tl model.TimelineID, ttl time.Duration) error {
	key := MarkerKey(tl)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("再生成の目印の設定に失敗しました (%s): %w", tl, err)
	}
	return nil
}

// Finish は目印の件数を減らし、0になった場合は削除する。
func (m *RedisMarkers) Finish(ctx context.Context, tl model.TimelineID) error {
	if err := finishScript.Run(ctx, m.client, []string{MarkerKey(tl)}).Err(); err != nil {
		return fmt.Errorf("再生成の目印の削除に失敗しました (%s): %w", tl, err)
	}
	return nil
}

// Active は目印が設定されているかを返す。
func (m *RedisMarkers) Active(ctx context.Context, tl model.TimelineID) (bool, error) {
	n, err := m.client.Exists(ctx, MarkerKey(tl)).Result()
	if err != nil {
		return false, fmt.Errorf("再生成の目印の確認に失敗しました (%s): %w", tl, err)
	}
	return n > 0, nil
}

var _ Markers = (*RedisMarkers)(nil)
