package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/karlseguin/ccache/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/feedcache/internal/model"
)

// InvalidationChannel はページキャッシュの無効化を他プロセスへ通知するチャネル名。
const InvalidationChannel = "timeline:invalidate"

// Invalidator はタイムラインの変更を他プロセスへ通知する。
type Invalidator interface {
	Invalidate(ctx context.Context, tl model.TimelineID) error
}

// RedisInvalidator はRedisのPub/Subで無効化を通知するInvalidator実装。
type RedisInvalidator struct {
	client redis.UniversalClient
}

// NewRedisInvalidator は新しいRedisInvalidatorを生成する。
func NewRedisInvalidator(client redis.UniversalClient) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

// Invalidate はタイムラインのキーを無効化チャネルに発行する。
func (r *RedisInvalidator) Invalidate(ctx context.Context, tl model.TimelineID) error {
	if err := r.client.Publish(ctx, InvalidationChannel, tl.Live().Key()).Err(); err != nil {
		return fmt.Errorf("キャッシュ無効化の通知に失敗しました: %w", err)
	}
	return nil
}

// generationStripes はタイムラインの世代カウンタの数。
// 複数のタイムラインが同じカウンタを共有してもキャッシュを見送るだけで済む。
const generationStripes = 256

// CacheConfig はCachedStoreの設定。
type CacheConfig struct {
	MaxSize int64
	TTL     time.Duration
}

// CachedStore は読み出し結果をページ単位でキャッシュするStore実装。
// 変更操作は内側のStoreへ委譲した後、そのタイムラインのページを破棄する。
// 同じページへの同時読み出しはsingleflightで1回にまとめる。
// 読み出し中に破棄が起きた場合、その結果はキャッシュしない。
type CachedStore struct {
	Store

	cache       *ccache.Cache[[]int64]
	group       singleflight.Group
	generations [generationStripes]atomic.Uint64
	ttl         time.Duration
	invalidator Invalidator
	logger      *slog.Logger
}

// NewCachedStore は新しいCachedStoreを生成する。
// invalidatorがnilの場合は他プロセスへの通知を行わない。
func NewCachedStore(inner Store, cfg CacheConfig, invalidator Invalidator, logger *slog.Logger) *CachedStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &CachedStore{
		Store:       inner,
		cache:       ccache.New(ccache.Configure[[]int64]().MaxSize(cfg.MaxSize)),
		ttl:         cfg.TTL,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Stop はキャッシュの管理goroutineを停止する。
func (c *CachedStore) Stop() {
	c.cache.Stop()
}

func pagePrefix(key string) string {
	return key + "|"
}

func pageKey(tl model.TimelineID, cur model.Cursor) string {
	return pagePrefix(tl.Key()) +
		strconv.FormatInt(cur.MaxID, 10) + ":" +
		strconv.FormatInt(cur.SinceID, 10) + ":" +
		strconv.FormatInt(cur.MinID, 10) + ":" +
		strconv.Itoa(cur.Limit)
}

// Range はキャッシュからページを返す。キャッシュに無い場合は内側のStoreから読み出す。
// 件数無制限の読み出しはキャッシュしない。
func (c *CachedStore) Range(ctx context.Context, tl model.TimelineID, cur model.Cursor) ([]int64, error) {
	if cur.Limit <= 0 {
		return c.Store.Range(ctx, tl, cur)
	}

	key := pageKey(tl, cur)
	if item := c.cache.Get(key); item != nil && !item.Expired() {
		return append([]int64(nil), item.Value()...), nil
	}

	// 破棄の後に始まった読み出しは、破棄の前から実行中の読み出しに相乗りしない
	gen := c.generation(tl.Key())
	seen := gen.Load()
	flight := key + "#" + strconv.FormatUint(seen, 10)
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		ids, err := c.Store.Range(ctx, tl, cur)
		if err != nil {
			return nil, err
		}
		if gen.Load() == seen {
			c.cache.Set(key, ids, c.ttl)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), v.([]int64)...), nil
}

// Push はエントリを追加し、追加された場合はキャッシュを破棄する。
func (c *CachedStore) Push(ctx context.Context, tl model.TimelineID, e model.Entry, opts PushOptions) (bool, error) {
	inserted, err := c.Store.Push(ctx, tl, e, opts)
	if err != nil || !inserted {
		return inserted, err
	}
	c.invalidate(ctx, tl)
	return true, nil
}

// Remove はエントリを削除し、削除された場合はキャッシュを破棄する。
func (c *CachedStore) Remove(ctx context.Context, tl model.TimelineID, e model.Entry) (bool, error) {
	removed, err := c.Store.Remove(ctx, tl, e)
	if err != nil || !removed {
		return removed, err
	}
	c.invalidate(ctx, tl)
	return true, nil
}

// Trim はタイムラインを切り詰め、削除があった場合はキャッシュを破棄する。
func (c *CachedStore) Trim(ctx context.Context, tl model.TimelineID, maxLen int) (int, error) {
	n, err := c.Store.Trim(ctx, tl, maxLen)
	if err != nil || n == 0 {
		return n, err
	}
	c.invalidate(ctx, tl)
	return n, nil
}

// Clear はタイムラインを削除し、キャッシュを破棄する。
func (c *CachedStore) Clear(ctx context.Context, tl model.TimelineID) error {
	if err := c.Store.Clear(ctx, tl); err != nil {
		return err
	}
	c.invalidate(ctx, tl)
	return nil
}

// Swap はシャドウタイムラインを昇格し、キャッシュを破棄する。
func (c *CachedStore) Swap(ctx context.Context, tl model.TimelineID, boundary int64, maxLen int) error {
	if err := c.Store.Swap(ctx, tl, boundary, maxLen); err != nil {
		return err
	}
	c.invalidate(ctx, tl.Live())
	return nil
}

// Drop はキー指定でローカルのページキャッシュを破棄し、破棄した件数を返す。
// 実行中の読み出しの結果もキャッシュされなくなる。
func (c *CachedStore) Drop(key string) int {
	c.generation(key).Add(1)
	return c.cache.DeletePrefix(pagePrefix(key))
}

func (c *CachedStore) generation(key string) *atomic.Uint64 {
	return &c.generations[xxhash.Sum64String(key)%generationStripes]
}

func (c *CachedStore) invalidate(ctx context.Context, tl model.TimelineID) {
	// シャドウは読み出されないためキャッシュも持たない
	if tl.IsShadow() {
		return
	}
	c.Drop(tl.Key())
	if c.invalidator == nil {
		return
	}
	if err := c.invalidator.Invalidate(ctx, tl); err != nil {
		c.logger.Warn("キャッシュ無効化の通知に失敗しました",
			slog.String("timeline", tl.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ListenInvalidations は無効化チャネルを購読し、受信したキーのページを破棄する。
// ctxがキャンセルされるまでブロックする。
func ListenInvalidations(ctx context.Context, client redis.UniversalClient, cache *CachedStore, logger *slog.Logger) error {
	sub := client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("無効化チャネルの購読に失敗しました: %w", err)
	}

	ch := sub.Channel()
	logger.Info("キャッシュ無効化の購読を開始しました", slog.String("channel", InvalidationChannel))
	for {
		select {
		case <-ctx.Done():
			logger.Info("キャッシュ無効化の購読を停止しました")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			cache.Drop(msg.Payload)
		}
	}
}

var _ Store = (*CachedStore)(nil)
