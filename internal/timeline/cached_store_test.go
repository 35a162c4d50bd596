package timeline

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/feedcache/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

// countingStore はRangeの呼び出し回数を数えるStore。
type countingStore struct {
	*MemoryStore
	mu     sync.Mutex
	ranges int
}

func (s *countingStore) Range(ctx context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error) {
	s.mu.Lock()
	s.ranges++
	s.mu.Unlock()
	return s.MemoryStore.Range(ctx, tl, c)
}

func (s *countingStore) rangeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges
}

// mockInvalidator はInvalidatorのモック。
type mockInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (m *mockInvalidator) Invalidate(_ context.Context, tl model.TimelineID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, tl.Key())
	return nil
}

func newTestCachedStore(t *testing.T) (*CachedStore, *countingStore, *mockInvalidator) {
	t.Helper()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	inv := &mockInvalidator{}
	var buf bytes.Buffer
	c := NewCachedStore(inner, CacheConfig{MaxSize: 100, TTL: time.Minute}, inv, newTestLogger(&buf))
	t.Cleanup(c.Stop)
	return c, inner, inv
}

func TestCachedStore_RangeHitsCache(t *testing.T) {
	c, inner, _ := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)
	pushAll(t, inner.MemoryStore, tl, 0, 1, 2, 3)

	cur := model.Cursor{Limit: 2}
	for i := 0; i < 3; i++ {
		got, err := c.Range(ctx, tl, cur)
		if err != nil {
			t.Fatalf("Range でエラーが発生しました: %v", err)
		}
		if diff := cmp.Diff([]int64{3, 2}, got); diff != "" {
			t.Errorf("Range (-want +got):\n%s", diff)
		}
	}
	if calls := inner.rangeCalls(); calls != 1 {
		t.Errorf("内側のRange呼び出し回数 = %d, want 1", calls)
	}
}

func TestCachedStore_ResultIsCopied(t *testing.T) {
	c, inner, _ := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)
	pushAll(t, inner.MemoryStore, tl, 0, 1, 2)

	got, _ := c.Range(ctx, tl, model.Cursor{Limit: 5})
	got[0] = 999

	again, _ := c.Range(ctx, tl, model.Cursor{Limit: 5})
	if diff := cmp.Diff([]int64{2, 1}, again); diff != "" {
		t.Errorf("キャッシュが呼び出し元の変更の影響を受けています (-want +got):\n%s", diff)
	}
}

func TestCachedStore_MutationInvalidates(t *testing.T) {
	c, inner, inv := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)
	cur := model.Cursor{Limit: 10}

	if _, err := c.Push(ctx, tl, model.Entry{ID: 1}, PushOptions{}); err != nil {
		t.Fatalf("Push でエラーが発生しました: %v", err)
	}
	if _, err := c.Range(ctx, tl, cur); err != nil {
		t.Fatalf("Range でエラーが発生しました: %v", err)
	}
	if _, err := c.Push(ctx, tl, model.Entry{ID: 2}, PushOptions{}); err != nil {
		t.Fatalf("Push でエラーが発生しました: %v", err)
	}

	got, err := c.Range(ctx, tl, cur)
	if err != nil {
		t.Fatalf("Range でエラーが発生しました: %v", err)
	}
	if diff := cmp.Diff([]int64{2, 1}, got); diff != "" {
		t.Errorf("変更後のRange (-want +got):\n%s", diff)
	}
	if calls := inner.rangeCalls(); calls != 2 {
		t.Errorf("内側のRange呼び出し回数 = %d, want 2", calls)
	}
	if diff := cmp.Diff([]string{tl.Key(), tl.Key()}, inv.keys); diff != "" {
		t.Errorf("無効化の通知 (-want +got):\n%s", diff)
	}
}

// gatedStore は読み出し結果を確定させた後、releaseが閉じられるまで返さないStore。
type gatedStore struct {
	*MemoryStore
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) Range(ctx context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error) {
	ids, err := s.MemoryStore.Range(ctx, tl, c)
	select {
	case s.started <- struct{}{}:
		<-s.release
	default:
	}
	return ids, err
}

func TestCachedStore_MutationDuringLoadIsNotCached(t *testing.T) {
	inner := &gatedStore{
		MemoryStore: NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	var buf bytes.Buffer
	c := NewCachedStore(inner, CacheConfig{MaxSize: 100, TTL: time.Minute}, nil, newTestLogger(&buf))
	t.Cleanup(c.Stop)

	ctx := context.Background()
	tl := model.Home(1)
	pushAll(t, inner.MemoryStore, tl, 0, 10)
	cur := model.Cursor{Limit: 20}

	done := make(chan []int64)
	go func() {
		ids, err := c.Range(ctx, tl, cur)
		if err != nil {
			t.Errorf("Range でエラーが発生しました: %v", err)
		}
		done <- ids
	}()

	// 読み出しが変更前の結果を確定させた後に書き込む
	<-inner.started
	if _, err := c.Push(ctx, tl, model.Entry{ID: 20}, PushOptions{}); err != nil {
		t.Fatalf("Push でエラーが発生しました: %v", err)
	}
	close(inner.release)
	if diff := cmp.Diff([]int64{10}, <-done); diff != "" {
		t.Errorf("実行中の読み出しの結果 (-want +got):\n%s", diff)
	}

	got, err := c.Range(ctx, tl, cur)
	if err != nil {
		t.Fatalf("Range でエラーが発生しました: %v", err)
	}
	if diff := cmp.Diff([]int64{20, 10}, got); diff != "" {
		t.Errorf("書き込み後の読み出しが古いキャッシュを返しています (-want +got):\n%s", diff)
	}
}

func TestCachedStore_NoopMutationKeepsCache(t *testing.T) {
	c, inner, inv := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)
	pushAll(t, inner.MemoryStore, tl, 0, 1)

	if _, err := c.Range(ctx, tl, model.Cursor{Limit: 10}); err != nil {
		t.Fatalf("Range でエラーが発生しました: %v", err)
	}
	if inserted, _ := c.Push(ctx, tl, model.Entry{ID: 1}, PushOptions{}); inserted {
		t.Fatal("重複したエントリが追加されました")
	}
	if removed, _ := c.Remove(ctx, tl, model.Entry{ID: 42}); removed {
		t.Fatal("存在しないエントリが削除されました")
	}
	if len(inv.keys) != 0 {
		t.Errorf("変更が無い場合は無効化を通知しないべきです: %v", inv.keys)
	}
}

func TestCachedStore_ShadowNotInvalidated(t *testing.T) {
	c, _, inv := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)

	if _, err := c.Push(ctx, tl.Shadow(), model.Entry{ID: 1}, PushOptions{}); err != nil {
		t.Fatalf("Push でエラーが発生しました: %v", err)
	}
	if len(inv.keys) != 0 {
		t.Errorf("シャドウへの追加は無効化を通知しないべきです: %v", inv.keys)
	}
	if err := c.Swap(ctx, tl, 0, 10); err != nil {
		t.Fatalf("Swap でエラーが発生しました: %v", err)
	}
	if diff := cmp.Diff([]string{tl.Key()}, inv.keys); diff != "" {
		t.Errorf("Swapの無効化の通知 (-want +got):\n%s", diff)
	}
}

func TestCachedStore_UnboundedRangeBypassesCache(t *testing.T) {
	c, inner, _ := newTestCachedStore(t)
	ctx := context.Background()
	tl := model.Home(1)
	pushAll(t, inner.MemoryStore, tl, 0, 1, 2)

	for i := 0; i < 2; i++ {
		if _, err := c.Range(ctx, tl, model.Cursor{}); err != nil {
			t.Fatalf("Range でエラーが発生しました: %v", err)
		}
	}
	if calls := inner.rangeCalls(); calls != 2 {
		t.Errorf("件数無制限の読み出しはキャッシュしないべきです: calls=%d", calls)
	}
}

func TestListenInvalidations(t *testing.T) {
	mr, client := newTestRedis(t)
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	inner := &countingStore{MemoryStore: NewMemoryStore()}
	c := NewCachedStore(inner, CacheConfig{MaxSize: 100, TTL: time.Minute}, nil, logger)
	defer c.Stop()

	tl := model.Home(5)
	pushAll(t, inner.MemoryStore, tl, 0, 1)
	if _, err := c.Range(context.Background(), tl, model.Cursor{Limit: 10}); err != nil {
		t.Fatalf("Range でエラーが発生しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenInvalidations(ctx, client, c, logger)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(InvalidationChannel)[InvalidationChannel] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("購読が開始されませんでした")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := NewRedisInvalidator(client).Invalidate(context.Background(), tl); err != nil {
		t.Fatalf("Invalidate でエラーが発生しました: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for c.cache.Get(pageKey(tl, model.Cursor{Limit: 10})) != nil {
		if time.Now().After(deadline) {
			t.Fatal("キャッシュが破棄されませんでした")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("予期しないエラー: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("購読が停止しませんでした")
	}
}
