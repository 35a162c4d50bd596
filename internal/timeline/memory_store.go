package timeline

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"github.com/hitoshi/feedcache/internal/model"
)

// memTimeline はMemoryStore内の1タイムライン。
// entriesはIDをキー、model.Entryを値とする赤黒木。
// reblogsは元投稿IDから追加済みのブーストIDへの対応。
type memTimeline struct {
	entries *redblacktree.Tree
	reblogs map[int64]int64
}

func newMemTimeline() *memTimeline {
	return &memTimeline{
		entries: redblacktree.NewWith(utils.Int64Comparator),
		reblogs: make(map[int64]int64),
	}
}

// MemoryStore はプロセス内の順序付き木でタイムラインを保持するStore実装。
// 単一プロセスでの実行とテストに使う。
type MemoryStore struct {
	mu        sync.Mutex
	timelines map[string]*memTimeline
	built     map[string]bool
}

// NewMemoryStore は新しいMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timelines: make(map[string]*memTimeline),
		built:     make(map[string]bool),
	}
}

func (s *MemoryStore) lookup(tl model.TimelineID) *memTimeline {
	return s.timelines[tl.Key()]
}

func (s *MemoryStore) lookupOrCreate(tl model.TimelineID) *memTimeline {
	t, ok := s.timelines[tl.Key()]
	if !ok {
		t = newMemTimeline()
		s.timelines[tl.Key()] = t
	}
	return t
}

// Push はエントリを追加する。
func (s *MemoryStore) Push(_ context.Context, tl model.TimelineID, e model.Entry, opts PushOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupOrCreate(tl)
	if _, found := t.entries.Get(e.ID); found {
		return false, nil
	}
	if opts.MaxLen > 0 && t.entries.Size() >= opts.MaxLen {
		if lowest := t.entries.Left(); lowest != nil && e.ID < lowest.Key.(int64) {
			return false, nil
		}
	}

	if e.IsReblog() {
		if t.withinNewest(e.ReblogOf, opts.reblogWindow()) {
			return false, nil
		}
		if _, tracked := t.reblogs[e.ReblogOf]; tracked {
			return false, nil
		}
		t.reblogs[e.ReblogOf] = e.ID
	} else if _, tracked := t.reblogs[e.ID]; tracked {
		return false, nil
	}

	t.entries.Put(e.ID, e)
	t.trim(opts.MaxLen)
	return true, nil
}

// withinNewest はIDが新しい方からwindow件以内にあるかを返す。
func (t *memTimeline) withinNewest(id int64, window int) bool {
	found, i := false, 0
	descend(t.entries, t.entries.Right(), func(n *redblacktree.Node) bool {
		if i >= window {
			return false
		}
		i++
		found = n.Key.(int64) == id
		return !found
	})
	return found
}

// trim は上限を超えた古いエントリを削除し、削除件数を返す。
func (t *memTimeline) trim(maxLen int) int {
	if maxLen <= 0 {
		return 0
	}
	evicted := 0
	for t.entries.Size() > maxLen {
		t.entries.Remove(t.entries.Left().Key)
		evicted++
	}
	if evicted > 0 {
		t.trimReblogs()
	}
	return evicted
}

func (t *memTimeline) trimReblogs() {
	lowest := t.entries.Left()
	for orig, reblog := range t.reblogs {
		if lowest == nil || reblog < lowest.Key.(int64) {
			delete(t.reblogs, orig)
		}
	}
}

// Remove はエントリを削除する。
func (s *MemoryStore) Remove(_ context.Context, tl model.TimelineID, e model.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil {
		return false, nil
	}
	if _, found := t.entries.Get(e.ID); !found {
		return false, nil
	}
	t.entries.Remove(e.ID)
	if e.IsReblog() {
		delete(t.reblogs, e.ReblogOf)
	}
	return true, nil
}

// Range はカーソルの範囲にあるエントリIDを返す。
func (s *MemoryStore) Range(_ context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil {
		return []int64{}, nil
	}

	full := func(ids []int64) bool {
		return c.Limit > 0 && len(ids) >= c.Limit
	}

	ids := []int64{}
	collect := func(n *redblacktree.Node) bool {
		id := n.Key.(int64)
		if !c.Contains(id) || full(ids) {
			return false
		}
		ids = append(ids, id)
		return true
	}

	if c.Ascending() {
		n, _ := t.entries.Ceiling(c.LowerBound() + 1)
		ascend(t.entries, n, collect)
		return ids, nil
	}

	n := t.entries.Right()
	if c.MaxID != 0 {
		n, _ = t.entries.Floor(c.MaxID - 1)
	}
	descend(t.entries, n, collect)
	return ids, nil
}

// Trim はタイムラインをmaxLen件に切り詰める。
func (s *MemoryStore) Trim(_ context.Context, tl model.TimelineID, maxLen int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil {
		return 0, nil
	}
	return t.trim(maxLen), nil
}

// Exists はタイムラインが構築済みかどうかを返す。
func (s *MemoryStore) Exists(_ context.Context, tl model.TimelineID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.built[tl.Key()] {
		return true, nil
	}
	t := s.lookup(tl)
	return t != nil && !t.entries.Empty(), nil
}

// Has はエントリがタイムラインに含まれるかを返す。
func (s *MemoryStore) Has(_ context.Context, tl model.TimelineID, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil {
		return false, nil
	}
	_, found := t.entries.Get(id)
	return found, nil
}

// Len はタイムラインの件数を返す。
func (s *MemoryStore) Len(_ context.Context, tl model.TimelineID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil {
		return 0, nil
	}
	return t.entries.Size(), nil
}

// Oldest はタイムラインに残っている最小のIDを返す。
func (s *MemoryStore) Oldest(_ context.Context, tl model.TimelineID) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookup(tl)
	if t == nil || t.entries.Empty() {
		return 0, false, nil
	}
	return t.entries.Left().Key.(int64), true, nil
}

// Clear はタイムラインを削除する。
func (s *MemoryStore) Clear(_ context.Context, tl model.TimelineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timelines, tl.Key())
	delete(s.built, tl.Key())
	return nil
}

// Swap はシャドウタイムラインを本来のタイムラインに昇格する。
func (s *MemoryStore) Swap(_ context.Context, tl model.TimelineID, boundary int64, maxLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, shadow := tl.Live(), tl.Shadow()
	next := s.lookup(shadow)
	if next == nil {
		next = newMemTimeline()
	}
	if cur := s.lookup(live); cur != nil {
		n, _ := cur.entries.Ceiling(boundary + 1)
		ascend(cur.entries, n, func(n *redblacktree.Node) bool {
			next.entries.Put(n.Key, n.Value)
			return true
		})
		for orig, reblog := range cur.reblogs {
			if _, tracked := next.reblogs[orig]; reblog > boundary && !tracked {
				next.reblogs[orig] = reblog
			}
		}
	}
	next.trim(maxLen)

	delete(s.timelines, shadow.Key())
	if next.entries.Empty() {
		delete(s.timelines, live.Key())
	} else {
		s.timelines[live.Key()] = next
	}
	s.built[live.Key()] = true
	return nil
}

// ascend はfromを含めて昇順にfnを呼ぶ。fnがfalseを返すと止まる。
func ascend(tree *redblacktree.Tree, from *redblacktree.Node, fn func(*redblacktree.Node) bool) {
	if from == nil {
		return
	}
	for it := tree.IteratorAt(from); fn(it.Node()); {
		if !it.Next() {
			return
		}
	}
}

// descend はfromを含めて降順にfnを呼ぶ。
func descend(tree *redblacktree.Tree, from *redblacktree.Node, fn func(*redblacktree.Node) bool) {
	if from == nil {
		return
	}
	for it := tree.IteratorAt(from); fn(it.Node()); {
		if !it.Prev() {
			return
		}
	}
}

var _ Store = (*MemoryStore)(nil)
