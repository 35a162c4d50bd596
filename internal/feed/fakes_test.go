package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedcache/internal/filter"
	"github.com/hitoshi/feedcache/internal/lock"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/repository"
	"github.com/hitoshi/feedcache/internal/timeline"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// world は永続ストアのインメモリ版。テストから関係を直接操作する。
type world struct {
	mu          sync.Mutex
	accounts    map[int64]*model.Account
	statuses    map[int64]*model.Status
	follows     map[[2]int64]model.Follow
	blocks      map[[2]int64]bool
	mutes       map[[2]int64]model.Mute
	lists       map[int64]*model.List
	listMembers map[int64]map[int64]bool
}

func newWorld() *world {
	return &world{
		accounts:    make(map[int64]*model.Account),
		statuses:    make(map[int64]*model.Status),
		follows:     make(map[[2]int64]model.Follow),
		blocks:      make(map[[2]int64]bool),
		mutes:       make(map[[2]int64]model.Mute),
		lists:       make(map[int64]*model.List),
		listMembers: make(map[int64]map[int64]bool),
	}
}

func (w *world) addLocal(id int64) {
	active := testNow.Add(-time.Hour)
	w.accounts[id] = &model.Account{ID: id, Username: fmt.Sprintf("user%d", id), LastActiveAt: &active}
}

func (w *world) addInactive(id int64) {
	inactive := testNow.Add(-60 * 24 * time.Hour)
	w.accounts[id] = &model.Account{ID: id, Username: fmt.Sprintf("user%d", id), LastActiveAt: &inactive}
}

func (w *world) addRemote(id int64, domain string) {
	w.accounts[id] = &model.Account{ID: id, Username: fmt.Sprintf("user%d", id), Domain: domain}
}

func (w *world) follow(follower, target int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.follows[[2]int64{follower, target}] = model.Follow{ShowReblogs: true}
}

func (w *world) unfollow(follower, target int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.follows, [2]int64{follower, target})
}

func (w *world) mute(viewer, target int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mutes[[2]int64{viewer, target}] = model.Mute{HideNotifications: true}
}

func (w *world) block(viewer, target int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks[[2]int64{viewer, target}] = true
}

// post は投稿を登録する。
func (w *world) post(s *model.Status) *model.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.Visibility == "" {
		s.Visibility = model.VisibilityPublic
	}
	if a := w.accounts[s.AccountID]; a != nil {
		s.AuthorDomain = a.Domain
	}
	if s.ReblogOfID != 0 {
		orig := w.statuses[s.ReblogOfID]
		s.ReblogOfAccountID = orig.AccountID
		s.ReblogOfDomain = orig.AuthorDomain
	}
	w.statuses[s.ID] = s
	return s
}

func (w *world) deleteStatus(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deleted := testNow
	w.statuses[id].DeletedAt = &deleted
}

func (w *world) addList(id, owner int64, exclusive bool, members ...int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lists[id] = &model.List{ID: id, AccountID: owner, Title: "list", RepliesPolicy: model.RepliesPolicyList, Exclusive: exclusive}
	w.listMembers[id] = idSet(members)
}

func (w *world) viewerContext(viewerID int64, now time.Time) *model.ViewerContext {
	v := model.NewViewerContext(viewerID, now)
	for k, f := range w.follows {
		if k[0] == viewerID {
			v.Following[k[1]] = f
		}
	}
	for k := range w.blocks {
		if k[0] == viewerID {
			v.Blocking[k[1]] = true
		}
		if k[1] == viewerID {
			v.BlockedBy[k[0]] = true
		}
	}
	for k, m := range w.mutes {
		if k[0] == viewerID {
			v.Muting[k[1]] = m
		}
	}
	for id, l := range w.lists {
		if l.AccountID == viewerID && l.Exclusive {
			for member := range w.listMembers[id] {
				v.ExclusiveAuthors[member] = true
			}
		}
	}
	return v
}

func (w *world) sortedStatuses(match func(*model.Status) bool, q repository.StatusQuery) []*model.Status {
	var out []*model.Status
	for _, s := range w.statuses {
		if s.IsDeleted() || !match(s) {
			continue
		}
		if q.MaxID != 0 && s.ID >= q.MaxID {
			continue
		}
		if s.ID < q.MinID {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *model.Status) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

type accountRepo struct{ w *world }

func (r accountRepo) FindByID(_ context.Context, id int64) (*model.Account, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.accounts[id], nil
}

func (r accountRepo) FilterLocal(_ context.Context, ids []int64) ([]int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []int64
	for _, id := range ids {
		if a := r.w.accounts[id]; a != nil && a.IsLocal() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r accountRepo) ListInactive(_ context.Context, before time.Time, afterID int64, limit int) ([]int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []int64
	for id, a := range r.w.accounts {
		if a.IsLocal() && !a.ActiveSince(before) && id > afterID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type statusRepo struct{ w *world }

func (r statusRepo) FindByID(_ context.Context, id int64, includeDeleted bool) (*model.Status, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	s := r.w.statuses[id]
	if s == nil || (s.IsDeleted() && !includeDeleted) {
		return nil, nil
	}
	return s, nil
}

func (r statusRepo) LatestID(_ context.Context) (int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var latest int64
	for id := range r.w.statuses {
		latest = max(latest, id)
	}
	return latest, nil
}

func (r statusRepo) ListByAccount(_ context.Context, accountID int64, q repository.StatusQuery) ([]*model.Status, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.sortedStatuses(func(s *model.Status) bool { return s.AccountID == accountID }, q), nil
}

func (r statusRepo) ListMentioning(_ context.Context, accountID int64, q repository.StatusQuery) ([]*model.Status, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.sortedStatuses(func(s *model.Status) bool { return s.Mentions(accountID) }, q), nil
}

func (r statusRepo) ListDirect(_ context.Context, accountID int64, q repository.StatusQuery) ([]*model.Status, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.sortedStatuses(func(s *model.Status) bool {
		return s.Visibility == model.VisibilityDirect && (s.AccountID == accountID || s.Mentions(accountID))
	}, q), nil
}

// hookedStatusRepo は投稿履歴の最初の読み出しの前にhookを実行する。
// errを設定すると読み出しはエラーを返す。
type hookedStatusRepo struct {
	statusRepo
	once sync.Once
	hook func()
	err  error
}

func (r *hookedStatusRepo) ListByAccount(ctx context.Context, accountID int64, q repository.StatusQuery) ([]*model.Status, error) {
	r.once.Do(r.hook)
	if r.err != nil {
		return nil, r.err
	}
	return r.statusRepo.ListByAccount(ctx, accountID, q)
}

type relationshipRepo struct{ w *world }

func (r relationshipRepo) ListFollowers(_ context.Context, accountID int64, activeSince time.Time, afterID int64, limit int) ([]int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []int64
	for k := range r.w.follows {
		a := r.w.accounts[k[0]]
		if k[1] != accountID || k[0] <= afterID || a == nil || !a.IsLocal() || !a.ActiveSince(activeSince) {
			continue
		}
		out = append(out, k[0])
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r relationshipRepo) ListFollowees(_ context.Context, accountID int64) ([]int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []int64
	for k := range r.w.follows {
		if k[0] == accountID {
			out = append(out, k[1])
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r relationshipRepo) ViewerContexts(_ context.Context, viewerIDs []int64, _ *model.Status, now time.Time) (map[int64]*model.ViewerContext, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	out := make(map[int64]*model.ViewerContext)
	for _, id := range viewerIDs {
		if r.w.accounts[id] != nil {
			out[id] = r.w.viewerContext(id, now)
		}
	}
	return out, nil
}

func (r relationshipRepo) ViewerContext(_ context.Context, viewerID int64, now time.Time) (*model.ViewerContext, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.accounts[viewerID] == nil {
		return nil, nil
	}
	return r.w.viewerContext(viewerID, now), nil
}

type listRepo struct{ w *world }

func (r listRepo) FindByID(_ context.Context, id int64) (*model.List, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.lists[id], nil
}

func (r listRepo) ListByMember(_ context.Context, accountID int64) ([]*model.List, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*model.List
	for id, members := range r.w.listMembers {
		if members[accountID] {
			out = append(out, r.w.lists[id])
		}
	}
	slices.SortFunc(out, func(a, b *model.List) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r listRepo) ListByOwner(_ context.Context, ownerID int64) ([]*model.List, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*model.List
	for _, l := range r.w.lists {
		if l.AccountID == ownerID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b *model.List) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r listRepo) Members(_ context.Context, listID int64) ([]int64, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []int64
	for id := range r.w.listMembers[listID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// published は通知されたイベント。
type published struct {
	tl      model.TimelineID
	event   string
	payload string
}

type mockNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *mockNotifier) Publish(_ context.Context, tl model.TimelineID, event, payload string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{tl: tl, event: event, payload: payload})
	return nil
}

func (n *mockNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.event == event {
			c++
		}
	}
	return c
}

func (n *mockNotifier) has(tl model.TimelineID, event, payload string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.tl == tl && e.event == event && e.payload == payload {
			return true
		}
	}
	return false
}

type mockLock struct {
	locker *mockLocker
	key    string
}

func (l *mockLock) Key() string { return l.key }

func (l *mockLock) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

type mockLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (m *mockLocker) Acquire(_ context.Context, key string, _ time.Duration) (lock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, fmt.Errorf("%w: %s", model.ErrLockHeld, key)
	}
	m.held[key] = true
	return &mockLock{locker: m, key: key}, nil
}

type mockMarkers struct {
	mu      sync.Mutex
	active  map[string]int
	started []model.TimelineID
}

func newMockMarkers() *mockMarkers {
	return &mockMarkers{active: make(map[string]int)}
}

func (m *mockMarkers) Start(_ context.Context, tl model.TimelineID, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[MarkerKey(tl)]++
	m.started = append(m.started, tl)
	return nil
}

func (m *mockMarkers) Finish(_ context.Context, tl model.TimelineID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[MarkerKey(tl)]--; m.active[MarkerKey(tl)] <= 0 {
		delete(m.active, MarkerKey(tl))
	}
	return nil
}

func (m *mockMarkers) Active(_ context.Context, tl model.TimelineID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[MarkerKey(tl)] > 0, nil
}

type mockEnqueuer struct {
	mu  sync.Mutex
	tls []model.TimelineID
}

func (e *mockEnqueuer) EnqueueRegenerate(_ context.Context, tl model.TimelineID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tls = append(e.tls, tl)
	return nil
}

// failingStore は指定したタイムラインへの書き込みを失敗させる。
type failingStore struct {
	timeline.Store
	fail model.TimelineID
}

func (s *failingStore) Push(ctx context.Context, tl model.TimelineID, e model.Entry, opts timeline.PushOptions) (bool, error) {
	if tl == s.fail {
		return false, errors.New("connection reset")
	}
	return s.Store.Push(ctx, tl, e, opts)
}

// fixture はテスト用のManagerと依存一式。
type fixture struct {
	world    *world
	store    timeline.Store
	notifier *mockNotifier
	locker   *mockLocker
	markers  *mockMarkers
	enqueuer *mockEnqueuer
	manager  *Manager
	logs     *bytes.Buffer
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	return newFixtureWithStore(t, timeline.NewMemoryStore(), limits)
}

func newFixtureWithStore(t *testing.T, store timeline.Store, limits Limits) *fixture {
	t.Helper()
	f := &fixture{
		world:    newWorld(),
		store:    store,
		notifier: &mockNotifier{},
		locker:   newMockLocker(),
		markers:  newMockMarkers(),
		enqueuer: &mockEnqueuer{},
		logs:     &bytes.Buffer{},
	}
	f.manager = NewManager(Deps{
		Store:         store,
		Filter:        filter.New(),
		Notifier:      f.notifier,
		Locker:        f.locker,
		Markers:       f.markers,
		Accounts:      accountRepo{f.world},
		Statuses:      statusRepo{f.world},
		Relationships: relationshipRepo{f.world},
		Lists:         listRepo{f.world},
		Enqueuer:      f.enqueuer,
		Logger:        newTestLogger(f.logs),
	}, limits)
	f.manager.now = func() time.Time { return testNow }
	return f
}

// build はタイムラインを空の状態で構築済みにする。
func (f *fixture) build(t *testing.T, tls ...model.TimelineID) {
	t.Helper()
	for _, tl := range tls {
		if err := f.store.Swap(context.Background(), tl, 0, 0); err != nil {
			t.Fatalf("タイムラインの構築に失敗: %v", err)
		}
	}
}

func (f *fixture) entries(t *testing.T, tl model.TimelineID) []int64 {
	t.Helper()
	ids, err := f.store.Range(context.Background(), tl, model.Cursor{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids
}
