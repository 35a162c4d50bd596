package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/hitoshi/feedcache/internal/lock"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/repository"
	"github.com/hitoshi/feedcache/internal/timeline"
)

// listFunc は投稿履歴を新しい順に1バッチ返す。
type listFunc func(ctx context.Context, q repository.StatusQuery) ([]*model.Status, error)

// sourceFunc は再生成の候補となる投稿履歴の一覧を返す。
type sourceFunc func(m *Manager, ctx context.Context, tl model.TimelineID) ([]listFunc, error)

var sources = [model.NumKinds]sourceFunc{
	model.KindHome:     homeSources,
	model.KindList:     listSources,
	model.KindMentions: mentionsSources,
	model.KindDirect:   directSources,
}

func (m *Manager) byAccount(accountID int64) listFunc {
	return func(ctx context.Context, q repository.StatusQuery) ([]*model.Status, error) {
		return m.statuses.ListByAccount(ctx, accountID, q)
	}
}

func homeSources(m *Manager, ctx context.Context, tl model.TimelineID) ([]listFunc, error) {
	followees, err := m.relationships.ListFollowees(ctx, tl.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("フォロー一覧の取得に失敗しました: %w", err)
	}
	fns := []listFunc{m.byAccount(tl.OwnerID)}
	for _, id := range followees {
		fns = append(fns, m.byAccount(id))
	}
	return fns, nil
}

func listSources(m *Manager, ctx context.Context, tl model.TimelineID) ([]listFunc, error) {
	members, err := m.lists.Members(ctx, tl.Scope)
	if err != nil {
		return nil, fmt.Errorf("リストメンバーの取得に失敗しました: %w", err)
	}
	fns := make([]listFunc, 0, len(members))
	for _, id := range members {
		fns = append(fns, m.byAccount(id))
	}
	return fns, nil
}

func mentionsSources(m *Manager, _ context.Context, tl model.TimelineID) ([]listFunc, error) {
	return []listFunc{func(ctx context.Context, q repository.StatusQuery) ([]*model.Status, error) {
		return m.statuses.ListMentioning(ctx, tl.OwnerID, q)
	}}, nil
}

func directSources(m *Manager, _ context.Context, tl model.TimelineID) ([]listFunc, error) {
	return []listFunc{func(ctx context.Context, q repository.StatusQuery) ([]*model.Status, error) {
		return m.statuses.ListDirect(ctx, tl.OwnerID, q)
	}}, nil
}

// Regenerate は永続ストアからタイムラインを作り直す。
//
// 開始時点の最新投稿IDを境界とし、候補をシャドウタイムラインへ古い順に書き込んだ後、
// 本来のタイムラインと入れ替える。処理中に配送された境界より新しいエントリは
// 入れ替え時に引き継がれる。未構築のタイムラインの再生成が失敗した場合、
// 処理中に配送されたエントリは破棄する。同じタイムラインの再生成が実行中の場合は
// model.ErrLockHeldを返す。
func (m *Manager) Regenerate(ctx context.Context, tl model.TimelineID) (err error) {
	tl = tl.Live()
	if tl.Kind >= model.NumKinds {
		return fmt.Errorf("%w: %s", model.ErrUnknownKind, tl.Kind)
	}

	l, err := m.acquire(ctx, "regenerate", lock.RegenerateKey(tl))
	if err != nil {
		return err
	}
	defer m.release(ctx, l)

	var list *model.List
	if tl.Kind == model.KindList {
		list, err = m.lists.FindByID(ctx, tl.Scope)
		if err != nil {
			return fmt.Errorf("リストの取得に失敗しました: %w", err)
		}
		if list == nil || list.AccountID != tl.OwnerID {
			m.logger.Info("リストが存在しないためタイムラインを削除します", slog.String("timeline", tl.String()))
			return m.store.Clear(ctx, tl)
		}
	}

	// 目印を付ける前に確認する。目印の後は配送が本来のキーに書き込む
	built, err := m.store.Exists(ctx, tl)
	if err != nil {
		return err
	}

	finish, err := m.startMarker(ctx, tl)
	if err != nil {
		return err
	}
	defer finish()
	if !built {
		defer func() {
			if err != nil {
				m.discardPartial(ctx, tl)
			}
		}()
	}

	boundary, err := m.statuses.LatestID(ctx)
	if err != nil {
		return fmt.Errorf("最新の投稿IDの取得に失敗しました: %w", err)
	}

	viewer, err := m.viewerFor(ctx, tl, list)
	if err != nil {
		return err
	}
	if viewer == nil {
		m.logger.Info("所有者が存在しないためタイムラインを削除します", slog.String("timeline", tl.String()))
		return m.store.Clear(ctx, tl)
	}

	fns, err := sources[tl.Kind](m, ctx, tl)
	if err != nil {
		return err
	}

	// 複数の履歴から集めた候補をIDで重複排除し、古い順に並べる
	capacity := m.Capacity(tl.Kind)
	candidates := treemap.NewWith(utils.Int64Comparator)
	for _, fn := range fns {
		statuses, err := m.collect(ctx, fn, tl.Kind, viewer, boundary, capacity)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			candidates.Put(s.ID, s.Entry())
		}
	}

	shadow := tl.Shadow()
	if err := m.store.Clear(ctx, shadow); err != nil {
		return err
	}
	opts := m.pushOptions(tl.Kind)
	for it := candidates.Iterator(); it.Next(); {
		if _, err := m.store.Push(ctx, shadow, it.Value().(model.Entry), opts); err != nil {
			return err
		}
	}
	if err := m.store.Swap(ctx, tl, boundary, capacity); err != nil {
		return err
	}

	m.logger.Info("タイムラインを再生成しました",
		slog.String("timeline", tl.String()),
		slog.Int64("boundary", boundary),
		slog.Int("candidates", candidates.Size()),
	)
	return nil
}

// discardPartial は再生成に失敗した未構築のタイムラインを削除し、
// 次の読み出しで再び再生成させる。
func (m *Manager) discardPartial(ctx context.Context, tl model.TimelineID) {
	if err := m.store.Clear(context.WithoutCancel(ctx), tl); err != nil {
		m.logger.Warn("再生成に失敗したタイムラインの削除に失敗しました",
			slog.String("timeline", tl.String()),
			slog.String("error", err.Error()),
		)
	}
}

// collect は投稿履歴を境界以前から新しい順に走査し、フィルタを通過した投稿を
// 最大limit件返す。limitが0の場合は履歴が尽きるまで走査する。
func (m *Manager) collect(ctx context.Context, fn listFunc, kind model.Kind, viewer *model.ViewerContext, boundary int64, limit int) ([]*model.Status, error) {
	var out []*model.Status
	q := repository.StatusQuery{MaxID: boundary + 1, Limit: m.limits.BatchSize}
	for {
		statuses, err := fn(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("投稿履歴の取得に失敗しました: %w", err)
		}
		for _, s := range statuses {
			if !m.filter.Eligible(kind, s, viewer) {
				continue
			}
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if len(statuses) < m.limits.BatchSize {
			return out, nil
		}
		q.MaxID = statuses[len(statuses)-1].ID
	}
}

// TimelinePage は読み出し結果。Partialは再生成中または未構築であることを表す。
type TimelinePage struct {
	timeline.Page
	Partial bool
}

// GetTimeline はタイムラインのページを返す。
// 未構築のタイムラインは再生成ジョブを投入し、空のページをPartialとして返す。
// リストの所有者でない場合はmodel.ErrNotFoundを返す。
func (m *Manager) GetTimeline(ctx context.Context, tl model.TimelineID, c model.Cursor) (TimelinePage, error) {
	if err := c.Validate(); err != nil {
		return TimelinePage{}, err
	}
	if tl.Kind >= model.NumKinds {
		return TimelinePage{}, fmt.Errorf("%w: %s", model.ErrUnknownKind, tl.Kind)
	}
	tl = tl.Live()

	if tl.Kind == model.KindList {
		l, err := m.lists.FindByID(ctx, tl.Scope)
		if err != nil {
			return TimelinePage{}, fmt.Errorf("リストの取得に失敗しました: %w", err)
		}
		if l == nil || l.AccountID != tl.OwnerID {
			return TimelinePage{}, fmt.Errorf("%w: list %d", model.ErrNotFound, tl.Scope)
		}
	}

	exists, err := m.store.Exists(ctx, tl)
	if err != nil {
		return TimelinePage{}, err
	}
	if !exists {
		if err := m.enqueuer.EnqueueRegenerate(ctx, tl); err != nil {
			return TimelinePage{}, fmt.Errorf("再生成ジョブの投入に失敗しました: %w", err)
		}
		m.logger.Info("未構築のタイムラインの再生成を依頼しました", slog.String("timeline", tl.String()))
		return TimelinePage{Page: timeline.Page{Entries: []int64{}}, Partial: true}, nil
	}

	partial, err := m.markers.Active(ctx, tl)
	if err != nil {
		return TimelinePage{}, err
	}
	if !partial && (tl.Kind == model.KindHome || tl.Kind == model.KindList) {
		if partial, err = m.skippedByFanout(ctx, tl.OwnerID); err != nil {
			return TimelinePage{}, err
		}
	}
	page, err := timeline.Resolve(ctx, m.store, tl, c)
	if err != nil {
		return TimelinePage{}, err
	}
	if page.Entries == nil {
		page.Entries = []int64{}
	}
	return TimelinePage{Page: page, Partial: partial}, nil
}

// skippedByFanout は所有者が非アクティブとしてフォロー先からの配送を外れているかを返す。
// その間のホームとリストのタイムラインには配送が欠けている。
func (m *Manager) skippedByFanout(ctx context.Context, ownerID int64) (bool, error) {
	a, err := m.accounts.FindByID(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("所有者の取得に失敗しました: %w", err)
	}
	if a == nil || !a.IsLocal() {
		return false, nil
	}
	return !a.ActiveSince(m.now().Add(-m.limits.InactiveAfter)), nil
}

// ClearAccount はアカウントが所有する全てのタイムラインを削除し、削除した数を返す。
// 活動していないアカウントの整理に使う。次回の読み出しで再生成される。
func (m *Manager) ClearAccount(ctx context.Context, accountID int64) (int, error) {
	tls := []model.TimelineID{
		model.Home(accountID),
		model.Mentions(accountID),
		model.Direct(accountID),
	}
	lists, err := m.lists.ListByOwner(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("所有リストの取得に失敗しました: %w", err)
	}
	for _, l := range lists {
		tls = append(tls, model.ListTimeline(accountID, l.ID))
	}

	var cleared int
	for _, tl := range tls {
		exists, err := m.store.Exists(ctx, tl)
		if err != nil {
			return cleared, err
		}
		if !exists {
			continue
		}
		if err := m.store.Clear(ctx, tl); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
