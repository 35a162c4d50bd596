package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/hitoshi/feedcache/internal/metrics"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/stream"
)

// ErrPartialFailure は一部のタイムラインへの書き込みが失敗したことを表す。
// 書き込みは冪等なので、ジョブを再実行すれば未完了の分だけが反映される。
var ErrPartialFailure = errors.New("partial fan-out failure")

// DistributeOptions は配送の挙動を指定する。
type DistributeOptions struct {
	// SkipNotifications が true の場合、メンションタイムラインへ配送しない。
	SkipNotifications bool
	// Update が true の場合は編集の通知のみ行い、書き込みはしない。
	Update bool
}

// RevokeOptions は取り消しの挙動を指定する。
type RevokeOptions struct {
	// SkipStreaming が true の場合、delete イベントを通知しない。
	SkipStreaming bool
}

// Result は配送と取り消しの集計。
type Result struct {
	Targets int
	Pushed  int
	Removed int
	Failed  int
}

type tally struct {
	targets atomic.Int64
	pushed  atomic.Int64
	removed atomic.Int64
	failed  atomic.Int64
}

func (t *tally) result() Result {
	return Result{
		Targets: int(t.targets.Load()),
		Pushed:  int(t.pushed.Load()),
		Removed: int(t.removed.Load()),
		Failed:  int(t.failed.Load()),
	}
}

// audience は同じ種別の配送先の所有者の集合。
type audience struct {
	kind   model.Kind
	owners []int64
	lists  []*model.List // KindList の場合のみ
}

func (a audience) timelines() []model.TimelineID {
	if a.kind == model.KindList {
		tls := make([]model.TimelineID, 0, len(a.lists))
		for _, l := range a.lists {
			tls = append(tls, model.ListTimeline(l.AccountID, l.ID))
		}
		return tls
	}
	tls := make([]model.TimelineID, 0, len(a.owners))
	for _, id := range a.owners {
		tls = append(tls, model.TimelineID{Kind: a.kind, OwnerID: id})
	}
	return tls
}

type audienceOptions struct {
	// activeSince より前から活動していないフォロワーは列挙しない。
	activeSince time.Time
	mentions    bool
}

// eachAudience は投稿の配送先を種別ごと、フォロワーはバッチごとに列挙する。
//
//	direct:     作者とメンション先のダイレクト、メンション先のメンション
//	それ以外:   作者とフォロワーのホーム、作者を含むリスト、メンション先のメンション
func (m *Manager) eachAudience(ctx context.Context, s *model.Status, author *model.Account, opts audienceOptions, fn func(audience) error) error {
	var mentioned []int64
	if len(s.MentionedAccountIDs) > 0 && !s.IsReblog() {
		locals, err := m.accounts.FilterLocal(ctx, s.MentionedAccountIDs)
		if err != nil {
			return fmt.Errorf("メンション先の取得に失敗しました: %w", err)
		}
		for _, id := range locals {
			if id != author.ID {
				mentioned = append(mentioned, id)
			}
		}
	}

	if s.Visibility == model.VisibilityDirect {
		owners := mentioned
		if author.IsLocal() {
			owners = append([]int64{author.ID}, mentioned...)
		}
		if err := fn(audience{kind: model.KindDirect, owners: owners}); err != nil {
			return err
		}
	} else {
		if author.IsLocal() {
			if err := fn(audience{kind: model.KindHome, owners: []int64{author.ID}}); err != nil {
				return err
			}
		}

		var afterID int64
		for {
			followers, err := m.relationships.ListFollowers(ctx, author.ID, opts.activeSince, afterID, m.limits.BatchSize)
			if err != nil {
				return fmt.Errorf("フォロワーの取得に失敗しました: %w", err)
			}
			if len(followers) == 0 {
				break
			}
			if err := fn(audience{kind: model.KindHome, owners: followers}); err != nil {
				return err
			}
			if len(followers) < m.limits.BatchSize {
				break
			}
			afterID = followers[len(followers)-1]
		}

		lists, err := m.lists.ListByMember(ctx, author.ID)
		if err != nil {
			return fmt.Errorf("所属リストの取得に失敗しました: %w", err)
		}
		if len(lists) > 0 {
			if err := fn(audience{kind: model.KindList, lists: lists}); err != nil {
				return err
			}
		}
	}

	if opts.mentions && len(mentioned) > 0 {
		return fn(audience{kind: model.KindMentions, owners: mentioned})
	}
	return nil
}

// Distribute は投稿を配送先のタイムラインへ書き込み、購読者へ通知する。
// 投稿や作者が既に存在しない場合は何もしない。
func (m *Manager) Distribute(ctx context.Context, statusID int64, opts DistributeOptions) (Result, error) {
	start := m.now()

	s, err := m.statuses.FindByID(ctx, statusID, false)
	if err != nil {
		return Result{}, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if s == nil {
		m.logger.Debug("配送対象の投稿が存在しないためスキップします", slog.Int64("status_id", statusID))
		return Result{}, nil
	}
	author, err := m.accounts.FindByID(ctx, s.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("作者の取得に失敗しました: %w", err)
	}
	if author == nil {
		m.logger.Debug("配送対象の作者が存在しないためスキップします", slog.Int64("status_id", statusID))
		return Result{}, nil
	}

	if opts.Update {
		return m.announceUpdate(ctx, s, author)
	}

	var t tally
	now := m.now()
	err = m.eachAudience(ctx, s, author, audienceOptions{
		activeSince: now.Add(-m.limits.InactiveAfter),
		mentions:    !opts.SkipNotifications,
	}, func(a audience) error {
		targets, err := m.eligibleTargets(ctx, s, a, now)
		if err != nil {
			return err
		}
		m.deliver(ctx, s, targets, &t)
		return nil
	})

	res := t.result()
	m.metrics.RecordFanout("distribute", m.now().Sub(start), res.Failed)
	if err != nil {
		return res, err
	}

	m.logger.Info("投稿を配送しました",
		slog.Int64("status_id", statusID),
		slog.Int("targets", res.Targets),
		slog.Int("pushed", res.Pushed),
		slog.Int("failed", res.Failed),
	)
	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d件", ErrPartialFailure, res.Failed)
	}
	return res, nil
}

// eligibleTargets は配送先の関係を一括で読み込み、フィルタを通過したタイムラインを返す。
func (m *Manager) eligibleTargets(ctx context.Context, s *model.Status, a audience, now time.Time) ([]model.TimelineID, error) {
	owners := a.owners
	if a.kind == model.KindList {
		owners = listOwners(a.lists)
	}
	contexts, err := m.relationships.ViewerContexts(ctx, owners, s, now)
	if err != nil {
		return nil, fmt.Errorf("関係の取得に失敗しました: %w", err)
	}

	var targets []model.TimelineID
	if a.kind == model.KindList {
		for _, l := range a.lists {
			v := contexts[l.AccountID]
			if v == nil {
				continue
			}
			members, err := m.lists.Members(ctx, l.ID)
			if err != nil {
				return nil, fmt.Errorf("リストメンバーの取得に失敗しました: %w", err)
			}
			if m.filter.Eligible(model.KindList, s, v.WithList(l, idSet(members))) {
				targets = append(targets, model.ListTimeline(l.AccountID, l.ID))
			}
		}
		return targets, nil
	}

	for _, id := range owners {
		v := contexts[id]
		if v == nil {
			continue
		}
		if m.filter.Eligible(a.kind, s, v) {
			targets = append(targets, model.TimelineID{Kind: a.kind, OwnerID: id})
		}
	}
	return targets, nil
}

// deliver はタイムラインへの書き込みを並行数を制限して実行する。
// 個々の失敗は集計して処理を継続する。
func (m *Manager) deliver(ctx context.Context, s *model.Status, targets []model.TimelineID, t *tally) {
	m.each(targets, func(tl model.TimelineID) {
		m.deliverOne(ctx, s, tl, t)
	})
}

// deliverOne は構築済みまたは再生成中のタイムラインにのみ書き込む。
// 再生成中のタイムラインへの書き込みは入れ替え時に引き継がれる。
// それ以外の未構築のタイムラインは初回の読み出しで再生成される。
func (m *Manager) deliverOne(ctx context.Context, s *model.Status, tl model.TimelineID, t *tally) {
	kind := tl.Kind.String()

	exists, err := m.store.Exists(ctx, tl)
	if err != nil {
		m.pushFailed(tl, s.ID, err, t)
		return
	}
	if !exists {
		regenerating, err := m.markers.Active(ctx, tl)
		if err != nil {
			m.pushFailed(tl, s.ID, err, t)
			return
		}
		if !regenerating {
			return
		}
	}
	t.targets.Add(1)

	inserted, err := m.store.Push(ctx, tl, s.Entry(), m.pushOptions(tl.Kind))
	if err != nil {
		m.pushFailed(tl, s.ID, err, t)
		return
	}
	if !inserted {
		m.metrics.RecordPush(kind, metrics.PushSkipped)
		return
	}
	t.pushed.Add(1)
	m.metrics.RecordPush(kind, metrics.PushInserted)
	m.notify(ctx, tl, stream.EventUpdate, strconv.FormatInt(s.ID, 10))
}

func (m *Manager) pushFailed(tl model.TimelineID, statusID int64, err error, t *tally) {
	t.failed.Add(1)
	m.metrics.RecordPush(tl.Kind.String(), metrics.PushFailed)
	m.logger.Warn("タイムラインへの書き込みに失敗しました",
		slog.String("timeline", tl.String()),
		slog.Int64("status_id", statusID),
		slog.String("error", err.Error()),
	)
}

// announceUpdate は編集された投稿を既に含むタイムラインへ status.update を通知する。
func (m *Manager) announceUpdate(ctx context.Context, s *model.Status, author *model.Account) (Result, error) {
	var t tally
	payload := strconv.FormatInt(s.ID, 10)

	err := m.eachAudience(ctx, s, author, audienceOptions{mentions: true}, func(a audience) error {
		m.each(a.timelines(), func(tl model.TimelineID) {
			has, err := m.store.Has(ctx, tl, s.ID)
			if err != nil {
				t.failed.Add(1)
				return
			}
			if has {
				t.targets.Add(1)
				m.notify(ctx, tl, stream.EventStatusUpdate, payload)
			}
		})
		return nil
	})
	return t.result(), err
}

// Revoke は投稿を配送先のタイムラインから削除する。
// 削除済みの投稿も対象とし、フィルタは適用しない。
func (m *Manager) Revoke(ctx context.Context, statusID int64, opts RevokeOptions) (Result, error) {
	start := m.now()

	s, err := m.statuses.FindByID(ctx, statusID, true)
	if err != nil {
		return Result{}, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if s == nil {
		m.logger.Debug("取り消し対象の投稿が存在しないためスキップします", slog.Int64("status_id", statusID))
		return Result{}, nil
	}
	author, err := m.accounts.FindByID(ctx, s.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("作者の取得に失敗しました: %w", err)
	}
	if author == nil {
		return Result{}, nil
	}

	var t tally
	payload := strconv.FormatInt(s.ID, 10)
	err = m.eachAudience(ctx, s, author, audienceOptions{mentions: true}, func(a audience) error {
		m.each(a.timelines(), func(tl model.TimelineID) {
			t.targets.Add(1)
			removed, err := m.store.Remove(ctx, tl, s.Entry())
			if err != nil {
				t.failed.Add(1)
				m.logger.Warn("タイムラインからの削除に失敗しました",
					slog.String("timeline", tl.String()),
					slog.Int64("status_id", statusID),
					slog.String("error", err.Error()),
				)
				return
			}
			if !removed {
				return
			}
			t.removed.Add(1)
			if !opts.SkipStreaming {
				m.notify(ctx, tl, stream.EventDelete, payload)
			}
		})
		return nil
	})

	res := t.result()
	m.metrics.RecordFanout("revoke", m.now().Sub(start), res.Failed)
	if err != nil {
		return res, err
	}

	m.logger.Info("投稿を取り消しました",
		slog.Int64("status_id", statusID),
		slog.Int("targets", res.Targets),
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed),
	)
	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d件", ErrPartialFailure, res.Failed)
	}
	return res, nil
}

// each はタイムラインごとの処理を並行数を制限して実行する。
func (m *Manager) each(tls []model.TimelineID, fn func(model.TimelineID)) {
	p := pool.New().WithMaxGoroutines(m.limits.Concurrency)
	for _, tl := range tls {
		tl := tl
		p.Go(func() {
			fn(tl)
		})
	}
	p.Wait()
}

func listOwners(lists []*model.List) []int64 {
	seen := make(map[int64]bool, len(lists))
	var owners []int64
	for _, l := range lists {
		if !seen[l.AccountID] {
			seen[l.AccountID] = true
			owners = append(owners, l.AccountID)
		}
	}
	return owners
}
