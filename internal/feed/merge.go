package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedcache/internal/lock"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/repository"
)

// Merge はsourceの投稿履歴を宛先のタイムラインへ取り込む。
// フォローの開始やリストへの追加の後に実行する。
//
// 宛先のタイムラインが未構築の場合は何もしない（初回の読み出しで再生成される）。
// 履歴は新しい順に走査し、上限に達したタイムラインの最小IDより古い投稿に
// 到達した時点、上限件数分の候補を取り込んだ時点、履歴が尽きた時点で終了する。
func (m *Manager) Merge(ctx context.Context, sourceID, destinationID int64, kind model.Kind) error {
	tl, list, ok, err := m.resolveDestination(ctx, kind, destinationID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	l, err := m.acquire(ctx, "merge", lock.MergeKey("merge", sourceID, kind, destinationID))
	if err != nil {
		return err
	}
	defer m.release(ctx, l)

	exists, err := m.store.Exists(ctx, tl)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Debug("未構築のタイムラインのためマージをスキップします", slog.String("timeline", tl.String()))
		return nil
	}

	finish, err := m.startMarker(ctx, tl)
	if err != nil {
		return err
	}
	defer finish()

	viewer, err := m.viewerFor(ctx, tl, list)
	if err != nil {
		return err
	}
	if viewer == nil {
		return nil
	}

	capacity := m.Capacity(tl.Kind)
	opts := m.pushOptions(tl.Kind)
	var eligible, pushed int

	q := repository.StatusQuery{Limit: m.limits.BatchSize}
walk:
	for {
		statuses, err := m.statuses.ListByAccount(ctx, sourceID, q)
		if err != nil {
			return fmt.Errorf("投稿履歴の取得に失敗しました: %w", err)
		}
		for _, s := range statuses {
			if !m.filter.Eligible(tl.Kind, s, viewer) {
				continue
			}
			eligible++

			inserted, err := m.store.Push(ctx, tl, s.Entry(), opts)
			if err != nil {
				return err
			}
			if inserted {
				pushed++
			} else if full, err := m.olderThanFull(ctx, tl, s.ID, capacity); err != nil {
				return err
			} else if full {
				break walk
			}

			if capacity > 0 && eligible >= capacity {
				break walk
			}
		}
		if len(statuses) < m.limits.BatchSize {
			break
		}
		q.MaxID = statuses[len(statuses)-1].ID
	}

	evicted, err := m.store.Trim(ctx, tl, capacity)
	if err != nil {
		return err
	}
	m.metrics.RecordEvictions(tl.Kind.String(), evicted)

	m.logger.Info("投稿履歴をマージしました",
		slog.Int64("source_id", sourceID),
		slog.String("timeline", tl.String()),
		slog.Int("eligible", eligible),
		slog.Int("pushed", pushed),
	)
	return nil
}

// olderThanFull はタイムラインが上限に達しており、idがその最小IDより古いかを返す。
func (m *Manager) olderThanFull(ctx context.Context, tl model.TimelineID, id int64, capacity int) (bool, error) {
	if capacity <= 0 {
		return false, nil
	}
	n, err := m.store.Len(ctx, tl)
	if err != nil {
		return false, err
	}
	if n < capacity {
		return false, nil
	}
	oldest, ok, err := m.store.Oldest(ctx, tl)
	if err != nil {
		return false, err
	}
	return ok && id < oldest, nil
}

// Unmerge はsourceの投稿を宛先のタイムラインから取り除く。
// フォローの解除やリストからの削除の後に実行する。
// タイムラインに残っている最小ID以降の投稿のみを走査する。
func (m *Manager) Unmerge(ctx context.Context, sourceID, destinationID int64, kind model.Kind) error {
	tl, _, ok, err := m.resolveDestination(ctx, kind, destinationID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	l, err := m.acquire(ctx, "unmerge", lock.MergeKey("unmerge", sourceID, kind, destinationID))
	if err != nil {
		return err
	}
	defer m.release(ctx, l)

	oldest, ok, err := m.store.Oldest(ctx, tl)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	finish, err := m.startMarker(ctx, tl)
	if err != nil {
		return err
	}
	defer finish()

	var removed int
	q := repository.StatusQuery{MinID: oldest, Limit: m.limits.BatchSize}
	for {
		statuses, err := m.statuses.ListByAccount(ctx, sourceID, q)
		if err != nil {
			return fmt.Errorf("投稿履歴の取得に失敗しました: %w", err)
		}
		for _, s := range statuses {
			ok, err := m.store.Remove(ctx, tl, s.Entry())
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		if len(statuses) < m.limits.BatchSize {
			break
		}
		q.MaxID = statuses[len(statuses)-1].ID
	}

	m.logger.Info("投稿履歴のマージを解除しました",
		slog.Int64("source_id", sourceID),
		slog.String("timeline", tl.String()),
		slog.Int("removed", removed),
	)
	return nil
}
