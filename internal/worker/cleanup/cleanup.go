// Package cleanup は活動していないアカウントのタイムラインを整理するジョブを提供する。
// 一定期間ログインしていないローカルアカウントのタイムラインをキャッシュから削除し、
// 次回の読み出し時に再生成させる。配送の対象外となったタイムラインが
// 古いまま残り続けることを防ぐ。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AccountLister は活動していないアカウントの一覧を取得するインターフェース。
type AccountLister interface {
	ListInactive(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error)
}

// Clearer はアカウントのタイムラインを削除するインターフェース。*feed.Manager が実装する。
type Clearer interface {
	ClearAccount(ctx context.Context, accountID int64) (int, error)
}

// CleanupJob は非アクティブアカウントのタイムライン整理ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	accounts AccountLister
	clearer  Clearer
	logger   *slog.Logger
	now      func() time.Time

	InactiveAfter time.Duration // この期間活動していないアカウントを対象とする（デフォルト: 14日）
	BatchSize     int           // 1回に読み込むアカウント数（デフォルト: 1000）

	// Lead はInactiveAfterより前倒しして整理する期間。実行間隔を指定すると、
	// 配送の対象外になったアカウントの構築済みタイムラインが次の実行まで残らない。
	Lead time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(accounts AccountLister, clearer Clearer, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		accounts:      accounts,
		clearer:       clearer,
		logger:        logger,
		now:           time.Now,
		InactiveAfter: 14 * 24 * time.Hour,
		BatchSize:     1000,
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("タイムライン整理ジョブを開始しました", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("タイムライン整理ジョブを停止しました")
			return
		case <-ticker.C:
			// エラーはRun内で記録済み
			_ = j.Run(ctx)
		}
	}
}

// Run は非アクティブなアカウントのタイムラインを削除する。
// アカウントIDの昇順にバッチで走査する。削除に失敗したアカウントは記録して
// 走査を継続し、最後に失敗件数をエラーとして返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().Add(-j.threshold())

	var accounts, cleared, failed int
	var firstErr error
	var afterID int64
	for {
		ids, err := j.accounts.ListInactive(ctx, before, afterID, j.BatchSize)
		if err != nil {
			j.logger.Error("非アクティブなアカウントの取得に失敗しました",
				slog.String("error", err.Error()),
				slog.Int64("after_id", afterID),
			)
			return fmt.Errorf("非アクティブなアカウントの取得に失敗: %w", err)
		}

		for _, id := range ids {
			n, err := j.clearer.ClearAccount(ctx, id)
			if err != nil {
				j.logger.Error("タイムラインの削除に失敗しました",
					slog.Int64("account_id", id),
					slog.String("error", err.Error()),
				)
				if firstErr == nil {
					firstErr = fmt.Errorf("タイムラインの削除に失敗 (account %d): %w", id, err)
				}
				failed++
				continue
			}
			accounts++
			cleared += n
		}

		if len(ids) < j.BatchSize {
			break
		}
		afterID = ids[len(ids)-1]
	}

	duration := time.Since(start)
	j.logger.Info("タイムライン整理ジョブが完了しました",
		slog.Int("account_count", accounts),
		slog.Int("cleared_count", cleared),
		slog.Int("failed_count", failed),
		slog.Int("inactive_days", int(j.InactiveAfter/(24*time.Hour))),
		slog.Duration("threshold", j.threshold()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	if failed > 0 {
		return fmt.Errorf("%d件のアカウントの整理に失敗しました: %w", failed, firstErr)
	}
	return nil
}

// threshold は整理の対象とする非活動期間を返す。
// LeadがInactiveAfter以上の場合は前倒ししない。
func (j *CleanupJob) threshold() time.Duration {
	if j.Lead <= 0 || j.Lead >= j.InactiveAfter {
		return j.InactiveAfter
	}
	return j.InactiveAfter - j.Lead
}
