package job

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hitoshi/feedcache/internal/model"
)

// Outcome はジョブ処理結果の分類。メトリクスのラベルに使う。
type Outcome string

const (
	// OutcomeDone は処理完了。参照先が既に存在しない場合も含む。
	OutcomeDone Outcome = "done"
	// OutcomeRetried は一時的な失敗により遅延キューへ再投入した。
	OutcomeRetried Outcome = "retried"
	// OutcomeRequeued はロック競合により遅延キューへ再投入した。
	OutcomeRequeued Outcome = "requeued"
	// OutcomeDropped はリトライせずに破棄した。
	OutcomeDropped Outcome = "dropped"
	// OutcomeFailed はリトライ回数を使い切って破棄した。
	OutcomeFailed Outcome = "failed"
)

const (
	// initialRetryDelay は指数バックオフの初回遅延。
	initialRetryDelay = time.Second
	// maxRetryDelay は指数バックオフの最大遅延。
	maxRetryDelay = 5 * time.Minute
	// DefaultLockRetryDelay はロック競合時の再投入までの遅延。
	DefaultLockRetryDelay = 30 * time.Second
)

// RetryLimits は操作ごとの最大リトライ回数。
type RetryLimits map[Op]int

// DefaultRetryLimits は既定のリトライ回数を返す。
func DefaultRetryLimits() RetryLimits {
	return RetryLimits{
		OpDistribute: 5,
		OpRevoke:     5,
		OpMerge:      3,
		OpUnmerge:    3,
		OpRegenerate: 1,
	}
}

// action はエラーに対する処置。
type action int

const (
	actionDone action = iota
	actionRetry
	actionRequeue
	actionDrop
)

// classify はジョブのエラーを処置に分類する。
//   - 参照先が存在しない: 完了扱い
//   - ロック競合: 一括マージは1回だけ再投入、再生成は実行中の処理に任せて破棄
//   - 不正なジョブ: 破棄
//   - その他: リトライ
func classify(req Request, err error) action {
	switch {
	case err == nil:
		return actionDone
	case errors.Is(err, model.ErrNotFound):
		return actionDone
	case errors.Is(err, model.ErrLockHeld):
		if (req.Op == OpMerge || req.Op == OpUnmerge) && !req.Requeued {
			return actionRequeue
		}
		return actionDrop
	case errors.Is(err, ErrInvalidJob), errors.Is(err, model.ErrUnknownKind):
		return actionDrop
	default:
		return actionRetry
	}
}

// RetryDelay は失敗回数attempt（1始まり）に対する遅延を返す。
// 初回1秒、2倍ずつ増加、最大5分。
func RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
