package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/metrics"
	"github.com/hitoshi/feedcache/internal/model"
)

// Manager はジョブから呼び出すタイムライン操作。*feed.Manager が実装する。
type Manager interface {
	Distribute(ctx context.Context, statusID int64, opts feed.DistributeOptions) (feed.Result, error)
	Revoke(ctx context.Context, statusID int64, opts feed.RevokeOptions) (feed.Result, error)
	Merge(ctx context.Context, sourceID, destinationID int64, kind model.Kind) error
	Unmerge(ctx context.Context, sourceID, destinationID int64, kind model.Kind) error
	Regenerate(ctx context.Context, tl model.TimelineID) error
}

// Source はランナーがジョブを取り出し、再投入する先。*Queue が実装する。
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Request, error)
	Ack(ctx context.Context, req Request) error
	PromoteDue(ctx context.Context) (int, error)
	RequeueExpired(ctx context.Context) (int, error)
	EnqueueAfter(ctx context.Context, req Request, delay time.Duration) error
}

// handlerFunc は1種類の操作を実行する。
type handlerFunc func(ctx context.Context, m Manager, req Request) error

var handlers = map[Op]handlerFunc{
	OpDistribute: func(ctx context.Context, m Manager, req Request) error {
		_, err := m.Distribute(ctx, req.StatusID, feed.DistributeOptions{
			SkipNotifications: req.SkipNotifications,
			Update:            req.Update,
		})
		return err
	},
	OpRevoke: func(ctx context.Context, m Manager, req Request) error {
		_, err := m.Revoke(ctx, req.StatusID, feed.RevokeOptions{SkipStreaming: req.SkipStreaming})
		return err
	},
	OpMerge: func(ctx context.Context, m Manager, req Request) error {
		kind, err := model.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		return m.Merge(ctx, req.AccountID, req.DestinationID, kind)
	},
	OpUnmerge: func(ctx context.Context, m Manager, req Request) error {
		kind, err := model.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		return m.Unmerge(ctx, req.AccountID, req.DestinationID, kind)
	},
	OpRegenerate: func(ctx context.Context, m Manager, req Request) error {
		tl, err := req.Timeline()
		if err != nil {
			return err
		}
		return m.Regenerate(ctx, tl)
	},
}

// Options はRunnerの動作設定。
type Options struct {
	// Concurrency は同時に実行するジョブの最大数。
	Concurrency int
	// PollTimeout はキューが空の場合に待機する時間。
	PollTimeout time.Duration
	// Retries は操作ごとの最大リトライ回数。未指定の操作は既定値を使う。
	Retries RetryLimits
	// LockRetryDelay はロック競合時の再投入までの遅延。
	LockRetryDelay time.Duration
}

// Runner はキューからジョブを取り出して実行する。
// semaphoreパターンで最大並列数を制御し、失敗したジョブは分類に応じて
// 遅延キューへ再投入するか破棄する。
type Runner struct {
	source         Source
	manager        Manager
	metrics        metrics.Recorder
	logger         *slog.Logger
	concurrency    int
	pollTimeout    time.Duration
	retries        RetryLimits
	lockRetryDelay time.Duration

	// lastRequeue はRunのループからのみ参照する
	lastRequeue time.Time
}

// NewRunner はRunnerの新しいインスタンスを生成する。
// Concurrencyが0以下の場合は10、PollTimeoutが1秒未満の場合は5秒を使用する。
func NewRunner(source Source, manager Manager, recorder metrics.Recorder, logger *slog.Logger, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.PollTimeout < time.Second {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = DefaultLockRetryDelay
	}
	retries := DefaultRetryLimits()
	for op, n := range opts.Retries {
		retries[op] = n
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Runner{
		source:         source,
		manager:        manager,
		metrics:        recorder,
		logger:         logger,
		concurrency:    opts.Concurrency,
		pollTimeout:    opts.PollTimeout,
		retries:        retries,
		lockRetryDelay: opts.LockRetryDelay,
	}
}

// Run はコンテキストがキャンセルされるまでジョブを処理する。
// キャンセル後は実行中のジョブの完了を待ってから返る。
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("ジョブランナーを開始しました",
		slog.Int("max_concurrency", r.concurrency),
		slog.Duration("poll_timeout", r.pollTimeout),
	)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		r.logger.Info("ジョブランナーを停止しました")
	}()

	for {
		// semaphore取得（ブロック）
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		req, err := r.next(ctx)
		if err != nil || req == nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.wait(ctx)
			}
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			// 停止要求を受けても実行中のジョブは最後まで処理する
			r.Handle(context.WithoutCancel(ctx), req)
		}(*req)
	}
}

// requeueExpired は完了の報告が無いまま期限切れになったジョブを再投入する。
// 起動時と、以降はPollTimeoutごとに1回実行する。
func (r *Runner) requeueExpired(ctx context.Context) {
	if time.Since(r.lastRequeue) < r.pollTimeout {
		return
	}
	r.lastRequeue = time.Now()
	n, err := r.source.RequeueExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("期限切れのジョブの再投入に失敗しました", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		r.logger.Warn("完了していないジョブを再投入しました", slog.Int("count", n))
	}
}

// next は期限切れと遅延ジョブを移した上でジョブを1件取り出す。
func (r *Runner) next(ctx context.Context) (*Request, error) {
	r.requeueExpired(ctx)
	if _, err := r.source.PromoteDue(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("遅延ジョブの移動に失敗しました", slog.String("error", err.Error()))
	}
	req, err := r.source.Dequeue(ctx, r.pollTimeout)
	if errors.Is(err, ErrMalformedJob) {
		r.logger.Error("解析できないジョブを破棄しました", slog.String("error", err.Error()))
		return nil, nil
	}
	if err != nil && ctx.Err() == nil {
		r.logger.Error("ジョブの取り出しに失敗しました", slog.String("error", err.Error()))
	}
	return req, err
}

// wait はキューの障害時に次の取り出しまで待機する。
func (r *Runner) wait(ctx context.Context) {
	t := time.NewTimer(r.pollTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handle はジョブを1件実行し、結果に応じて再投入または破棄する。
func (r *Runner) Handle(ctx context.Context, req Request) Outcome {
	start := time.Now()
	err := req.Validate()
	if err == nil {
		err = handlers[req.Op](ctx, r.manager, req)
	}

	outcome, redeliver := r.settle(ctx, req, err)
	r.metrics.RecordJob(string(req.Op), string(outcome))
	// 再投入に失敗したジョブは処理中リストに残し、期限切れ後に再配送させる
	if !redeliver {
		if err := r.source.Ack(ctx, req); err != nil {
			r.logger.Error("ジョブの完了の記録に失敗しました",
				slog.String("job_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	attrs := []any{
		slog.String("job_id", req.ID),
		slog.String("job", req.String()),
		slog.String("outcome", string(outcome)),
		slog.Int("attempt", req.Attempt),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	switch outcome {
	case OutcomeDone:
		r.logger.Info("ジョブが完了しました", attrs...)
	case OutcomeRetried, OutcomeRequeued:
		r.logger.Warn("ジョブを再投入しました", attrs...)
	case OutcomeDropped:
		if errors.Is(err, model.ErrLockHeld) {
			r.logger.Info("実行中の処理があるためジョブを破棄しました", attrs...)
			break
		}
		r.logger.Error("ジョブを破棄しました", attrs...)
	default:
		r.logger.Error("ジョブを破棄しました", attrs...)
	}
	return outcome
}

// settle はエラーの分類に従ってジョブを再投入し、結果を返す。
// 再投入に失敗した場合はredeliverをtrueで返す。
func (r *Runner) settle(ctx context.Context, req Request, err error) (outcome Outcome, redeliver bool) {
	switch classify(req, err) {
	case actionDone:
		return OutcomeDone, false
	case actionDrop:
		return OutcomeDropped, false
	case actionRequeue:
		req.Requeued = true
		if err := r.source.EnqueueAfter(ctx, req, r.lockRetryDelay); err != nil {
			r.logger.Error("ジョブの再投入に失敗しました",
				slog.String("job", req.String()),
				slog.String("error", err.Error()),
			)
			return OutcomeFailed, true
		}
		return OutcomeRequeued, false
	}

	if req.Attempt >= r.retries[req.Op] {
		return OutcomeFailed, false
	}
	req.Attempt++
	if err := r.source.EnqueueAfter(ctx, req, RetryDelay(req.Attempt)); err != nil {
		r.logger.Error("ジョブの再投入に失敗しました",
			slog.String("job", req.String()),
			slog.Int("attempt", req.Attempt),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, true
	}
	return OutcomeRetried, false
}
