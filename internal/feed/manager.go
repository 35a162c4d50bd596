// Package feed はタイムラインの配送と整合性維持を担う。
//
// Managerは投稿の配送（ファンアウト）と取り消し、フォローやリスト所属の変化に
// 伴う一括マージ、タイムラインの再生成、読み出しを提供する。
// 全ての操作は冪等であり、途中で失敗しても再実行で収束する。
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedcache/internal/lock"
	"github.com/hitoshi/feedcache/internal/metrics"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/repository"
	"github.com/hitoshi/feedcache/internal/stream"
	"github.com/hitoshi/feedcache/internal/timeline"
)

// Filter は配送可否の判定を行うインターフェース。
type Filter interface {
	Eligible(kind model.Kind, s *model.Status, v *model.ViewerContext) bool
}

// Enqueuer は再生成ジョブを投入するインターフェース。
type Enqueuer interface {
	EnqueueRegenerate(ctx context.Context, tl model.TimelineID) error
}

// Deps はManagerの依存。Metrics と Logger 以外は必須。
type Deps struct {
	Store         timeline.Store
	Filter        Filter
	Notifier      stream.Notifier
	Locker        lock.Locker
	Markers       Markers
	Accounts      repository.AccountRepository
	Statuses      repository.StatusRepository
	Relationships repository.RelationshipRepository
	Lists         repository.ListRepository
	Enqueuer      Enqueuer
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// Limits はタイムラインの上限と処理の粒度。
type Limits struct {
	// MaxLength はホーム、リスト、メンションのタイムラインの上限件数。
	MaxLength int
	// ReblogWindow はブースト集約の窓幅。
	ReblogWindow int
	// BatchSize はフォロワーや投稿履歴を読み込む1回あたりの件数。
	BatchSize int
	// Concurrency は1バッチ内で並行して書き込むタイムライン数。
	Concurrency int
	// LockTTL は一括マージと再生成のロック、再生成の目印の有効期限。
	LockTTL time.Duration
	// InactiveAfter はこの期間活動していないフォロワーへの配送を省略する。
	InactiveAfter time.Duration
}

// DefaultLimits は既定の上限を返す。
func DefaultLimits() Limits {
	return Limits{
		MaxLength:     400,
		ReblogWindow:  timeline.DefaultReblogWindow,
		BatchSize:     1000,
		Concurrency:   16,
		LockTTL:       10 * time.Minute,
		InactiveAfter: 14 * 24 * time.Hour,
	}
}

// capacities は種別ごとの上限件数。0は無制限。
func (l Limits) capacities() [model.NumKinds]int {
	return [model.NumKinds]int{
		model.KindHome:     l.MaxLength,
		model.KindList:     l.MaxLength,
		model.KindMentions: l.MaxLength,
		model.KindDirect:   0,
	}
}

// Manager はタイムラインの配送と整合性維持を行う。
type Manager struct {
	store         timeline.Store
	filter        Filter
	notifier      stream.Notifier
	locker        lock.Locker
	markers       Markers
	accounts      repository.AccountRepository
	statuses      repository.StatusRepository
	relationships repository.RelationshipRepository
	lists         repository.ListRepository
	enqueuer      Enqueuer
	metrics       metrics.Recorder
	logger        *slog.Logger

	limits     Limits
	capacities [model.NumKinds]int
	now        func() time.Time
}

// NewManager は新しいManagerを生成する。
func NewManager(deps Deps, limits Limits) *Manager {
	defaults := DefaultLimits()
	if limits.MaxLength <= 0 {
		limits.MaxLength = defaults.MaxLength
	}
	if limits.ReblogWindow <= 0 {
		limits.ReblogWindow = defaults.ReblogWindow
	}
	if limits.BatchSize <= 0 {
		limits.BatchSize = defaults.BatchSize
	}
	if limits.Concurrency <= 0 {
		limits.Concurrency = defaults.Concurrency
	}
	if limits.LockTTL <= 0 {
		limits.LockTTL = defaults.LockTTL
	}
	if limits.InactiveAfter <= 0 {
		limits.InactiveAfter = defaults.InactiveAfter
	}

	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:         deps.Store,
		filter:        deps.Filter,
		notifier:      deps.Notifier,
		locker:        deps.Locker,
		markers:       deps.Markers,
		accounts:      deps.Accounts,
		statuses:      deps.Statuses,
		relationships: deps.Relationships,
		lists:         deps.Lists,
		enqueuer:      deps.Enqueuer,
		metrics:       recorder,
		logger:        logger,
		limits:        limits,
		capacities:    limits.capacities(),
		now:           time.Now,
	}
}

// Capacity は種別の上限件数を返す。0は無制限。
func (m *Manager) Capacity(kind model.Kind) int {
	if kind >= model.NumKinds {
		return 0
	}
	return m.capacities[kind]
}

func (m *Manager) pushOptions(kind model.Kind) timeline.PushOptions {
	return timeline.PushOptions{
		MaxLen:       m.Capacity(kind),
		ReblogWindow: m.limits.ReblogWindow,
	}
}

// resolveDestination は一括マージの宛先をタイムラインIDに解決する。
// リストが存在しない場合はfalseを返す。
func (m *Manager) resolveDestination(ctx context.Context, kind model.Kind, destinationID int64) (model.TimelineID, *model.List, bool, error) {
	switch kind {
	case model.KindHome:
		return model.Home(destinationID), nil, true, nil
	case model.KindList:
		l, err := m.lists.FindByID(ctx, destinationID)
		if err != nil {
			return model.TimelineID{}, nil, false, err
		}
		if l == nil {
			return model.TimelineID{}, nil, false, nil
		}
		return model.ListTimeline(l.AccountID, l.ID), l, true, nil
	default:
		return model.TimelineID{}, nil, false, fmt.Errorf("%w: %s", model.ErrUnknownKind, kind)
	}
}

// viewerFor は所有者の関係の断面を取得する。リストの場合はメンバーも読み込む。
// 所有者が存在しない場合はnilを返す。
func (m *Manager) viewerFor(ctx context.Context, tl model.TimelineID, l *model.List) (*model.ViewerContext, error) {
	v, err := m.relationships.ViewerContext(ctx, tl.OwnerID, m.now())
	if err != nil {
		return nil, fmt.Errorf("関係の取得に失敗しました: %w", err)
	}
	if v == nil || l == nil {
		return v, nil
	}
	members, err := m.lists.Members(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("リストメンバーの取得に失敗しました: %w", err)
	}
	return v.WithList(l, idSet(members)), nil
}

// acquire はロックを取得する。競合はメトリクスに記録してErrLockHeldを返す。
func (m *Manager) acquire(ctx context.Context, op, key string) (lock.Lock, error) {
	l, err := m.locker.Acquire(ctx, key, m.limits.LockTTL)
	if errors.Is(err, model.ErrLockHeld) {
		m.metrics.RecordLockContention(op)
	}
	return l, err
}

func (m *Manager) release(ctx context.Context, l lock.Lock) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("ロックの解放に失敗しました",
			slog.String("key", l.Key()),
			slog.String("error", err.Error()),
		)
	}
}

// startMarker は再生成の目印を設定し、終了時に呼ぶ関数を返す。
// 終了時には目印を外して regenerated イベントを通知する。
func (m *Manager) startMarker(ctx context.Context, tl model.TimelineID) (func(), error) {
	if err := m.markers.Start(ctx, tl, m.limits.LockTTL); err != nil {
		return nil, err
	}
	return func() {
		ctx := context.WithoutCancel(ctx)
		if err := m.markers.Finish(ctx, tl); err != nil {
			m.logger.Warn("再生成の目印の削除に失敗しました",
				slog.String("timeline", tl.String()),
				slog.String("error", err.Error()),
			)
		}
		m.notify(ctx, tl, stream.EventRegenerated, "")
	}, nil
}

// notify は購読者へイベントを通知する。失敗は記録のみ行い、処理は継続する。
func (m *Manager) notify(ctx context.Context, tl model.TimelineID, event, payload string) {
	if err := m.notifier.Publish(ctx, tl, event, payload); err != nil {
		m.logger.Warn("通知の発行に失敗しました",
			slog.String("timeline", tl.String()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
