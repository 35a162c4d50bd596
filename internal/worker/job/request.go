// Package job はタイムライン整合性ジョブのキューと実行を提供する。
// ジョブはRedisのリストに積まれ、ランナーが並列数を制御しながら処理する。
// リトライは遅延キュー（ソート済みセット）を経由して再投入される。
package job

import (
	"errors"
	"fmt"

	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/model"
)

// ErrInvalidJob はジョブの内容が不正であることを表す。リトライしない。
var ErrInvalidJob = errors.New("invalid job")

// Op はジョブの操作種別。
type Op string

const (
	OpDistribute Op = "distribute"
	OpRevoke     Op = "revoke"
	OpMerge      Op = "merge"
	OpUnmerge    Op = "unmerge"
	OpRegenerate Op = "regenerate"
)

// Ops は全ての操作種別を返す。
func Ops() []Op {
	return []Op{OpDistribute, OpRevoke, OpMerge, OpUnmerge, OpRegenerate}
}

// Request はキューに積まれるジョブ。操作ごとに使うフィールドが異なる。
type Request struct {
	ID string `json:"id"`
	Op Op     `json:"op"`

	// distribute / revoke
	StatusID          int64 `json:"status_id,omitempty"`
	SkipNotifications bool  `json:"skip_notifications,omitempty"`
	Update            bool  `json:"update,omitempty"`
	SkipStreaming     bool  `json:"skip_streaming,omitempty"`

	// merge / unmerge
	AccountID     int64 `json:"account_id,omitempty"`
	DestinationID int64 `json:"destination_id,omitempty"`

	// merge / unmerge / regenerate
	Kind string `json:"kind,omitempty"`

	// regenerate
	OwnerID int64 `json:"owner_id,omitempty"`
	Scope   int64 `json:"scope,omitempty"`

	// Attempt は失敗による再投入の回数。
	Attempt int `json:"attempt,omitempty"`
	// Requeued はロック競合による再投入を既に行ったかどうか。
	Requeued bool `json:"requeued,omitempty"`

	// Receipt は取り出したときのペイロード。完了の報告に使う。
	Receipt string `json:"-"`
}

// Distribute は投稿の配送ジョブを生成する。
func Distribute(statusID int64, opts feed.DistributeOptions) Request {
	return Request{
		Op:                OpDistribute,
		StatusID:          statusID,
		SkipNotifications: opts.SkipNotifications,
		Update:            opts.Update,
	}
}

// Revoke は投稿の取り消しジョブを生成する。
func Revoke(statusID int64, opts feed.RevokeOptions) Request {
	return Request{Op: OpRevoke, StatusID: statusID, SkipStreaming: opts.SkipStreaming}
}

// Merge は一括マージジョブを生成する。
func Merge(accountID, destinationID int64, kind model.Kind) Request {
	return Request{Op: OpMerge, AccountID: accountID, DestinationID: destinationID, Kind: kind.String()}
}

// Unmerge はマージ解除ジョブを生成する。
func Unmerge(accountID, destinationID int64, kind model.Kind) Request {
	return Request{Op: OpUnmerge, AccountID: accountID, DestinationID: destinationID, Kind: kind.String()}
}

// Regenerate は再生成ジョブを生成する。
func Regenerate(tl model.TimelineID) Request {
	tl = tl.Live()
	return Request{Op: OpRegenerate, OwnerID: tl.OwnerID, Kind: tl.Kind.String(), Scope: tl.Scope}
}

// Timeline は再生成ジョブの対象タイムラインを返す。
func (r Request) Timeline() (model.TimelineID, error) {
	kind, err := model.ParseKind(r.Kind)
	if err != nil {
		return model.TimelineID{}, err
	}
	return model.TimelineID{Kind: kind, OwnerID: r.OwnerID, Scope: r.Scope}, nil
}

// Validate はジョブの必須項目を検証する。
func (r Request) Validate() error {
	switch r.Op {
	case OpDistribute, OpRevoke:
		if r.StatusID <= 0 {
			return fmt.Errorf("%w: %s requires status_id", ErrInvalidJob, r.Op)
		}
	case OpMerge, OpUnmerge:
		if r.AccountID <= 0 || r.DestinationID <= 0 {
			return fmt.Errorf("%w: %s requires account_id and destination_id", ErrInvalidJob, r.Op)
		}
		kind, err := model.ParseKind(r.Kind)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if kind != model.KindHome && kind != model.KindList {
			return fmt.Errorf("%w: %s does not support kind %s", ErrInvalidJob, r.Op, kind)
		}
	case OpRegenerate:
		tl, err := r.Timeline()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if tl.OwnerID <= 0 {
			return fmt.Errorf("%w: regenerate requires owner_id", ErrInvalidJob)
		}
		if tl.Kind == model.KindList && tl.Scope <= 0 {
			return fmt.Errorf("%w: list regeneration requires scope", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidJob, r.Op)
	}
	return nil
}

// String はログ出力用の表現を返す。
func (r Request) String() string {
	switch r.Op {
	case OpDistribute, OpRevoke:
		return fmt.Sprintf("%s(status=%d)", r.Op, r.StatusID)
	case OpMerge, OpUnmerge:
		return fmt.Sprintf("%s(account=%d, %s=%d)", r.Op, r.AccountID, r.Kind, r.DestinationID)
	case OpRegenerate:
		if tl, err := r.Timeline(); err == nil {
			return fmt.Sprintf("%s(%s)", r.Op, tl)
		}
	}
	return string(r.Op)
}
