// Package repository はデータ永続化のインターフェースを定義する。
// タイムラインエンジンは永続ストアを読み取りのみで利用する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedcache/internal/model"
)

// AccountRepository はアカウントデータの参照インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Account, error)

	// FilterLocal は指定IDのうちローカルアカウントのIDのみを返す。
	FilterLocal(ctx context.Context, ids []int64) ([]int64, error)

	// ListInactive はbefore以降に活動していないローカルアカウントのIDを
	// afterIDより大きい順にlimit件返す。
	ListInactive(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error)
}

// StatusQuery は投稿履歴の取得範囲を指定する。
// MaxIDは上限（含まない）、MinIDは下限（含む）。0は未指定。
type StatusQuery struct {
	MaxID int64
	MinID int64
	Limit int
}

// StatusRepository は投稿データの参照インターフェース。
// 一覧系のメソッドは全てIDの降順で返し、削除済みの投稿を含まない。
type StatusRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	// includeDeletedがfalseの場合、削除済みの投稿もnilを返す。
	FindByID(ctx context.Context, id int64, includeDeleted bool) (*model.Status, error)

	// LatestID は現在最大の投稿IDを返す。投稿が無い場合は0を返す。
	LatestID(ctx context.Context) (int64, error)

	// ListByAccount は指定アカウントの投稿を返す。
	ListByAccount(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error)

	// ListMentioning は指定アカウントをメンションしている投稿を返す。
	ListMentioning(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error)

	// ListDirect は指定アカウントが送信または受信したダイレクト投稿を返す。
	ListDirect(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error)
}

// RelationshipRepository はアカウント間の関係の参照インターフェース。
type RelationshipRepository interface {
	// ListFollowers はアカウントのフォロワーのうち、activeSince以降に活動した
	// ローカルアカウントのIDをafterIDより大きい順にlimit件返す。
	ListFollowers(ctx context.Context, accountID int64, activeSince time.Time, afterID int64, limit int) ([]int64, error)

	// ListFollowees はアカウントがフォローしているアカウントのIDを返す。
	ListFollowees(ctx context.Context, accountID int64) ([]int64, error)

	// ViewerContexts は複数の閲覧者について、投稿に関係するアカウントとの関係の断面を一括で取得する。
	// 存在しない閲覧者はマップに含まれない。
	ViewerContexts(ctx context.Context, viewerIDs []int64, s *model.Status, now time.Time) (map[int64]*model.ViewerContext, error)

	// ViewerContext は閲覧者の全ての関係の断面を取得する。一括マージと再生成で使う。
	ViewerContext(ctx context.Context, viewerID int64, now time.Time) (*model.ViewerContext, error)
}

// ListRepository はリストデータの参照インターフェース。
type ListRepository interface {
	// FindByID は指定IDのリストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.List, error)

	// ListByMember は指定アカウントをメンバーに含むリストを返す。
	ListByMember(ctx context.Context, accountID int64) ([]*model.List, error)

	// ListByOwner は指定アカウントが所有するリストを返す。
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.List, error)

	// Members はリストのメンバーのIDを返す。
	Members(ctx context.Context, listID int64) ([]int64, error)
}
