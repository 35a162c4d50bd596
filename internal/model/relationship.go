package model

import "time"

// RelationshipKind は関係の種別を表す。
type RelationshipKind string

const (
	// RelationshipFollow はフォロー。
	RelationshipFollow RelationshipKind = "follow"
	// RelationshipMute はミュート。
	RelationshipMute RelationshipKind = "mute"
	// RelationshipBlock はブロック。
	RelationshipBlock RelationshipKind = "block"
	// RelationshipListMembership はリストへの所属。
	RelationshipListMembership RelationshipKind = "list-membership"
)

// Follow はフォロー関係の属性。
type Follow struct {
	ShowReblogs bool
	Notify      bool
}

// Mute はミュート関係の属性。ExpiresAtがnilの場合は無期限。
type Mute struct {
	HideNotifications bool
	ExpiresAt         *time.Time
}

// ActiveAt は指定時刻においてミュートが有効かどうかを返す。
func (m Mute) ActiveAt(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// ViewerContext は閲覧者から見た関係の断面。
// フィルタエンジンの入力であり、ファンアウトと再生成で同じ形で構築する。
// マップのキーは投稿に関係するアカウントID（RelatedAccountIDs）に限定してよい。
type ViewerContext struct {
	ViewerID int64

	Following      map[int64]Follow // 閲覧者がフォローしているアカウント
	Blocking       map[int64]bool   // 閲覧者がブロックしているアカウント
	BlockedBy      map[int64]bool   // 閲覧者をブロックしているアカウント
	Muting         map[int64]Mute   // 閲覧者がミュートしているアカウント
	BlockedDomains map[string]bool  // 閲覧者がブロックしているドメイン

	// ExclusiveAuthors は閲覧者の排他リストに含まれるアカウント。ホームから除外する。
	ExclusiveAuthors map[int64]bool

	// List はリストタイムラインの判定時のみ設定する。
	List        *List
	ListMembers map[int64]bool

	Now time.Time
}

// NewViewerContext は空のマップを持つViewerContextを生成する。
func NewViewerContext(viewerID int64, now time.Time) *ViewerContext {
	return &ViewerContext{
		ViewerID:         viewerID,
		Following:        make(map[int64]Follow),
		Blocking:         make(map[int64]bool),
		BlockedBy:        make(map[int64]bool),
		Muting:           make(map[int64]Mute),
		BlockedDomains:   make(map[string]bool),
		ExclusiveAuthors: make(map[int64]bool),
		ListMembers:      make(map[int64]bool),
		Now:              now,
	}
}

// Follows は閲覧者が指定アカウントをフォローしているかを返す。
func (v *ViewerContext) Follows(accountID int64) bool {
	_, ok := v.Following[accountID]
	return ok
}

// Mutes は閲覧者が指定アカウントを現在ミュートしているかを返す。
func (v *ViewerContext) Mutes(accountID int64) bool {
	m, ok := v.Muting[accountID]
	return ok && m.ActiveAt(v.Now)
}

// Blocks は閲覧者と指定アカウントの間にどちらかの方向のブロックがあるかを返す。
func (v *ViewerContext) Blocks(accountID int64) bool {
	return v.Blocking[accountID] || v.BlockedBy[accountID]
}

// WithList はリスト情報を設定したコピーを返す。元のマップは共有する。
func (v *ViewerContext) WithList(list *List, members map[int64]bool) *ViewerContext {
	c := *v
	c.List = list
	c.ListMembers = members
	return &c
}
