package model

import "time"

// Visibility は投稿の公開範囲を表す。
type Visibility string

const (
	// VisibilityPublic は公開。
	VisibilityPublic Visibility = "public"
	// VisibilityUnlisted は未収載。公開タイムラインには出ないがホームには配送する。
	VisibilityUnlisted Visibility = "unlisted"
	// VisibilityPrivate はフォロワー限定。
	VisibilityPrivate Visibility = "private"
	// VisibilityDirect はメンションした相手のみ。
	VisibilityDirect Visibility = "direct"
)

// Status はファンアウト判定に必要な投稿のメタデータ。
// 本文やメディアは扱わない。
type Status struct {
	ID                  int64
	AccountID           int64
	ReblogOfID          int64 // ブーストの場合は元投稿のID
	ReblogOfAccountID   int64 // ブーストの場合は元投稿の作者
	InReplyToAccountID  int64 // リプライの場合はリプライ先の作者
	Visibility          Visibility
	MentionedAccountIDs []int64
	AuthorDomain        string // ローカルアカウントの場合は空
	ReblogOfDomain      string
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// IsReblog はブーストかどうかを返す。
func (s *Status) IsReblog() bool {
	return s.ReblogOfID != 0
}

// IsReply は他人宛てのリプライかどうかを返す。自分自身へのリプライ（スレッド）は含まない。
func (s *Status) IsReply() bool {
	return s.InReplyToAccountID != 0 && s.InReplyToAccountID != s.AccountID
}

// IsDeleted は削除済みかどうかを返す。
func (s *Status) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Mentions は指定アカウントがメンションされているかを返す。
func (s *Status) Mentions(accountID int64) bool {
	for _, id := range s.MentionedAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// Entry はタイムラインに格納するエントリを返す。
func (s *Status) Entry() Entry {
	return Entry{ID: s.ID, ReblogOf: s.ReblogOfID}
}

// RelatedAccountIDs はフィルタ判定に関係するアカウントIDを重複なく返す。
// 作者、ブースト元の作者、リプライ先、メンション先を含む。
func (s *Status) RelatedAccountIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(s.AccountID)
	add(s.ReblogOfAccountID)
	add(s.InReplyToAccountID)
	for _, id := range s.MentionedAccountIDs {
		add(id)
	}
	return ids
}

// Account はファンアウト判定に必要なアカウント情報。
type Account struct {
	ID           int64
	Username     string
	Domain       string // ローカルアカウントの場合は空
	LastActiveAt *time.Time
}

// IsLocal はローカルアカウントかどうかを返す。
func (a *Account) IsLocal() bool {
	return a.Domain == ""
}

// ActiveSince は指定時刻以降に活動しているかを返す。
func (a *Account) ActiveSince(t time.Time) bool {
	return a.LastActiveAt != nil && !a.LastActiveAt.Before(t)
}

// RepliesPolicy はリストタイムラインにリプライを表示する方針。
type RepliesPolicy string

const (
	// RepliesPolicyFollowed はリスト所有者がフォローしている相手へのリプライを表示する。
	RepliesPolicyFollowed RepliesPolicy = "followed"
	// RepliesPolicyList はリストのメンバー宛てのリプライのみ表示する。
	RepliesPolicyList RepliesPolicy = "list"
	// RepliesPolicyNone はリプライを表示しない。
	RepliesPolicyNone RepliesPolicy = "none"
)

// List はアカウントが作成したリスト。
// Exclusiveの場合、メンバーの投稿はホームタイムラインに表示しない。
type List struct {
	ID            int64
	AccountID     int64
	Title         string
	RepliesPolicy RepliesPolicy
	Exclusive     bool
}
