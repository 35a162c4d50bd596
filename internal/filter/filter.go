// Package filter はタイムラインへの配送可否を判定するフィルタエンジンを提供する。
// 判定は純粋関数であり、入力は投稿のメタデータと閲覧者の関係の断面のみ。
// ファンアウト、一括マージ、再生成の全てが同じ判定を使う。
package filter

import "github.com/hitoshi/feedcache/internal/model"

// Reason は配送しない理由を表す。Noneの場合は配送可能。
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonVisibility    Reason = "visibility"
	ReasonReply         Reason = "reply"
	ReasonBlock         Reason = "block"
	ReasonDomainBlock   Reason = "domain_block"
	ReasonMute          Reason = "mute"
	ReasonHiddenReblogs Reason = "hidden_reblogs"
	ReasonExclusiveList Reason = "exclusive_list"
)

type muteScope uint8

const (
	// 全ての投稿にミュートを適用する
	muteAlways muteScope = iota
	// hide_notifications 付きのミュートのみ適用する
	muteNotifications
)

// rule はタイムライン種別ごとの判定規則。
type rule struct {
	// scope は公開範囲と宛先の判定。falseの理由を返す。
	scope func(s *model.Status, v *model.ViewerContext) Reason
	// ownPosts が true の場合、閲覧者自身の投稿は以降の判定を省略して配送する。
	ownPosts bool
	mutes    muteScope
	// homeOnly が true の場合、show_reblogs と排他リストを適用する。
	homeOnly bool
}

var rules = [model.NumKinds]rule{
	model.KindHome:     {scope: homeScope, ownPosts: true, mutes: muteAlways, homeOnly: true},
	model.KindList:     {scope: listScope, mutes: muteAlways},
	model.KindMentions: {scope: mentionsScope, mutes: muteNotifications},
	model.KindDirect:   {scope: directScope, ownPosts: true, mutes: muteAlways},
}

// Engine はフィルタエンジン。状態を持たない。
type Engine struct{}

// New は新しいEngineを生成する。
func New() *Engine {
	return &Engine{}
}

// Eligible は投稿を閲覧者の指定種別のタイムラインに配送してよいかを返す。
func (e *Engine) Eligible(kind model.Kind, s *model.Status, v *model.ViewerContext) bool {
	return Explain(kind, s, v) == ReasonNone
}

// Explain は配送しない理由を返す。配送可能な場合はReasonNoneを返す。
//
// 判定順序:
//  1. 公開範囲と宛先
//  2. 双方向のブロックとドメインブロック
//  3. ミュート（期限切れは無視）
//  4. show_reblogs（ホームのみ）
//  5. 排他リスト（ホームのみ）
func Explain(kind model.Kind, s *model.Status, v *model.ViewerContext) Reason {
	if kind >= model.NumKinds || s == nil || v == nil {
		return ReasonVisibility
	}
	r := rules[kind]

	if reason := r.scope(s, v); reason != ReasonNone {
		return reason
	}
	if r.ownPosts && s.AccountID == v.ViewerID {
		return ReasonNone
	}

	if reason := blocked(s, v); reason != ReasonNone {
		return reason
	}
	if muted(s, v, r.mutes) {
		return ReasonMute
	}

	if r.homeOnly {
		if s.IsReblog() {
			if f, ok := v.Following[s.AccountID]; ok && !f.ShowReblogs {
				return ReasonHiddenReblogs
			}
		}
		if v.ExclusiveAuthors[s.AccountID] {
			return ReasonExclusiveList
		}
	}
	return ReasonNone
}

func homeScope(s *model.Status, v *model.ViewerContext) Reason {
	if s.Visibility == model.VisibilityDirect {
		return ReasonVisibility
	}
	if s.AccountID == v.ViewerID {
		return ReasonNone
	}
	if !v.Follows(s.AccountID) {
		return ReasonVisibility
	}
	if s.IsReply() && s.InReplyToAccountID != v.ViewerID && !v.Follows(s.InReplyToAccountID) {
		return ReasonReply
	}
	return ReasonNone
}

func listScope(s *model.Status, v *model.ViewerContext) Reason {
	if v.List == nil || s.Visibility == model.VisibilityDirect {
		return ReasonVisibility
	}
	if !v.ListMembers[s.AccountID] || !v.Follows(s.AccountID) {
		return ReasonVisibility
	}
	if !s.IsReply() || s.InReplyToAccountID == v.ViewerID {
		return ReasonNone
	}
	switch v.List.RepliesPolicy {
	case model.RepliesPolicyNone:
		return ReasonReply
	case model.RepliesPolicyList:
		if !v.ListMembers[s.InReplyToAccountID] {
			return ReasonReply
		}
	default:
		if !v.Follows(s.InReplyToAccountID) {
			return ReasonReply
		}
	}
	return ReasonNone
}

func mentionsScope(s *model.Status, v *model.ViewerContext) Reason {
	if s.AccountID == v.ViewerID || s.IsReblog() || !s.Mentions(v.ViewerID) {
		return ReasonVisibility
	}
	return ReasonNone
}

func directScope(s *model.Status, v *model.ViewerContext) Reason {
	if s.Visibility != model.VisibilityDirect {
		return ReasonVisibility
	}
	if s.AccountID != v.ViewerID && !s.Mentions(v.ViewerID) {
		return ReasonVisibility
	}
	return ReasonNone
}

func blocked(s *model.Status, v *model.ViewerContext) Reason {
	for _, id := range s.RelatedAccountIDs() {
		if id != v.ViewerID && v.Blocks(id) {
			return ReasonBlock
		}
	}
	if s.AuthorDomain != "" && v.BlockedDomains[s.AuthorDomain] {
		return ReasonDomainBlock
	}
	if s.ReblogOfDomain != "" && v.BlockedDomains[s.ReblogOfDomain] {
		return ReasonDomainBlock
	}
	return ReasonNone
}

func muted(s *model.Status, v *model.ViewerContext, scope muteScope) bool {
	for _, id := range []int64{s.AccountID, s.ReblogOfAccountID} {
		if id == 0 || id == v.ViewerID {
			continue
		}
		m, ok := v.Muting[id]
		if !ok || !m.ActiveAt(v.Now) {
			continue
		}
		if scope == muteAlways || m.HideNotifications {
			return true
		}
	}
	return false
}
