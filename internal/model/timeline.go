package model

import (
	"fmt"
	"strconv"
)

// Kind はタイムラインの種別を表す。
// 閉じた列挙型であり、種別ごとの規則は各パッケージのテーブルで網羅的に定義する。
type Kind uint8

const (
	// KindHome はフォロー中アカウントの投稿を集めたホームタイムライン。
	KindHome Kind = iota
	// KindList はリスト単位のタイムライン。ScopeにリストIDを持つ。
	KindList
	// KindMentions は自分宛てのメンションを集めたタイムライン。
	KindMentions
	// KindDirect はダイレクト公開範囲の投稿を集めたタイムライン。
	KindDirect

	// NumKinds は種別の総数。テーブルの長さとして使う。
	NumKinds
)

var kindNames = [NumKinds]string{
	KindHome:     "home",
	KindList:     "list",
	KindMentions: "mentions",
	KindDirect:   "direct",
}

// Kinds は全てのタイムライン種別を定義順に返す。
func Kinds() []Kind {
	kinds := make([]Kind, 0, NumKinds)
	for k := Kind(0); k < NumKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String は種別名を返す。
func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind は種別名からKindを解析する。
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// TimelineID はタイムラインを (種別, 所有者, スコープ) で識別する。
// ScopeはリストタイムラインのリストIDなど、同一所有者内の区別に使う。
type TimelineID struct {
	Kind    Kind
	OwnerID int64
	Scope   int64

	shadow bool
}

// Home は所有者のホームタイムラインIDを返す。
func Home(ownerID int64) TimelineID {
	return TimelineID{Kind: KindHome, OwnerID: ownerID}
}

// ListTimeline はリストタイムラインのIDを返す。
func ListTimeline(ownerID, listID int64) TimelineID {
	return TimelineID{Kind: KindList, OwnerID: ownerID, Scope: listID}
}

// Mentions は所有者のメンションタイムラインIDを返す。
func Mentions(ownerID int64) TimelineID {
	return TimelineID{Kind: KindMentions, OwnerID: ownerID}
}

// Direct は所有者のダイレクトタイムラインIDを返す。
func Direct(ownerID int64) TimelineID {
	return TimelineID{Kind: KindDirect, OwnerID: ownerID}
}

// Key はストア上のキーを返す。
// 形式: timeline:{kind}:{owner_id}[:{scope}]。再生成用のシャドウは末尾に :regen が付く。
func (t TimelineID) Key() string {
	key := "timeline:" + t.Kind.String() + ":" + strconv.FormatInt(t.OwnerID, 10)
	if t.Scope != 0 {
		key += ":" + strconv.FormatInt(t.Scope, 10)
	}
	if t.shadow {
		key += ":regen"
	}
	return key
}

// ReblogsKey はブースト集約の追跡に使うキーを返す。
func (t TimelineID) ReblogsKey() string {
	return t.Key() + ":reblogs"
}

// Shadow は再生成の構築先となるシャドウタイムラインを返す。
func (t TimelineID) Shadow() TimelineID {
	t.shadow = true
	return t
}

// Live はシャドウでない本来のタイムラインを返す。
func (t TimelineID) Live() TimelineID {
	t.shadow = false
	return t
}

// IsShadow はシャドウタイムラインかどうかを返す。
func (t TimelineID) IsShadow() bool {
	return t.shadow
}

// String はログ出力用の表現を返す。
func (t TimelineID) String() string {
	return t.Key()
}

// Entry はタイムラインの1要素。投稿ID（スノーフレーク形式で単調増加）への参照を持つ。
// 書き込み後に変更されることはなく、追加と削除のみが行われる。
type Entry struct {
	ID       int64
	ReblogOf int64 // ブーストの場合は元投稿のID、それ以外は0
}

// IsReblog はブーストのエントリかどうかを返す。
func (e Entry) IsReblog() bool {
	return e.ReblogOf != 0
}

// Cursor はページングの境界を表す。0は未指定を意味する。
//
//	MaxID:   ID >= MaxID を除外する
//	SinceID: ID <= SinceID を除外する（新しい順に読む）
//	MinID:   ID <= MinID を除外する（MinIDの直後から古い順に読む）
type Cursor struct {
	MaxID   int64
	SinceID int64
	MinID   int64
	Limit   int
}

// Ascending はMinIDによる昇順読み出しかどうかを返す。
func (c Cursor) Ascending() bool {
	return c.MinID != 0
}

// LowerBound は除外される下限IDを返す。SinceIDとMinIDの大きい方を採用する。
func (c Cursor) LowerBound() int64 {
	if c.MinID > c.SinceID {
		return c.MinID
	}
	return c.SinceID
}

// Contains はIDがカーソルの範囲内（開区間）にあるかを返す。
func (c Cursor) Contains(id int64) bool {
	if c.MaxID != 0 && id >= c.MaxID {
		return false
	}
	if lb := c.LowerBound(); lb != 0 && id <= lb {
		return false
	}
	return true
}

// Validate はカーソルの整合性を検証する。
func (c Cursor) Validate() error {
	if c.MaxID < 0 || c.SinceID < 0 || c.MinID < 0 {
		return fmt.Errorf("%w: negative id", ErrInvalidCursor)
	}
	return nil
}
