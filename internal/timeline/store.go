// Package timeline はタイムラインストアを提供する。
// タイムラインはIDの降順に並んだ上限付きの集合であり、共有ストア上の
// ソート済み集合として保持する。ファンアウト、一括マージ、再生成、
// ページングの全てがこのパッケージの契約の上に構築される。
package timeline

import (
	"context"

	"github.com/hitoshi/feedcache/internal/model"
)

// DefaultReblogWindow はブースト集約の既定の窓幅。
// 元投稿が新しい方からこの件数以内にある場合、そのブーストは追加しない。
const DefaultReblogWindow = 40

// PushOptions はPushの挙動を指定する。
type PushOptions struct {
	// MaxLen はタイムラインの上限件数。0以下の場合は無制限。
	MaxLen int
	// ReblogWindow はブースト集約の窓幅。0以下の場合はDefaultReblogWindowを使う。
	ReblogWindow int
}

func (o PushOptions) reblogWindow() int {
	if o.ReblogWindow <= 0 {
		return DefaultReblogWindow
	}
	return o.ReblogWindow
}

// Store はタイムラインストアのインターフェース。
// 全ての変更操作はタイムラインのキー単位で原子的に実行される。
// タイムラインをまたぐトランザクションは提供しない。
type Store interface {
	// Push はエントリを追加する。既に存在する場合、上限に達したタイムラインの
	// 最小IDより古い場合、ブースト集約で抑止された場合はfalseを返す。
	// 追加により上限を超えた場合は直ちに古い順に削除する。
	Push(ctx context.Context, tl model.TimelineID, e model.Entry, opts PushOptions) (bool, error)

	// Remove はエントリを削除する。存在しなかった場合はfalseを返す。
	Remove(ctx context.Context, tl model.TimelineID, e model.Entry) (bool, error)

	// Range はカーソルの範囲にあるエントリIDを返す。
	// 通常は降順、カーソルにMinIDがある場合は昇順。Limitが0以下の場合は全件を返す。
	Range(ctx context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error)

	// Trim はタイムラインをmaxLen件に切り詰め、削除した件数を返す。
	Trim(ctx context.Context, tl model.TimelineID, maxLen int) (int, error)

	// Exists はタイムラインが構築済みかどうかを返す。
	// 再生成の結果が空だった場合も構築済みとして扱う。
	Exists(ctx context.Context, tl model.TimelineID) (bool, error)

	// Has はエントリがタイムラインに含まれるかを返す。
	Has(ctx context.Context, tl model.TimelineID, id int64) (bool, error)

	// Len はタイムラインの件数を返す。
	Len(ctx context.Context, tl model.TimelineID) (int, error)

	// Oldest はタイムラインに残っている最小のIDを返す。空の場合はfalseを返す。
	Oldest(ctx context.Context, tl model.TimelineID) (int64, bool, error)

	// Clear はタイムラインとその付随情報を削除する。
	Clear(ctx context.Context, tl model.TimelineID) error

	// Swap は再生成で構築したシャドウタイムラインを本来のタイムラインに昇格する。
	// 本来のタイムラインにあるboundaryより新しいエントリはシャドウへ引き継ぐ。
	Swap(ctx context.Context, tl model.TimelineID, boundary int64, maxLen int) error
}

func builtKey(tl model.TimelineID) string {
	return tl.Key() + ":built"
}
