package timeline

import (
	"context"

	"github.com/hitoshi/feedcache/internal/model"
)

const (
	// DefaultPageLimit はlimit未指定時の取得件数。
	DefaultPageLimit = 20
	// MaxPageLimit は1ページの最大件数。
	MaxPageLimit = 40
)

// Ranger はページの読み出し元。Storeが満たす。
type Ranger interface {
	Range(ctx context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error)
}

// Page はページングの結果。Entriesは常に新しい順に並ぶ。
type Page struct {
	Entries []int64
	// Next はより古いページへのカーソル。ページが満杯の場合のみ設定する。
	Next *model.Cursor
	// Prev はより新しいページへのカーソル。ページが空でない場合に設定する。
	Prev *model.Cursor
}

// NormalizeLimit はlimitを1からMaxPageLimitの範囲に収める。0以下は既定値とする。
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// Resolve はカーソルに従ってページを読み出す。
// MinID指定時は古い順に読み出した結果を反転し、常に新しい順で返す。
func Resolve(ctx context.Context, r Ranger, tl model.TimelineID, c model.Cursor) (Page, error) {
	if err := c.Validate(); err != nil {
		return Page{}, err
	}
	c.Limit = NormalizeLimit(c.Limit)

	ids, err := r.Range(ctx, tl, c)
	if err != nil {
		return Page{}, err
	}
	if c.Ascending() {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}

	page := Page{Entries: ids}
	if len(ids) == 0 {
		return page, nil
	}
	if len(ids) == c.Limit {
		page.Next = &model.Cursor{MaxID: ids[len(ids)-1], Limit: c.Limit}
	}
	page.Prev = &model.Cursor{SinceID: ids[0], Limit: c.Limit}
	return page, nil
}
