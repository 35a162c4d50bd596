package timeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/model"
)

// rangeBatchSize はRangeでスコア範囲を走査する際の1回あたりの取得件数。
const rangeBatchSize = 100

// luaOlder はIDの文字列表現を数値として比較する。
// スコアはfloat64のため18桁以上のIDを正確に区別できないので、
// 境界判定はメンバー文字列で行う。
const luaOlder = `
local function older(a, b)
  if #a ~= #b then
    return #a < #b
  end
  return a < b
end
`

// luaTrimReblogs はタイムラインの最小スコアより古いブースト追跡を削除する。
const luaTrimReblogs = `
local function trimReblogs(timeline, reblogs)
  local lowest = redis.call('ZRANGE', timeline, 0, 0, 'WITHSCORES')
  if lowest[2] then
    redis.call('ZREMRANGEBYSCORE', reblogs, '-inf', '(' .. lowest[2])
  else
    redis.call('DEL', reblogs)
  end
end

local function trim(timeline, reblogs, maxLen)
  if maxLen <= 0 then
    return 0
  end
  local excess = redis.call('ZCARD', timeline) - maxLen
  if excess <= 0 then
    return 0
  end
  redis.call('ZREMRANGEBYRANK', timeline, 0, excess - 1)
  trimReblogs(timeline, reblogs)
  return excess
end
`

// KEYS[1]=timeline KEYS[2]=reblogs
// ARGV[1]=id ARGV[2]=score ARGV[3]=max_len ARGV[4]=reblog_of ARGV[5]=reblog_window
var pushScript = redis.NewScript(luaOlder + luaTrimReblogs + `
local id = ARGV[1]
if redis.call('ZSCORE', KEYS[1], id) then
  return 0
end

local maxLen = tonumber(ARGV[3])
if maxLen > 0 and redis.call('ZCARD', KEYS[1]) >= maxLen then
  local lowest = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
  if lowest and older(id, lowest) then
    return 0
  end
end

local reblogOf = ARGV[4]
if reblogOf ~= '' then
  local rank = redis.call('ZREVRANK', KEYS[1], reblogOf)
  if rank and rank < tonumber(ARGV[5]) then
    return 0
  end
  if redis.call('ZADD', KEYS[2], 'NX', ARGV[2], reblogOf) == 0 then
    return 0
  end
elseif redis.call('ZSCORE', KEYS[2], id) then
  return 0
end

redis.call('ZADD', KEYS[1], ARGV[2], id)
trim(KEYS[1], KEYS[2], maxLen)
return 1
`)

// KEYS[1]=timeline KEYS[2]=reblogs
// ARGV[1]=id ARGV[2]=reblog_of
var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 and ARGV[2] ~= '' then
  redis.call('ZREM', KEYS[2], ARGV[2])
end
return removed
`)

// KEYS[1]=timeline KEYS[2]=reblogs
// ARGV[1]=max_len
var trimScript = redis.NewScript(luaTrimReblogs + `
return trim(KEYS[1], KEYS[2], tonumber(ARGV[1]))
`)

// KEYS[1]=live KEYS[2]=shadow KEYS[3]=live reblogs KEYS[4]=shadow reblogs KEYS[5]=built
// ARGV[1]=boundary id ARGV[2]=max_len
var swapScript = redis.NewScript(luaOlder + luaTrimReblogs + `
local boundary = ARGV[1]
local newer = redis.call('ZRANGEBYSCORE', KEYS[1], boundary, '+inf', 'WITHSCORES')
for i = 1, #newer, 2 do
  if older(boundary, newer[i]) then
    redis.call('ZADD', KEYS[2], newer[i + 1], newer[i])
  end
end
local tracked = redis.call('ZRANGEBYSCORE', KEYS[3], '(' .. boundary, '+inf', 'WITHSCORES')
for i = 1, #tracked, 2 do
  redis.call('ZADD', KEYS[4], 'NX', tracked[i + 1], tracked[i])
end

if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('RENAME', KEYS[2], KEYS[1])
else
  redis.call('DEL', KEYS[1])
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  redis.call('RENAME', KEYS[4], KEYS[3])
else
  redis.call('DEL', KEYS[3])
end
redis.call('SET', KEYS[5], '1')
trim(KEYS[1], KEYS[3], tonumber(ARGV[2]))
return 1
`)

// RedisStore はRedisのソート済み集合でタイムラインを保持するStore実装。
// メンバーはIDの10進文字列、スコアはIDをfloat64に変換した値。
// 変更操作はLuaスクリプトで原子的に実行する。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatReblogOf(e model.Entry) string {
	if !e.IsReblog() {
		return ""
	}
	return formatID(e.ReblogOf)
}

// Push はエントリを追加する。
func (s *RedisStore) Push(ctx context.Context, tl model.TimelineID, e model.Entry, opts PushOptions) (bool, error) {
	id := formatID(e.ID)
	n, err := pushScript.Run(ctx, s.client,
		[]string{tl.Key(), tl.ReblogsKey()},
		id, id, opts.MaxLen, formatReblogOf(e), opts.reblogWindow(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("タイムラインへの追加に失敗しました (%s): %w", tl, err)
	}
	return n == 1, nil
}

// Remove はエントリを削除する。
func (s *RedisStore) Remove(ctx context.Context, tl model.TimelineID, e model.Entry) (bool, error) {
	n, err := removeScript.Run(ctx, s.client,
		[]string{tl.Key(), tl.ReblogsKey()},
		formatID(e.ID), formatReblogOf(e),
	).Int()
	if err != nil {
		return false, fmt.Errorf("タイムラインからの削除に失敗しました (%s): %w", tl, err)
	}
	return n == 1, nil
}

// Range はカーソルの範囲にあるエントリIDを返す。
// スコアの範囲は境界を含めて取得し、IDの厳密な比較で絞り込む。
func (s *RedisStore) Range(ctx context.Context, tl model.TimelineID, c model.Cursor) ([]int64, error) {
	min, max := "-inf", "+inf"
	if lb := c.LowerBound(); lb != 0 {
		min = formatID(lb)
	}
	if c.MaxID != 0 {
		max = formatID(c.MaxID)
	}

	if c.Limit <= 0 {
		members, err := s.rangeByScore(ctx, tl, c.Ascending(), &redis.ZRangeBy{Min: min, Max: max})
		if err != nil {
			return nil, err
		}
		return filterMembers(members, c, 0)
	}

	ids := make([]int64, 0, c.Limit)
	for offset := int64(0); ; offset += rangeBatchSize {
		members, err := s.rangeByScore(ctx, tl, c.Ascending(), &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  rangeBatchSize,
		})
		if err != nil {
			return nil, err
		}
		batch, err := filterMembers(members, c, c.Limit-len(ids))
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
		if len(ids) >= c.Limit || len(members) < rangeBatchSize {
			return ids, nil
		}
	}
}

func (s *RedisStore) rangeByScore(ctx context.Context, tl model.TimelineID, ascending bool, opt *redis.ZRangeBy) ([]string, error) {
	var cmd *redis.StringSliceCmd
	if ascending {
		cmd = s.client.ZRangeByScore(ctx, tl.Key(), opt)
	} else {
		cmd = s.client.ZRevRangeByScore(ctx, tl.Key(), opt)
	}
	members, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("タイムラインの読み出しに失敗しました (%s): %w", tl, err)
	}
	return members, nil
}

// filterMembers はメンバー文字列をIDに変換し、カーソルの範囲外を除外する。
// limitが0の場合は件数を制限しない。
func filterMembers(members []string, c model.Cursor, limit int) ([]int64, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("不正なタイムラインエントリです: %q: %w", m, err)
		}
		if !c.Contains(id) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Trim はタイムラインをmaxLen件に切り詰める。
func (s *RedisStore) Trim(ctx context.Context, tl model.TimelineID, maxLen int) (int, error) {
	n, err := trimScript.Run(ctx, s.client, []string{tl.Key(), tl.ReblogsKey()}, maxLen).Int()
	if err != nil {
		return 0, fmt.Errorf("タイムラインの切り詰めに失敗しました (%s): %w", tl, err)
	}
	return n, nil
}

// Exists はタイムラインが構築済みかどうかを返す。
func (s *RedisStore) Exists(ctx context.Context, tl model.TimelineID) (bool, error) {
	n, err := s.client.Exists(ctx, tl.Key(), builtKey(tl)).Result()
	if err != nil {
		return false, fmt.Errorf("タイムラインの存在確認に失敗しました (%s): %w", tl, err)
	}
	return n > 0, nil
}

// Has はエントリがタイムラインに含まれるかを返す。
func (s *RedisStore) Has(ctx context.Context, tl model.TimelineID, id int64) (bool, error) {
	err := s.client.ZScore(ctx, tl.Key(), formatID(id)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("タイムラインエントリの確認に失敗しました (%s): %w", tl, err)
	}
	return true, nil
}

// Len はタイムラインの件数を返す。
func (s *RedisStore) Len(ctx context.Context, tl model.TimelineID) (int, error) {
	n, err := s.client.ZCard(ctx, tl.Key()).Result()
	if err != nil {
		return 0, fmt.Errorf("タイムラインの件数取得に失敗しました (%s): %w", tl, err)
	}
	return int(n), nil
}

// Oldest はタイムラインに残っている最小のIDを返す。
func (s *RedisStore) Oldest(ctx context.Context, tl model.TimelineID) (int64, bool, error) {
	members, err := s.client.ZRange(ctx, tl.Key(), 0, 0).Result()
	if err != nil {
		return 0, false, fmt.Errorf("タイムラインの最古エントリ取得に失敗しました (%s): %w", tl, err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("不正なタイムラインエントリです: %q: %w", members[0], err)
	}
	return id, true, nil
}

// Clear はタイムラインとその付随情報を削除する。
func (s *RedisStore) Clear(ctx context.Context, tl model.TimelineID) error {
	if err := s.client.Del(ctx, tl.Key(), tl.ReblogsKey(), builtKey(tl)).Err(); err != nil {
		return fmt.Errorf("タイムラインの削除に失敗しました (%s): %w", tl, err)
	}
	return nil
}

// Swap はシャドウタイムラインを本来のタイムラインに昇格する。
func (s *RedisStore) Swap(ctx context.Context, tl model.TimelineID, boundary int64, maxLen int) error {
	live, shadow := tl.Live(), tl.Shadow()
	err := swapScript.Run(ctx, s.client,
		[]string{live.Key(), shadow.Key(), live.ReblogsKey(), shadow.ReblogsKey(), builtKey(live)},
		formatID(boundary), maxLen,
	).Err()
	if err != nil {
		return fmt.Errorf("タイムラインの入れ替えに失敗しました (%s): %w", live, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
