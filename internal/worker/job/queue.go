package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/model"
)

const (
	// QueueKey は実行待ちジョブのリスト。LPUSHで積みBRPOPで取り出す。
	QueueKey = "jobs:queue"
	// DelayedKey は遅延ジョブのソート済みセット。スコアは実行予定時刻（unixミリ秒）。
	DelayedKey = "jobs:delayed"
	// ProcessingKey は取り出し済みで完了していないジョブのリスト。
	ProcessingKey = "jobs:processing"
	// LeasesKey は処理中のジョブの期限。スコアは期限（unixミリ秒）。
	LeasesKey = "jobs:leases"

	// DefaultVisibilityTimeout は完了の報告が無いジョブを再投入するまでの時間。
	DefaultVisibilityTimeout = 15 * time.Minute

	promoteBatch = 100
)

// ErrMalformedJob はキューから取り出したジョブが解析できないことを表す。
var ErrMalformedJob = errors.New("malformed job payload")

// 実行予定時刻を過ぎた遅延ジョブを実行待ちリストへ移す
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
  redis.call('LPUSH', KEYS[2], job)
  redis.call('ZREM', KEYS[1], job)
end
return #due
`)

// 完了したジョブを処理中リストと期限から外す
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('LREM', KEYS[1], 1, ARGV[1])
`)

// 期限切れの処理中ジョブを実行待ちリストの取り出し側へ戻す。
// 期限の無いジョブ（取り出し直後に期限の設定が失敗したもの）には期限を設定する。
var requeueScript = redis.NewScript(`
local jobs = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, job in ipairs(jobs) do
  local deadline = redis.call('ZSCORE', KEYS[2], job)
  if not deadline then
    redis.call('ZADD', KEYS[2], ARGV[2], job)
  elseif tonumber(deadline) <= tonumber(ARGV[1]) then
    redis.call('LREM', KEYS[1], 1, job)
    redis.call('ZREM', KEYS[2], job)
    redis.call('RPUSH', KEYS[3], job)
    n = n + 1
  end
end
return n
`)

// Queue はRedisを使ったジョブキュー。
// 取り出したジョブは完了を報告するまで処理中リストに残り、
// ワーカーが停止した場合は期限切れの後に再投入される（少なくとも1回の配送）。
type Queue struct {
	client redis.UniversalClient
	now    func() time.Time

	VisibilityTimeout time.Duration // 完了の報告を待つ時間（デフォルト: 15分）
}

// NewQueue は新しいQueueを生成する。
func NewQueue(client redis.UniversalClient) *Queue {
	return &Queue{
		client:            client,
		now:               time.Now,
		VisibilityTimeout: DefaultVisibilityTimeout,
	}
}

func (q *Queue) encode(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ジョブのエンコードに失敗しました: %w", err)
	}
	return body, nil
}

// Enqueue はジョブを実行待ちリストに積む。IDが空の場合は採番する。
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	body, err := q.encode(&req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, QueueKey, body).Err(); err != nil {
		return fmt.Errorf("ジョブの投入に失敗しました (%s): %w", req, err)
	}
	return nil
}

// EnqueueAfter はジョブを遅延キューに積む。delay経過後にPromoteDueで実行待ちになる。
func (q *Queue) EnqueueAfter(ctx context.Context, req Request, delay time.Duration) error {
	body, err := q.encode(&req)
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(due), Member: body}).Err(); err != nil {
		return fmt.Errorf("遅延ジョブの投入に失敗しました (%s): %w", req, err)
	}
	return nil
}

// EnqueueRegenerate は再生成ジョブを積む。未構築のタイムラインの読み出し時に使う。
func (q *Queue) EnqueueRegenerate(ctx context.Context, tl model.TimelineID) error {
	return q.Enqueue(ctx, Regenerate(tl))
}

// Dequeue はジョブを1件取り出し、処理中リストへ移す。
// timeoutまでにジョブが無い場合はnilを返す。timeoutが0以下の場合は待たずに返す。
// 処理が終わったジョブはAckで処理中リストから外す必要がある。
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Request, error) {
	var cmd *redis.StringCmd
	if timeout <= 0 {
		cmd = q.client.LMove(ctx, QueueKey, ProcessingKey, "RIGHT", "LEFT")
	} else {
		cmd = q.client.BLMove(ctx, QueueKey, ProcessingKey, "RIGHT", "LEFT", timeout)
	}
	body, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取り出しに失敗しました: %w", err)
	}

	// 期限の設定に失敗したジョブはRequeueExpiredが期限を補う
	deadline := q.now().Add(q.VisibilityTimeout).UnixMilli()
	if err := q.client.ZAdd(ctx, LeasesKey, redis.Z{Score: float64(deadline), Member: body}).Err(); err != nil {
		return nil, fmt.Errorf("ジョブの期限の設定に失敗しました: %w", err)
	}

	var req Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		if ackErr := q.ack(ctx, body); ackErr != nil {
			return nil, ackErr
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	req.Receipt = body
	return &req, nil
}

// Ack は処理を終えたジョブを処理中リストから外す。
// Dequeueで取り出していないジョブに対しては何もしない。
func (q *Queue) Ack(ctx context.Context, req Request) error {
	if req.Receipt == "" {
		return nil
	}
	return q.ack(ctx, req.Receipt)
}

func (q *Queue) ack(ctx context.Context, body string) error {
	if err := ackScript.Run(ctx, q.client, []string{ProcessingKey, LeasesKey}, body).Err(); err != nil {
		return fmt.Errorf("ジョブの完了の記録に失敗しました: %w", err)
	}
	return nil
}

// RequeueExpired は期限までに完了しなかった処理中のジョブを実行待ちリストへ戻し、
// 戻した件数を返す。
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now()
	n, err := requeueScript.Run(ctx, q.client, []string{ProcessingKey, LeasesKey, QueueKey},
		now.UnixMilli(), now.Add(q.VisibilityTimeout).UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("期限切れのジョブの再投入に失敗しました: %w", err)
	}
	return n, nil
}

// PromoteDue は実行予定時刻を過ぎた遅延ジョブを実行待ちリストへ移し、移した件数を返す。
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{DelayedKey, QueueKey}, now, promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("遅延ジョブの移動に失敗しました: %w", err)
	}
	return n, nil
}

// Len は実行待ちと遅延中のジョブ数を返す。処理中のジョブは含まない。
func (q *Queue) Len(ctx context.Context) (queued, delayed int64, err error) {
	pipe := q.client.Pipeline()
	qc := pipe.LLen(ctx, QueueKey)
	dc := pipe.ZCard(ctx, DelayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("ジョブ数の取得に失敗しました: %w", err)
	}
	return qc.Val(), dc.Val(), nil
}

var (
	_ Source        = (*Queue)(nil)
	_ feed.Enqueuer = (*Queue)(nil)
)
