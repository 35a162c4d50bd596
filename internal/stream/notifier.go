// Package stream はタイムラインの変更をリアルタイムに購読者へ通知する。
// 通知はRedisのPub/Subで配信し、購読者が居ないチャネルには発行しない。
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/model"
)

// イベント名
const (
	EventUpdate       = "update"
	EventDelete       = "delete"
	EventStatusUpdate = "status.update"
	EventRegenerated  = "regenerated"
)

// Event は購読者へ送るメッセージ。
type Event struct {
	Event    string `json:"event"`
	Payload  string `json:"payload"`
	QueuedAt int64  `json:"queued_at"`
}

// Channel はタイムラインの通知チャネル名を返す。
//
//	home:     timeline:{owner}
//	list:     timeline:{owner}:{list_id}
//	mentions: timeline:{owner}:mentions
//	direct:   timeline:{owner}:direct
func Channel(tl model.TimelineID) string {
	base := "timeline:" + strconv.FormatInt(tl.OwnerID, 10)
	switch tl.Kind {
	case model.KindHome:
		return base
	case model.KindList:
		return base + ":" + strconv.FormatInt(tl.Scope, 10)
	default:
		return base + ":" + tl.Kind.String()
	}
}

// Notifier はタイムラインの変更を通知するインターフェース。
// 通知は投げっぱなしであり、配信を保証しない。
type Notifier interface {
	Publish(ctx context.Context, tl model.TimelineID, event string, payload string) error
}

// RedisNotifier はRedisのPub/Subに発行するNotifier実装。
type RedisNotifier struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisNotifier は新しいRedisNotifierを生成する。
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client, now: time.Now}
}

// Publish は購読者が居る場合のみイベントを発行する。
func (n *RedisNotifier) Publish(ctx context.Context, tl model.TimelineID, event string, payload string) error {
	channel := Channel(tl)

	subs, err := n.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return fmt.Errorf("購読者数の取得に失敗しました (%s): %w", channel, err)
	}
	if subs[channel] == 0 {
		return nil
	}

	body, err := json.Marshal(Event{
		Event:    event,
		Payload:  payload,
		QueuedAt: n.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗しました: %w", err)
	}
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("イベントの発行に失敗しました (%s): %w", channel, err)
	}
	return nil
}

var _ Notifier = (*RedisNotifier)(nil)
