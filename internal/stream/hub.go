package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
)

// HubConfig はHubの設定。
type HubConfig struct {
	// PingInterval はクライアントへのping送信間隔。0の場合は30秒。
	PingInterval time.Duration
	// AllowedOrigin は接続を許可するOrigin。空の場合はOriginを検査しない。
	AllowedOrigin string
}

// Hub はWebSocketの購読者にタイムラインのイベントを転送する。
// 接続ごとにRedisのチャネルを購読し、受信したメッセージをそのままテキストフレームで送る。
type Hub struct {
	client       redis.UniversalClient
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       *slog.Logger
	conns        atomic.Int64
}

// NewHub は新しいHubを生成する。
func NewHub(client redis.UniversalClient, cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Hub{
		client: client,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return cfg.AllowedOrigin == "" || origin == "" || origin == cfg.AllowedOrigin
			},
		},
		pingInterval: cfg.PingInterval,
		logger:       logger,
	}
}

// Connections は現在の接続数を返す。
func (h *Hub) Connections() int64 {
	return h.conns.Load()
}

// Serve は接続をWebSocketにアップグレードし、channelのイベントを転送する。
// クライアントが切断するか、リクエストのコンテキストが終了するまでブロックする。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("WebSocketへのアップグレードに失敗しました: %w", err)
	}
	h.conns.Add(1)
	defer h.conns.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("チャネルの購読に失敗しました (%s): %w", channel, err)
	}

	h.logger.Info("ストリーミングを開始しました", slog.String("channel", channel))

	readDone := make(chan struct{})
	go h.readLoop(conn, cancel, readDone)

	err = h.writeLoop(ctx, conn, sub.Channel())

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()
	<-readDone

	h.logger.Info("ストリーミングを終了しました", slog.String("channel", channel))
	return err
}

// readLoop はクライアントからのフレームを読み捨て、切断を検知する。
func (h *Hub) readLoop(conn *websocket.Conn, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	deadline := func() time.Time { return time.Now().Add(2 * h.pingInterval) }
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocketの読み込みでエラーが発生しました", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, messages <-chan *redis.Message) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return fmt.Errorf("イベントの送信に失敗しました: %w", err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("pingの送信に失敗しました: %w", err)
			}
		}
	}
}
