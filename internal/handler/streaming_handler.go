package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/model"
	"github.com/hitoshi/feedcache/internal/stream"
)

// StreamServer はWebSocket接続でチャネルのイベントを配信するインターフェース。*stream.Hub が実装する。
type StreamServer interface {
	Serve(w http.ResponseWriter, r *http.Request, channel string) error
}

// ListFinder はリストの所有者を確認するためのインターフェース。
type ListFinder interface {
	FindByID(ctx context.Context, id int64) (*model.List, error)
}

// StreamingHandler はストリーミング接続のHTTPハンドラー。
type StreamingHandler struct {
	server StreamServer
	lists  ListFinder
	logger *slog.Logger
}

// NewStreamingHandler はStreamingHandlerを生成する。
func NewStreamingHandler(server StreamServer, lists ListFinder, logger *slog.Logger) *StreamingHandler {
	return &StreamingHandler{server: server, lists: lists, logger: logger}
}

// streamKinds はstreamパラメータとタイムライン種別の対応。
var streamKinds = map[string]model.Kind{
	"user":     model.KindHome,
	"list":     model.KindList,
	"mentions": model.KindMentions,
	"direct":   model.KindDirect,
}

// Stream は接続をWebSocketにアップグレードし、タイムラインのイベントを配信する。
// GET /api/v1/streaming?stream=user|list|mentions|direct[&list=ID]
func (h *StreamingHandler) Stream(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	name := r.URL.Query().Get("stream")
	kind, ok := streamKinds[name]
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewStreamRejectedError(name))
		return
	}

	tl := model.TimelineID{Kind: kind, OwnerID: accountID}
	if kind == model.KindList {
		listID, ok := parsePositiveID(r.URL.Query().Get("list"))
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidIDError("list"))
			return
		}
		l, err := h.lists.FindByID(r.Context(), listID)
		if err != nil {
			handleServiceError(w, h.logger, err, listID)
			return
		}
		if l == nil || l.AccountID != accountID {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewListNotFoundError(listID))
			return
		}
		tl.Scope = listID
	}

	// アップグレード失敗時のレスポンスはServe内で書き込まれる
	if err := h.server.Serve(w, r, stream.Channel(tl)); err != nil {
		h.logger.Warn("ストリーミングが異常終了しました",
			slog.Int64("account_id", accountID),
			slog.String("stream", name),
			slog.String("error", err.Error()),
		)
	}
}
