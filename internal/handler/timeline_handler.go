package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/model"
)

// TimelineReader はタイムラインのページを読み出すインターフェース。*feed.Manager が実装する。
type TimelineReader interface {
	GetTimeline(ctx context.Context, tl model.TimelineID, c model.Cursor) (feed.TimelinePage, error)
}

// TimelineHandler はタイムライン読み出しのHTTPハンドラー。
type TimelineHandler struct {
	reader TimelineReader
	logger *slog.Logger
}

// NewTimelineHandler はTimelineHandlerを生成する。
func NewTimelineHandler(reader TimelineReader, logger *slog.Logger) *TimelineHandler {
	return &TimelineHandler{reader: reader, logger: logger}
}

// timelineResponse はタイムラインのAPIレスポンス。
// IDはJavaScriptの数値精度を超えるため文字列で返す。
type timelineResponse struct {
	Entries []string `json:"entries"`
	Partial bool     `json:"partial"`
}

// Home はホームタイムラインを返す。
// GET /api/v1/timelines/home
func (h *TimelineHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.KindHome, 0)
}

// Mentions はメンションタイムラインを返す。
// GET /api/v1/timelines/mentions
func (h *TimelineHandler) Mentions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.KindMentions, 0)
}

// Direct はダイレクトメッセージのタイムラインを返す。
// GET /api/v1/timelines/direct
func (h *TimelineHandler) Direct(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.KindDirect, 0)
}

// List はリストのタイムラインを返す。所有者でないリストは404とする。
// GET /api/v1/timelines/list/{list_id}
func (h *TimelineHandler) List(w http.ResponseWriter, r *http.Request) {
	listID, ok := parsePositiveID(chi.URLParam(r, "list_id"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidIDError("list_id"))
		return
	}
	h.serve(w, r, model.KindList, listID)
}

func (h *TimelineHandler) serve(w http.ResponseWriter, r *http.Request, kind model.Kind, listID int64) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	cursor, apiErr := parseCursor(r.URL.Query())
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	tl := model.TimelineID{Kind: kind, OwnerID: accountID, Scope: listID}
	page, err := h.reader.GetTimeline(r.Context(), tl, cursor)
	if err != nil {
		handleServiceError(w, h.logger, err, listID)
		return
	}

	resp := timelineResponse{
		Entries: make([]string, len(page.Entries)),
		Partial: page.Partial,
	}
	for i, id := range page.Entries {
		resp.Entries[i] = strconv.FormatInt(id, 10)
	}

	if link := linkHeader(r.URL.Path, page.Next, page.Prev); link != "" {
		w.Header().Set("Link", link)
	}

	// 再生成中または未構築の間は206で不完全であることを示す
	status := http.StatusOK
	if page.Partial {
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// parseCursor はクエリパラメータからカーソルを組み立てる。
func parseCursor(q url.Values) (model.Cursor, *model.APIError) {
	var c model.Cursor
	fields := []struct {
		name string
		dst  *int64
	}{
		{"max_id", &c.MaxID},
		{"since_id", &c.SinceID},
		{"min_id", &c.MinID},
	}
	for _, f := range fields {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return model.Cursor{}, model.NewInvalidCursorError(f.name)
		}
		*f.dst = id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return model.Cursor{}, model.NewInvalidCursorError("limit")
		}
		c.Limit = limit
	}
	return c, nil
}

// linkHeader は前後のページへのLinkヘッダー値を組み立てる。
func linkHeader(path string, next, prev *model.Cursor) string {
	var links []string
	if next != nil {
		links = append(links, `<`+path+"?"+cursorQuery(*next)+`>; rel="next"`)
	}
	if prev != nil {
		links = append(links, `<`+path+"?"+cursorQuery(*prev)+`>; rel="prev"`)
	}
	return strings.Join(links, ", ")
}

func cursorQuery(c model.Cursor) string {
	q := url.Values{}
	if c.MaxID != 0 {
		q.Set("max_id", strconv.FormatInt(c.MaxID, 10))
	}
	if c.SinceID != 0 {
		q.Set("since_id", strconv.FormatInt(c.SinceID, 10))
	}
	if c.MinID != 0 {
		q.Set("min_id", strconv.FormatInt(c.MinID, 10))
	}
	if c.Limit != 0 {
		q.Set("limit", strconv.Itoa(c.Limit))
	}
	return q.Encode()
}
