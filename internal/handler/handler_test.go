package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/model"
)

// --- モック定義 ---

// mockTimelineReader はTimelineReaderのモック実装。
type mockTimelineReader struct {
	getTimelineFn func(ctx context.Context, tl model.TimelineID, c model.Cursor) (feed.TimelinePage, error)
}

func (m *mockTimelineReader) GetTimeline(ctx context.Context, tl model.TimelineID, c model.Cursor) (feed.TimelinePage, error) {
	if m.getTimelineFn != nil {
		return m.getTimelineFn(ctx, tl, c)
	}
	return feed.TimelinePage{}, nil
}

// mockListFinder はListFinderのモック実装。
type mockListFinder struct {
	findByIDFn func(ctx context.Context, id int64) (*model.List, error)
}

func (m *mockListFinder) FindByID(ctx context.Context, id int64) (*model.List, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

// mockStreamServer はStreamServerのモック実装。
type mockStreamServer struct {
	serveFn func(w http.ResponseWriter, r *http.Request, channel string) error
}

func (m *mockStreamServer) Serve(w http.ResponseWriter, r *http.Request, channel string) error {
	if m.serveFn != nil {
		return m.serveFn(w, r, channel)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

// mockEnqueuer はRegenerationEnqueuerのモック実装。
type mockEnqueuer struct {
	enqueueFn func(ctx context.Context, tl model.TimelineID) error
}

func (m *mockEnqueuer) EnqueueRegenerate(ctx context.Context, tl model.TimelineID) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, tl)
	}
	return nil
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// withAccountID はテスト用にリクエストコンテキストにアカウントIDを注入するヘルパー。
func withAccountID(r *http.Request, accountID int64) *http.Request {
	return r.WithContext(middleware.ContextWithAccountID(r.Context(), accountID))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
