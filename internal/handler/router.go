package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedcache/internal/metrics"
	"github.com/hitoshi/feedcache/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.Recorder
	Logger            *slog.Logger

	// ヘルスチェックとメトリクス公開
	HealthCheckers map[string]HealthChecker
	MetricsHandler http.Handler

	// タイムライン
	Timelines TimelineReader
	Lists     ListFinder
	Streams   StreamServer

	// 運用
	Regenerator RegenerationEnqueuer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Metrics → Recovery → SecurityHeaders → CORS → Account → RateLimit
//
// /health、/metrics、/admin はアカウントを必要としない。
// /admin はネットワーク境界で保護される前提とする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	timelineHandler := NewTimelineHandler(deps.Timelines, logger)
	streamingHandler := NewStreamingHandler(deps.Streams, deps.Lists, logger)
	adminHandler := NewAdminHandler(deps.Regenerator, logger)

	// --- アカウント不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthCheckers, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/admin/timelines/{kind}/{owner_id}/regenerate", adminHandler.Regenerate)

	// --- アカウントが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAccountMiddleware())

		// タイムライン読み出し
		r.Route("/api/v1/timelines", func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Get("/home", timelineHandler.Home)
			r.Get("/mentions", timelineHandler.Mentions)
			r.Get("/direct", timelineHandler.Direct)
			r.Get("/list/{list_id}", timelineHandler.List)
		})

		// ストリーミング（接続専用のレート制限を適用）
		r.With(deps.RateLimiter.StreamMiddleware()).Get("/api/v1/streaming", streamingHandler.Stream)
	})

	return r
}
