package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcache/internal/config"
	"github.com/hitoshi/feedcache/internal/database"
	"github.com/hitoshi/feedcache/internal/feed"
	"github.com/hitoshi/feedcache/internal/filter"
	"github.com/hitoshi/feedcache/internal/handler"
	"github.com/hitoshi/feedcache/internal/lock"
	"github.com/hitoshi/feedcache/internal/logger"
	"github.com/hitoshi/feedcache/internal/metrics"
	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/repository"
	"github.com/hitoshi/feedcache/internal/stream"
	"github.com/hitoshi/feedcache/internal/timeline"
	"github.com/hitoshi/feedcache/internal/worker/cleanup"
	"github.com/hitoshi/feedcache/internal/worker/job"
)

var (
	_ job.Manager                  = (*feed.Manager)(nil)
	_ cleanup.Clearer              = (*feed.Manager)(nil)
	_ cleanup.AccountLister        = (*repository.PostgresAccountRepo)(nil)
	_ handler.TimelineReader       = (*feed.Manager)(nil)
	_ handler.ListFinder           = (*repository.PostgresListRepo)(nil)
	_ handler.StreamServer         = (*stream.Hub)(nil)
	_ handler.RegenerationEnqueuer = (*job.Queue)(nil)
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	case CommandRegenerate:
		return runRegenerate(ctx, cfg, args[1:])
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector
	cache    *timeline.CachedStore
	queue    *job.Queue
	accounts *repository.PostgresAccountRepo
	lists    *repository.PostgresListRepo
	manager  *feed.Manager
}

func (c *components) Close() {
	c.cache.Stop()
	if err := c.redis.Close(); err != nil {
		slog.Warn("failed to close redis client", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		slog.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// openRedis はREDIS_URLからクライアントを生成し、応答するまで待つ。
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	if err := database.WaitFor(ctx, "redis", ping, cfg.StartupTimeout, slog.Default()); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// openDatabase はPostgreSQLへの接続を開き、応答するまで待つ。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.WaitFor(ctx, "postgres", db.PingContext, cfg.StartupTimeout, slog.Default()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// build は接続を開き、タイムラインの配送に必要な全依存関係をワイヤリングする。
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	// 1. 接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	metrics.RegisterDBStats(registry, db)

	// 3. リポジトリ
	accounts := repository.NewPostgresAccountRepo(db)
	statuses := repository.NewPostgresStatusRepo(db)
	relationships := repository.NewPostgresRelationshipRepo(db)
	lists := repository.NewPostgresListRepo(db)

	// 4. タイムラインストアとジョブキュー
	cache := timeline.NewCachedStore(
		timeline.NewRedisStore(rdb),
		timeline.CacheConfig{MaxSize: cfg.TimelineCacheSize, TTL: cfg.TimelineCacheTTL},
		timeline.NewRedisInvalidator(rdb),
		slog.Default(),
	)
	queue := job.NewQueue(rdb)
	queue.VisibilityTimeout = cfg.JobVisibility

	// 5. 配送マネージャ
	manager := feed.NewManager(feed.Deps{
		Store:         cache,
		Filter:        filter.New(),
		Notifier:      stream.NewRedisNotifier(rdb),
		Locker:        lock.NewRedisLocker(rdb),
		Markers:       feed.NewRedisMarkers(rdb),
		Accounts:      accounts,
		Statuses:      statuses,
		Relationships: relationships,
		Lists:         lists,
		Enqueuer:      queue,
		Metrics:       collector,
		Logger:        slog.Default(),
	}, feed.Limits{
		MaxLength:     cfg.TimelineMaxLength,
		ReblogWindow:  cfg.ReblogWindow,
		BatchSize:     cfg.FanoutBatchSize,
		Concurrency:   cfg.FanoutConcurrency,
		LockTTL:       cfg.LockTTL,
		InactiveAfter: cfg.InactiveAfter(),
	})

	return &components{
		db:       db,
		redis:    rdb,
		registry: registry,
		metrics:  collector,
		cache:    cache,
		queue:    queue,
		accounts: accounts,
		lists:    lists,
		manager:  manager,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// タイムラインの読み出しとストリーミングを提供し、他プロセスからのキャッシュ無効化を購読する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	hub := stream.NewHub(c.redis, stream.HubConfig{AllowedOrigin: cfg.CORSAllowedOrigin}, slog.Default())
	metrics.RegisterGaugeFunc(c.registry, "feedcache_stream_connections",
		"接続中のストリーミングクライアント数",
		func() float64 { return float64(hub.Connections()) },
	)
	// キューはworkerとRedis上で共有している
	metrics.RegisterGaugeFunc(c.registry, "feedcache_jobs_queued",
		"実行待ちのジョブ数",
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			queued, _, err := c.queue.Len(ctx)
			if err != nil {
				return 0
			}
			return float64(queued)
		},
	)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig().PerMinute(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           c.metrics,
		Logger:            slog.Default(),
		HealthCheckers: map[string]handler.HealthChecker{
			"postgres": c.db,
			"redis": handler.HealthCheckFunc(func(ctx context.Context) error {
				return c.redis.Ping(ctx).Err()
			}),
		},
		MetricsHandler: metrics.Handler(c.registry),
		Timelines:      c.manager,
		Lists:          c.lists,
		Streams:        hub,
		Regenerator:    c.queue,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// リクエストのコンテキストはbaseCtxから派生させ、シャットダウン時にストリーミング接続を閉じる
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server.BaseContext = func(net.Listener) context.Context { return baseCtx }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := timeline.ListenInvalidations(baseCtx, c.redis, c.cache, slog.Default()); err != nil {
			slog.Error("cache invalidation listener failed", slog.String("error", err.Error()))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cancelBase()
		wg.Wait()
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	// ハイジャックされたWebSocket接続はShutdownの対象外のため、ここで閉じる
	cancelBase()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ジョブランナーと非アクティブアカウントの整理ジョブを起動し、
// ctxがキャンセルされると実行中のジョブの完了を待って終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	runner := job.NewRunner(c.queue, c.manager, c.metrics, slog.Default(), job.Options{
		Concurrency: cfg.JobConcurrency,
		PollTimeout: cfg.JobPollTimeout,
		Retries: job.RetryLimits{
			job.OpDistribute: cfg.JobRetryDistribute,
			job.OpRevoke:     cfg.JobRetryRevoke,
			job.OpMerge:      cfg.JobRetryMerge,
			job.OpUnmerge:    cfg.JobRetryUnmerge,
			job.OpRegenerate: cfg.JobRetryRegenerate,
		},
	})

	cleanupJob := cleanup.NewCleanupJob(c.accounts, c.manager, slog.Default())
	cleanupJob.InactiveAfter = cfg.InactiveAfter()
	cleanupJob.Lead = cfg.CleanupInterval

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.JobConcurrency),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// ジョブランナーをメインgoroutineで実行（ブロッキング）
	runner.Run(ctx)
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしの場合はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, args []string) error {
	action, err := ParseMigrateArgs(args)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("action", action.Op),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action.Op {
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", action.Steps))
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
	return nil
}

// runRegenerate はタイムラインの再生成ジョブを投入する。
// 実際の再生成はworkerが行う。
func runRegenerate(ctx context.Context, cfg *config.Config, args []string) error {
	tl, err := ParseRegenerateArgs(args)
	if err != nil {
		return err
	}

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	if err := job.NewQueue(rdb).EnqueueRegenerate(ctx, tl); err != nil {
		return err
	}

	slog.Info("regeneration enqueued", slog.String("timeline", tl.String()))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
