package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedcache/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // タイムライン読み出しのレート（req/sec）。300/60 = 5 req/sec
	GeneralBurst    int           // タイムライン読み出しのバーストサイズ
	StreamRate      rate.Limit    // ストリーミング接続のレート（req/sec）。30/60
	StreamBurst     int           // ストリーミング接続のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// タイムライン読み出し 300 req/min/account、ストリーミング接続 30 req/min/account。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(300.0 / 60.0),
		GeneralBurst:    300,
		StreamRate:      rate.Limit(30.0 / 60.0),
		StreamBurst:     30,
		CleanupInterval: 5 * time.Minute,
	}
}

// PerMinute は1分あたりのリクエスト数からレートとバーストを設定した設定を返す。
func (c RateLimiterConfig) PerMinute(general int) RateLimiterConfig {
	if general > 0 {
		c.GeneralRate = rate.Limit(float64(general) / 60.0)
		c.GeneralBurst = general
	}
	return c
}

// accountLimiter はアカウントごとのレートリミッターとアクセス時刻を保持する。
type accountLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はアカウントIDをキーとしたリミッターの集合。
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[int64]*accountLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{limiters: make(map[int64]*accountLimiter), rate: r, burst: burst}
}

// get はアカウントのリミッターを取得または作成する。
func (s *limiterSet) get(accountID int64) *rate.Limiter {
	s.mu.RLock()
	al, exists := s.limiters[accountID]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		al.lastAccess = time.Now()
		s.mu.Unlock()
		return al.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if al, exists := s.limiters[accountID]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[accountID] = &accountLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// expire は最終アクセスからttl以上経過したエントリを削除する。
func (s *limiterSet) expire(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, al := range s.limiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(s.limiters, id)
		}
	}
}

// RateLimiter はアカウントごとのレート制限を管理する。
// タイムライン読み出しとストリーミング接続の2種類を独立に制限する。
type RateLimiter struct {
	config RateLimiterConfig

	general *limiterSet
	stream  *limiterSet

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		stream:  newLimiterSet(config.StreamRate, config.StreamBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はタイムライン読み出しのレート制限ミドルウェアを返す。
// アカウントミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// StreamMiddleware はストリーミング接続のレート制限ミドルウェアを返す。
// 読み出しのレート制限とは独立に動作する。
func (rl *RateLimiter) StreamMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.stream, "stream")
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := AccountIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !set.get(accountID).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.Int64("account_id", accountID),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されている読み出しリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// StreamLimiterCount は現在管理されているストリーミングリミッターのエントリ数を返す。
func (rl *RateLimiter) StreamLimiterCount() int {
	return rl.stream.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.expire(now, ttl)
	rl.stream.expire(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	})
}
