package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// HealthChecker は依存先の疎通を確認するインターフェース。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc は関数をHealthCheckerとして扱うアダプタ。
type HealthCheckFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼び出す。
func (f HealthCheckFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

const healthCheckTimeout = 3 * time.Second

// NewHealthHandler は全ての依存先に疎通確認を行うハンドラーを返す。
// 1つでも失敗した場合は503を返す。
// GET /health
func NewHealthHandler(checks map[string]HealthChecker, logger *slog.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, name := range names {
			if err := checks[name].PingContext(ctx); err != nil {
				logger.Warn("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "unavailable"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status":       overall,
			"dependencies": results,
		})
	}
}
