package middleware

import (
	"net/http"

	"github.com/hitoshi/feedcache/internal/metrics"
)

// NewMetricsMiddleware はレスポンスのステータスコードをメトリクスに記録するミドルウェアを返す。
func NewMetricsMiddleware(recorder metrics.Recorder) func(next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			recorder.RecordHTTPStatus(rec.statusCode)
		})
	}
}
