package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを500レスポンスに変換するミドルウェアを生成する。
// レスポンスの送信を始めていた場合（WebSocketへのアップグレード後を含む）は書き込まない。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http の中断用panicはそのまま伝播させる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if id, ok := parseAccountID(r.Header.Get(AccountIDHeader)); ok {
					attrs = append(attrs, slog.Int64("account_id", id))
				}
				slog.Error("panic recovered", attrs...)

				if sr, ok := w.(*statusRecorder); ok && sr.written {
					return
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
