package middleware

import "net/http"

// NewSecurityHeadersMiddleware はレスポンスヘッダーを付与するミドルウェアを返す。
// タイムラインはアカウントごとの内容のため、共有キャッシュに保存させない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "private, no-store")
			h.Set("Vary", AccountIDHeader)
			next.ServeHTTP(w, r)
		})
	}
}
