// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hitoshi/feedcache/internal/model"
)

// AccountIDHeader は上流のゲートウェイが認証済みアカウントIDを設定するヘッダー。
const AccountIDHeader = "X-Account-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// accountIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
var accountIDContextKey = contextKey("account_id")

// parseAccountID はヘッダー値を正のアカウントIDとして解析する。
func parseAccountID(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// NewAccountMiddleware はX-Account-IDヘッダーからアカウントIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// 認証はゲートウェイで完了している前提であり、ここでは形式のみ検証する。
// ヘッダーが無い、または不正な場合は401 Unauthorizedを返す。
func NewAccountMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseAccountID(r.Header.Get(AccountIDHeader))
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAccountID(r.Context(), id)))
		})
	}
}

// AccountIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// アカウントミドルウェアを通過したリクエストでのみ有効。
func AccountIDFromContext(ctx context.Context) (int64, error) {
	id, ok := ctx.Value(accountIDContextKey).(int64)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("account ID not found in context")
	}
	return id, nil
}

// ContextWithAccountID はコンテキストにアカウントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, accountIDContextKey, accountID)
}
