// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 処理の分類に使う番兵エラー。errors.Is で判定する。
var (
	// ErrNotFound は参照先のアカウント・投稿・関係が既に存在しないことを表す。
	// ジョブは成功扱いで終了し、リトライしない。
	ErrNotFound = errors.New("not found")

	// ErrLockHeld は同じ対象の整合性処理が既に実行中であることを表す。
	ErrLockHeld = errors.New("lock held by another worker")

	// ErrUnknownKind は未定義のタイムライン種別を表す。
	ErrUnknownKind = errors.New("unknown timeline kind")

	// ErrInvalidCursor はページングパラメータが不正であることを表す。
	ErrInvalidCursor = errors.New("invalid cursor")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, timeline, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInvalidCursor  = "INVALID_CURSOR"
	ErrCodeInvalidKind    = "INVALID_TIMELINE_KIND"
	ErrCodeInvalidID      = "INVALID_ID"
	ErrCodeListNotFound   = "LIST_NOT_FOUND"
	ErrCodeStreamRejected = "STREAM_REJECTED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証情報が無い場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ゲートウェイ経由でアクセスしてください。",
	}
}

// NewInvalidCursorError はページングパラメータが不正な場合のエラーを生成する。
func NewInvalidCursorError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCursor,
		Message:  fmt.Sprintf("ページングパラメータが不正です: %s", reason),
		Category: "validation",
		Action:   "max_id、since_id、min_id には正の整数を、limit には1以上の整数を指定してください。",
	}
}

// NewInvalidKindError は未定義のタイムライン種別が指定された場合のエラーを生成する。
func NewInvalidKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidKind,
		Message:  fmt.Sprintf("無効なタイムライン種別です: %s", kind),
		Category: "validation",
		Action:   "home、list、mentions、direct のいずれかを指定してください。",
	}
}

// NewInvalidIDError はIDの形式が不正な場合のエラーを生成する。
func NewInvalidIDError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidID,
		Message:  fmt.Sprintf("IDの形式が不正です: %s", field),
		Category: "validation",
		Action:   "正の整数を指定してください。",
	}
}

// NewListNotFoundError はリストが存在しない、または所有者でない場合のエラーを生成する。
func NewListNotFoundError(listID int64) *APIError {
	return &APIError{
		Code:     ErrCodeListNotFound,
		Message:  fmt.Sprintf("指定されたリストが見つかりません: %d", listID),
		Category: "timeline",
		Action:   "リストIDを確認してください。",
	}
}

// NewStreamRejectedError はストリーム指定が不正な場合のエラーを生成する。
func NewStreamRejectedError(stream string) *APIError {
	return &APIError{
		Code:     ErrCodeStreamRejected,
		Message:  fmt.Sprintf("購読できないストリームです: %s", stream),
		Category: "validation",
		Action:   "stream には user、list、mentions、direct のいずれかを指定してください。",
	}
}

// NewInternalError は内部エラーの一般的なレスポンスを生成する。
// 詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
