package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/feedcache/internal/middleware"
	"github.com/hitoshi/feedcache/internal/model"
)

// handleServiceError はフィード層から返されたエラーをHTTPレスポンスに変換する。
// listIDはリストのタイムラインを読む場合のみ指定し、それ以外は0を渡す。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error, listID int64) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.Is(err, model.ErrInvalidCursor):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCursorError(err.Error()))
	case errors.Is(err, model.ErrUnknownKind):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidKindError(err.Error()))
	case errors.Is(err, model.ErrNotFound) && listID != 0:
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewListNotFoundError(listID))
	default:
		// 詳細はログのみに記録する
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidCursor, model.ErrCodeInvalidKind, model.ErrCodeInvalidID, model.ErrCodeStreamRejected:
		return http.StatusBadRequest
	case model.ErrCodeListNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// parsePositiveID は正の整数のIDを解析する。
func parsePositiveID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
