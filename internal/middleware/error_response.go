package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// ErrCodeRateLimitExceeded はレート制限超過のエラーコード。
const ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// statusByCode はAPIエラーコードとHTTPステータスの対応表。
var statusByCode = map[string]int{
	model.ErrCodeInvalidRequest:  http.StatusBadRequest,
	model.ErrCodeInvalidURL:      http.StatusBadRequest,
	model.ErrCodeSSRFBlocked:     http.StatusBadRequest,
	model.ErrCodeFeedNotDetected: http.StatusUnprocessableEntity,
	model.ErrCodeFetchFailed:     http.StatusBadGateway,
	model.ErrCodeFeedNotFound:    http.StatusNotFound,
	model.ErrCodePostNotFound:    http.StatusNotFound,
	model.ErrCodeUserNotFound:    http.StatusNotFound,
	model.ErrCodeNotSubscribed:   http.StatusNotFound,
	model.ErrCodeDuplicateUser:   http.StatusConflict,
	model.ErrCodeFeedNotFailed:   http.StatusConflict,
	ErrCodeRateLimitExceeded:     http.StatusTooManyRequests,
}

// StatusForAPIError はAPIエラーに対応するHTTPステータスを返す。
// 未知のコードは400として扱う。
func StatusForAPIError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はサービス層のエラーをレスポンスに変換する。
// model.APIErrorはコードに応じたステータスで返し、それ以外はログに記録して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
		return
	}

	logger.Error("リクエストの処理に失敗しました",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}
