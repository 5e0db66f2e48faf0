package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/folio/internal/model"
)

// ErrorResponseBody はエラーレスポンスの統一フォーマット。
// 分類と対処方法を含む。
type ErrorResponseBody struct {
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// StatusFor はエラー分類に対応するHTTPステータスコードを返す。
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindUnauthenticated, model.KindInvalidCredentials:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindConflict:
		return http.StatusConflict
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindTransient, model.KindUploadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteError はエラーを分類に応じたステータスコードで書き込む。
// 分類のないエラーは内部エラーとして扱い、詳細は返さない。
func WriteError(w http.ResponseWriter, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		WriteInternalServerError(w)
		return
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	WriteErrorResponse(w, StatusFor(e.Kind), ErrorResponseBody{
		Code:    e.Code,
		Kind:    string(e.Kind),
		Message: msg,
		Action:  e.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, ErrorResponseBody{
		Code:    "INTERNAL_ERROR",
		Kind:    "system",
		Message: "内部エラーが発生しました。",
		Action:  "しばらく待ってから再度お試しください。",
	})
}
