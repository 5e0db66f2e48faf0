package appwrite

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hitoshi/folio/internal/model"
)

// apiError はAppwriteのエラーレスポンスを表す。
type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Type    string `json:"type"`
}

// ClassifyError はHTTPステータスとAppwriteのエラー種別をエラー分類に変換する。
func ClassifyError(statusCode int, errType string) model.ErrorKind {
	switch errType {
	case "user_invalid_credentials":
		return model.KindInvalidCredentials
	case "user_unauthorized":
		return model.KindForbidden
	case "general_rate_limit_exceeded":
		return model.KindRateLimited
	case "user_already_exists", "user_email_already_exists", "user_session_already_exists",
		"document_already_exists", "storage_file_already_exists":
		return model.KindConflict
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return model.KindUnauthenticated
	case statusCode == http.StatusForbidden:
		return model.KindForbidden
	case statusCode == http.StatusNotFound:
		return model.KindNotFound
	case statusCode == http.StatusConflict:
		return model.KindConflict
	case statusCode == http.StatusTooManyRequests:
		return model.KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return model.KindTransient
	case statusCode >= 500:
		return model.KindTransient
	case statusCode >= 400:
		return model.KindValidation
	default:
		return model.KindTransient
	}
}

// decodeError はエラーレスポンスを分類付きエラーに変換する。
func decodeError(op string, statusCode int, body []byte) *model.Error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Message == "" {
		ae.Message = fmt.Sprintf("remote service returned status %d", statusCode)
	}
	e := model.NewError(ClassifyError(statusCode, ae.Type), op, ae.Message)
	e.Code = ae.Type
	return e
}
