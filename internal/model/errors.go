// Package model はドメインモデルとエラー分類を定義する。
package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind はリモート境界を越えて公開されるエラーの分類を表す。
type ErrorKind string

// 定義済みエラー分類
const (
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindForbidden          ErrorKind = "forbidden"
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation"
	KindConflict           ErrorKind = "conflict"
	KindRateLimited        ErrorKind = "rate_limited"
	KindTransient          ErrorKind = "transient"
	KindUploadFailed       ErrorKind = "upload_failed"
	KindCompensationFailed ErrorKind = "compensation_failed"
)

// Retryable はユーザー操作による再試行が意味を持つ分類かを返す。
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// 定義済みエラーコード
const (
	ErrCodeOperationInFlight = "operation_in_flight"
	ErrCodeSessionActive     = "session_active"
	ErrCodeEmptyTitle        = "empty_title"
	ErrCodeEmptyContent      = "empty_content"
	ErrCodeInvalidStatus     = "invalid_status"
	ErrCodeTitleTooLong      = "title_too_long"
	ErrCodeInvalidDate       = "invalid_date"
	ErrCodeUsernameTooLong   = "username_too_long"
	ErrCodeWeakPassword      = "weak_password"
	ErrCodeMissingField      = "missing_field"
	ErrCodeImageTooLarge     = "image_too_large"
	ErrCodeImageEmpty        = "image_empty"
	ErrCodeImageType         = "unsupported_image_type"
	ErrCodeInvalidURL        = "invalid_url"
	ErrCodeSSRFBlocked       = "ssrf_blocked"
)

// Error は統一エラーフォーマットを表す。
// Kind で分類し、Action にユーザー向け対処方法を保持する。
type Error struct {
	Kind    ErrorKind
	Op      string // 発生した操作 (例: "posts.create")
	Code    string // リモートまたはローカルのエラーコード
	Message string
	Action  string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は分類付きエラーを生成する。
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Action: defaultAction(kind)}
}

// WrapError は原因エラーを分類付きで包む。
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Action: defaultAction(kind)}
}

// NewValidationError はクライアント側で検出した入力エラーを生成する。
func NewValidationError(op, code, message string) *Error {
	e := NewError(KindValidation, op, message)
	e.Code = code
	return e
}

// NewInFlightError は同一キーの操作が実行中であることを示すエラーを生成する。
func NewInFlightError(op, key string) *Error {
	e := NewError(KindConflict, op, fmt.Sprintf("operation already in flight: %s", key))
	e.Code = ErrCodeOperationInFlight
	e.Action = "前の操作の完了を待ってから再度実行してください。"
	return e
}

// AsError は任意のエラーを分類付きエラーに変換する。
// 分類のないエラーはネットワーク起因とみなし transient に分類する。
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			cp := *e
			cp.Op = op
			return &cp
		}
		return e
	}
	w := WrapError(KindTransient, op, err)
	if errors.Is(err, context.Canceled) {
		w.Message = "operation canceled"
	} else if errors.Is(err, context.DeadlineExceeded) {
		w.Message = "operation timed out"
	}
	return w
}

// KindOf はエラーの分類を返す。分類のないエラーには空文字を返す。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind はエラーが指定分類に属するかを返す。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func defaultAction(kind ErrorKind) string {
	switch kind {
	case KindUnauthenticated:
		return "再度サインインしてください。"
	case KindInvalidCredentials:
		return "メールアドレスとパスワードを確認してください。"
	case KindForbidden:
		return "この操作を行う権限がありません。"
	case KindNotFound:
		return "対象が削除されていないか確認してください。"
	case KindValidation:
		return "入力内容を確認してください。"
	case KindConflict:
		return "既に存在するか、別の操作と競合しました。"
	case KindRateLimited:
		return "しばらく時間をおいてから再度お試しください。"
	case KindTransient:
		return "ネットワーク接続を確認して再度お試しください。"
	case KindUploadFailed:
		return "画像のアップロードに失敗しました。再度お試しください。"
	default:
		return ""
	}
}
