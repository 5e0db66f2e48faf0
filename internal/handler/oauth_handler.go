// Package handler はOAuthサインインを受け取るループバックHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/folio/internal/middleware"
	"github.com/hitoshi/folio/internal/model"
)

const oauthStateCookie = "folio_oauth_state"

// OAuthService はOAuthハンドラーが必要とするセッション操作。
type OAuthService interface {
	BeginOAuth(ctx context.Context, provider, successURL, failureURL string) (string, error)
	CompleteOAuth(ctx context.Context, userID, secret string) (model.Session, error)
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	BaseURL  string // ループバックサーバーのURL (例: http://127.0.0.1:8787)
	Provider string // OAuthプロバイダー名 (例: google)
}

// OAuthResult はOAuthサインインの結果。
type OAuthResult struct {
	Session model.Session
	Err     error
}

// OAuthHandler はOAuthフローの開始とコールバックを処理する。
// 結果は最初の1回だけ Results に送られる。
type OAuthHandler struct {
	service OAuthService
	config  OAuthHandlerConfig
	logger  *slog.Logger

	results chan OAuthResult
	once    sync.Once
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(service OAuthService, config OAuthHandlerConfig, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		service: service,
		config:  config,
		logger:  logger,
		results: make(chan OAuthResult, 1),
	}
}

// Results はサインイン結果を受け取るチャネルを返す。
func (h *OAuthHandler) Results() <-chan OAuthResult {
	return h.results
}

func (h *OAuthHandler) deliver(res OAuthResult) {
	h.once.Do(func() {
		h.results <- res
	})
}

// LoginURL はブラウザで開くURLを返す。
func (h *OAuthHandler) LoginURL() string {
	return strings.TrimRight(h.config.BaseURL, "/") + "/oauth/login"
}

// Login はOAuthフローを開始する。
// GET /oauth/login
func (h *OAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/oauth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	success, failure := h.callbackURLs(state)
	target, err := h.service.BeginOAuth(r.Context(), h.config.Provider, success, failure)
	if err != nil {
		h.logger.Error("failed to begin oauth", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *OAuthHandler) callbackURLs(state string) (success, failure string) {
	base := strings.TrimRight(h.config.BaseURL, "/")
	q := url.Values{"state": {state}}.Encode()
	return base + "/oauth/success?" + q, base + "/oauth/failure?" + q
}

// verifyState はクエリのstateとCookieのstateが一致するかを検証し、Cookieを削除する。
func (h *OAuthHandler) verifyState(w http.ResponseWriter, r *http.Request) bool {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		h.logger.Warn("oauth state mismatch", slog.String("query_state", state))
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// Success はOAuth成功時のコールバックを処理し、セッションを確立する。
// GET /oauth/success?state=xxx&userId=yyy&secret=zzz
func (h *OAuthHandler) Success(w http.ResponseWriter, r *http.Request) {
	const op = "oauth.callback"

	if !h.verifyState(w, r) {
		middleware.WriteError(w, model.NewValidationError(op, model.ErrCodeMissingField, "invalid state parameter"))
		return
	}

	userID := r.URL.Query().Get("userId")
	secret := r.URL.Query().Get("secret")
	if userID == "" || secret == "" {
		err := model.NewValidationError(op, model.ErrCodeMissingField, "missing userId or secret")
		h.deliver(OAuthResult{Err: err})
		middleware.WriteError(w, err)
		return
	}

	sess, err := h.service.CompleteOAuth(r.Context(), userID, secret)
	if err != nil {
		h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
		h.deliver(OAuthResult{Err: err})
		middleware.WriteError(w, err)
		return
	}

	h.deliver(OAuthResult{Session: sess})
	writePage(w, http.StatusOK, fmt.Sprintf("%s としてサインインしました。このウィンドウを閉じてください。", sess.Email))
}

// Failure はOAuth失敗時のコールバックを処理する。
// GET /oauth/failure?state=xxx
func (h *OAuthHandler) Failure(w http.ResponseWriter, r *http.Request) {
	const op = "oauth.callback"

	if !h.verifyState(w, r) {
		middleware.WriteError(w, model.NewValidationError(op, model.ErrCodeMissingField, "invalid state parameter"))
		return
	}

	err := model.NewError(model.KindInvalidCredentials, op, "sign-in was cancelled or rejected by the provider")
	h.logger.Warn("oauth sign-in rejected", slog.String("provider", h.config.Provider))
	h.deliver(OAuthResult{Err: err})
	middleware.WriteError(w, err)
}

func writePage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, message)
}
