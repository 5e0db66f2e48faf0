package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/folio/internal/model"
)

// BeginOAuth はOAuthプロバイダの認可URLを返す。
// 認可完了後、successURL に userId と secret が付与されて戻ってくる。
func (m *Manager) BeginOAuth(ctx context.Context, provider, successURL, failureURL string) (string, error) {
	const op = "session.oauth_begin"
	authURL, err := m.accounts.CreateOAuthSession(ctx, provider, successURL, failureURL)
	if err != nil {
		return "", model.AsError(op, err)
	}
	return authURL, nil
}

// CompleteOAuth はOAuthで払い出されたトークンでセッションを確立する。
// プロフィールが存在しなければ名前から初期作成する。
func (m *Manager) CompleteOAuth(ctx context.Context, userID, secret string) (model.Session, error) {
	const op = "session.oauth_complete"
	userID = strings.TrimSpace(userID)
	if userID == "" || secret == "" {
		return model.Session{}, model.NewValidationError(op, model.ErrCodeMissingField, "userId and secret are required")
	}
	if err := m.ensureAnonymous(ctx, op); err != nil {
		return model.Session{}, err
	}
	sess, err := m.createSession(ctx, op, func(ctx context.Context) error {
		return m.accounts.CreateTokenSession(ctx, userID, secret)
	})
	if err != nil {
		return model.Session{}, err
	}
	m.logger.Info("signed in with oauth", slog.String("user_id", sess.UserID))

	username := DefaultUsername("", sess.Name, sess.UserID)
	m.bootstrapProfile(ctx, sess.UserID, model.ProfilePatch{Username: &username})
	return sess, nil
}
