package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// minPasswordLength はサインアップ時のパスワード最小長。
const minPasswordLength = 8

// SignUp はアカウントを作成してサインインし、プロフィールを初期作成する。
// メールアドレスの重複は conflict を返す。
// プロフィールの初期作成に失敗してもサインアップ自体は成功とする（プロフィールは初回書き込み時にも作成される）。
func (m *Manager) SignUp(ctx context.Context, in model.SignUp) (model.Session, error) {
	const op = "session.sign_up"
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Email == "" || in.Name == "" {
		return model.Session{}, model.NewValidationError(op, model.ErrCodeMissingField, "name and email are required")
	}
	if len(in.Password) < minPasswordLength {
		return model.Session{}, model.NewValidationError(op, model.ErrCodeWeakPassword, "password must be at least 8 characters")
	}
	if err := m.ensureAnonymous(ctx, op); err != nil {
		return model.Session{}, err
	}

	user, err := m.accounts.CreateAccount(ctx, remote.NewID(), in.Email, in.Password, in.Name)
	if err != nil {
		return model.Session{}, model.AsError(op, err)
	}
	sess, err := m.createSession(ctx, op, func(ctx context.Context) error {
		return m.accounts.CreateEmailSession(ctx, in.Email, in.Password)
	})
	if err != nil {
		return model.Session{}, err
	}
	m.logger.Info("account created", slog.String("user_id", user.ID))

	seed := model.ProfilePatch{}
	username := DefaultUsername(in.Username, in.Name, sess.UserID)
	seed.Username = &username
	if bio := strings.TrimSpace(in.Bio); bio != "" {
		seed.Bio = &bio
	}
	if dob := strings.TrimSpace(in.DateOfBirth); dob != "" {
		seed.DateOfBirth = &dob
	}
	m.bootstrapProfile(ctx, sess.UserID, seed)
	return sess, nil
}

// DefaultUsername はプロフィールのユーザー名を決める。
// 指定があればそれを、なければ名前を小文字化して空白を除いたもの、それも空なら "user"+ID を使う。
func DefaultUsername(username, name, userID string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	if n := strings.Join(strings.Fields(strings.ToLower(name)), ""); n != "" {
		return n
	}
	return "user" + userID
}

func (m *Manager) bootstrapProfile(ctx context.Context, userID string, seed model.ProfilePatch) {
	m.mu.Lock()
	b := m.bootstrapper
	m.mu.Unlock()
	if b == nil {
		return
	}
	if _, err := b.Ensure(ctx, userID, seed); err != nil {
		m.logger.Warn("failed to bootstrap profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
