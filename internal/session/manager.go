// Package session は現在のユーザーの認証状態を管理する。
// 状態は Unknown, Anonymous, Authenticated の三つで、初期状態は Unknown。
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// State は認証状態を表す。
type State int

const (
	// StateUnknown はセッション確認前の状態。
	StateUnknown State = iota
	// StateAnonymous は未認証の状態。
	StateAnonymous
	// StateAuthenticated は認証済みの状態。
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// codeSessionAlreadyExists はセッションが有効な間に新しいセッションを作成しようとした際のエラーコード。
const codeSessionAlreadyExists = "user_session_already_exists"

// rollbackTimeout は確認できなかったセッションの削除にかける時間の上限。
const rollbackTimeout = 5 * time.Second

// Observer は状態遷移の通知を受け取る。遷移を起こした呼び出しが戻る前に同期的に呼ばれる。
type Observer func(prev, next model.Session)

// ProfileBootstrapper はサインアップやOAuth完了時にプロフィールを用意する。
type ProfileBootstrapper interface {
	Ensure(ctx context.Context, userID string, seed model.ProfilePatch) (*model.Profile, error)
}

type subscription struct {
	id int
	fn Observer
}

// Manager はセッション状態を保持する唯一のコンポーネント。
type Manager struct {
	accounts remote.Accounts
	logger   *slog.Logger
	probe    singleflight.Group

	mu           sync.Mutex
	state        State
	session      model.Session
	observers    []subscription
	nextID       int
	bootstrapper ProfileBootstrapper
}

// NewManager はManagerを生成する。
func NewManager(accounts remote.Accounts, logger *slog.Logger) *Manager {
	return &Manager{
		accounts: accounts,
		logger:   logger,
		state:    StateUnknown,
	}
}

// SetProfileBootstrapper はプロフィールの初期作成に使うコンポーネントを設定する。
func (m *Manager) SetProfileBootstrapper(b ProfileBootstrapper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrapper = b
}

// State は現在の状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current は現在のセッションを返す。
func (m *Manager) Current() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Subscribe は状態遷移の通知先を登録し、登録解除関数を返す。
func (m *Manager) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, subscription{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.observers {
			if s.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// RequireAuthenticated は認証済みセッションを返す。未認証なら unauthenticated エラーを返す。
func (m *Manager) RequireAuthenticated(op string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return model.Session{}, model.NewError(model.KindUnauthenticated, op, "sign in required")
	}
	return m.session, nil
}

// ObserveError はリモート呼び出しのエラーを受け取り、
// unauthenticated であれば Anonymous へ遷移させる。
func (m *Manager) ObserveError(err error) {
	if !model.IsKind(err, model.KindUnauthenticated) {
		return
	}
	if m.State() != StateAuthenticated {
		return
	}
	m.logger.Info("session expired, switching to anonymous", slog.String("error", err.Error()))
	m.transition(StateAnonymous, model.AnonymousSession())
}

// transition は状態を更新し、変化があれば購読者に同期的に通知する。
func (m *Manager) transition(next State, sess model.Session) {
	m.mu.Lock()
	prevState, prev := m.state, m.session
	m.state, m.session = next, sess
	observers := make([]Observer, 0, len(m.observers))
	for _, s := range m.observers {
		observers = append(observers, s.fn)
	}
	m.mu.Unlock()

	if prevState == next && prev == sess {
		return
	}
	m.logger.Debug("session state changed",
		slog.String("from", prevState.String()),
		slog.String("to", next.String()),
	)
	for _, fn := range observers {
		fn(prev, sess)
	}
}

// Restore はリモートサービスに既存セッションを問い合わせ、Unknown を解決する。
// セッションがなければ Anonymous としてエラーなしで返す。
// それ以外の失敗は transient エラーとして返し、状態は変更しない。
// 同時に呼ばれた場合は一回の問い合わせを共有する。問い合わせは呼び出し元のキャンセルでは中断せず、
// 待つのをやめた呼び出し元がいても結果は状態に反映される。
func (m *Manager) Restore(ctx context.Context) (model.Session, error) {
	const op = "session.restore"
	probeCtx := context.WithoutCancel(ctx)
	ch := m.probe.DoChan("restore", func() (any, error) {
		return m.resolve(probeCtx, op)
	})
	select {
	case res := <-ch:
		sess, _ := res.Val.(model.Session)
		return sess, res.Err
	case <-ctx.Done():
		return m.Current(), model.AsError(op, ctx.Err())
	}
}

// resolve は現在のユーザーを取得して状態に反映する。
func (m *Manager) resolve(ctx context.Context, op string) (model.Session, error) {
	user, err := m.accounts.CurrentUser(ctx)
	if err != nil {
		e := model.AsError(op, err)
		if e.Kind == model.KindUnauthenticated {
			m.transition(StateAnonymous, model.AnonymousSession())
			return model.AnonymousSession(), nil
		}
		if e.Kind != model.KindTransient {
			te := model.WrapError(model.KindTransient, op, e)
			te.Code = e.Code
			e = te
		}
		m.logger.Warn("failed to restore session", slog.String("error", e.Error()))
		return m.Current(), e
	}

	sess := model.NewSession(user)
	if sess.Status {
		m.transition(StateAuthenticated, sess)
	} else {
		m.transition(StateAnonymous, sess)
	}
	return sess, nil
}

// ensureAnonymous は Unknown を解決したうえで、認証済みでないことを確認する。
func (m *Manager) ensureAnonymous(ctx context.Context, op string) error {
	if m.State() == StateUnknown {
		if _, err := m.Restore(ctx); err != nil {
			return err
		}
	}
	if m.State() == StateAuthenticated {
		return sessionActiveError(op)
	}
	return nil
}

func sessionActiveError(op string) *model.Error {
	e := model.NewError(model.KindConflict, op, "a session is already active")
	e.Code = model.ErrCodeSessionActive
	e.Action = "サインアウトしてから再度お試しください。"
	return e
}

// createSession はセッションを作成し、現在のユーザーを取得して Authenticated へ遷移する。
// リモートに確認できないセッションが残っていて作成を拒否された場合は、Restore で状態を解決して conflict を返す。
// 作成後の確認に失敗した場合は作成したセッションを削除し、再試行できる状態に戻す。
func (m *Manager) createSession(ctx context.Context, op string, create func(context.Context) error) (model.Session, error) {
	if err := create(ctx); err != nil {
		e := model.AsError(op, err)
		if e.Code == codeSessionAlreadyExists {
			if _, rerr := m.Restore(ctx); rerr != nil {
				m.logger.Warn("failed to resolve existing session", slog.String("error", rerr.Error()))
			}
			return model.Session{}, sessionActiveError(op)
		}
		return model.Session{}, e
	}

	user, err := m.accounts.CurrentUser(ctx)
	if err == nil && user == nil {
		err = model.NewError(model.KindTransient, op, "session was created but could not be confirmed")
	}
	if err != nil {
		m.rollback(ctx)
		return model.Session{}, model.AsError(op, err)
	}
	sess := model.NewSession(user)
	m.transition(StateAuthenticated, sess)
	return sess, nil
}

// rollback は確認できなかったセッションをリモートから削除する。失敗はログに残すだけにする。
func (m *Manager) rollback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := m.accounts.DeleteSession(ctx); err != nil && !model.IsKind(err, model.KindUnauthenticated) {
		m.logger.Warn("failed to delete unconfirmed session", slog.String("error", err.Error()))
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// 認証拒否は invalid_credentials、スロットリングは rate_limited をそのまま返す。
func (m *Manager) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	const op = "session.sign_in"
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return model.Session{}, model.NewValidationError(op, model.ErrCodeMissingField, "email and password are required")
	}
	if err := m.ensureAnonymous(ctx, op); err != nil {
		return model.Session{}, err
	}
	sess, err := m.createSession(ctx, op, func(ctx context.Context) error {
		return m.accounts.CreateEmailSession(ctx, email, password)
	})
	if err != nil {
		return model.Session{}, err
	}
	m.logger.Info("signed in", slog.String("user_id", sess.UserID))
	return sess, nil
}

// SignOut はセッションを削除する。冪等であり、セッションがない場合も成功とする。
// リモート側の削除に失敗しても手元の状態は Anonymous になる。
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.accounts.DeleteSession(ctx); err != nil {
		kind := model.KindOf(err)
		if kind != model.KindUnauthenticated && kind != model.KindNotFound {
			m.logger.Warn("failed to delete remote session", slog.String("error", err.Error()))
		}
	}
	m.transition(StateAnonymous, model.AnonymousSession())
	return nil
}
