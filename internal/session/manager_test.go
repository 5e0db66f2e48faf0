package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote/remotetest"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func waitForCalls(t *testing.T, svc *remotetest.Service, op string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Calls(op) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s calls (got %d)", n, op, svc.Calls(op))
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestManager(t *testing.T) (*Manager, *remotetest.Service) {
	t.Helper()
	svc := remotetest.New()
	svc.AddUser("u1", "alice@example.com", "password123", "Alice Liddell")
	var buf bytes.Buffer
	return NewManager(svc, newTestLogger(&buf)), svc
}

type transitionRecorder struct {
	calls []model.Session
}

func (r *transitionRecorder) observe(_, next model.Session) {
	r.calls = append(r.calls, next)
}

type mockBootstrapper struct {
	ensureFn func(ctx context.Context, userID string, seed model.ProfilePatch) (*model.Profile, error)
}

func (m *mockBootstrapper) Ensure(ctx context.Context, userID string, seed model.ProfilePatch) (*model.Profile, error) {
	if m.ensureFn != nil {
		return m.ensureFn(ctx, userID, seed)
	}
	return nil, nil
}

func TestManager_InitialStateIsUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	if m.State() != StateUnknown {
		t.Errorf("State() = %s, want unknown", m.State())
	}
	if m.Current().Status {
		t.Error("initial session must not be authenticated")
	}
}

func TestRestore_NoSession_ReturnsAnonymous(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Status || m.State() != StateAnonymous {
		t.Errorf("session = %+v, state = %s; want anonymous", sess, m.State())
	}
}

func TestRestore_ExistingSession_ReturnsAuthenticated(t *testing.T) {
	m, svc := newTestManager(t)
	svc.SignInAs("u1")

	sess, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.Status || sess.UserID != "u1" || sess.Email != "alice@example.com" {
		t.Errorf("session = %+v", sess)
	}
	if m.State() != StateAuthenticated {
		t.Errorf("State() = %s, want authenticated", m.State())
	}
}

func TestRestore_NetworkFailure_ReturnsTransientAndStaysUnknown(t *testing.T) {
	m, svc := newTestManager(t)
	svc.FailNext("account.get", errors.New("dial tcp: connection refused"))

	_, err := m.Restore(context.Background())
	if !model.IsKind(err, model.KindTransient) {
		t.Fatalf("error kind = %q, want transient", model.KindOf(err))
	}
	if m.State() != StateUnknown {
		t.Errorf("State() = %s, want unknown", m.State())
	}
}

func TestRestore_ServerError_IsReportedAsTransient(t *testing.T) {
	m, svc := newTestManager(t)
	svc.FailNext("account.get", model.NewError(model.KindRateLimited, "", "too many requests"))

	_, err := m.Restore(context.Background())
	if !model.IsKind(err, model.KindTransient) {
		t.Fatalf("error kind = %q, want transient", model.KindOf(err))
	}
}

func TestRestore_CanceledCallerStillResolvesState(t *testing.T) {
	m, svc := newTestManager(t)
	svc.SignInAs("u1")
	release := svc.Hold("account.get", "")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Restore(ctx)
		done <- err
	}()
	waitForCalls(t, svc, "account.get", 1)

	cancel()
	if err := <-done; !model.IsKind(err, model.KindTransient) {
		t.Fatalf("canceled caller error kind = %q, want transient", model.KindOf(err))
	}

	release()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want authenticated after the shared probe completes", m.State())
		}
		time.Sleep(time.Millisecond)
	}
	if svc.Calls("account.get") != 1 {
		t.Errorf("account.get calls = %d, want 1", svc.Calls("account.get"))
	}
}

func TestSignIn_ValidCredentials_TransitionsAndNotifies(t *testing.T) {
	m, _ := newTestManager(t)
	rec := &transitionRecorder{}
	m.Subscribe(rec.observe)

	sess, err := m.SignIn(context.Background(), " alice@example.com ", "password123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.Status || sess.UserID != "u1" {
		t.Errorf("session = %+v", sess)
	}
	if m.State() != StateAuthenticated {
		t.Errorf("State() = %s, want authenticated", m.State())
	}
	if len(rec.calls) != 2 {
		t.Fatalf("observer calls = %d, want 2 (restore + sign in)", len(rec.calls))
	}
	if !rec.calls[1].Status {
		t.Error("last observed session should be authenticated")
	}
}

func TestSignIn_WrongPassword_ReturnsInvalidCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	rec := &transitionRecorder{}
	m.Subscribe(rec.observe)

	_, err := m.SignIn(context.Background(), "alice@example.com", "wrong-password")
	if !model.IsKind(err, model.KindInvalidCredentials) {
		t.Fatalf("error kind = %q, want invalid_credentials", model.KindOf(err))
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
	if len(rec.calls) != 0 {
		t.Errorf("observer calls = %d, want 0", len(rec.calls))
	}
}

func TestSignIn_RateLimited_IsSurfacedVerbatim(t *testing.T) {
	m, svc := newTestManager(t)
	svc.FailNext("account.session.email", model.NewError(model.KindRateLimited, "", "Rate limit for the current endpoint has been exceeded."))

	_, err := m.SignIn(context.Background(), "alice@example.com", "password123")
	if !model.IsKind(err, model.KindRateLimited) {
		t.Fatalf("error kind = %q, want rate_limited", model.KindOf(err))
	}
	if !model.KindOf(err).Retryable() {
		t.Error("rate_limited should be retryable")
	}
}

func TestSignIn_MissingFields_ReturnsValidation(t *testing.T) {
	m, svc := newTestManager(t)

	_, err := m.SignIn(context.Background(), "", "password123")
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("error kind = %q, want validation", model.KindOf(err))
	}
	if svc.Calls("account.session.email") != 0 {
		t.Error("validation failure must not reach the remote service")
	}
}

func TestSignIn_AlreadyAuthenticated_ReturnsConflict(t *testing.T) {
	m, svc := newTestManager(t)
	svc.SignInAs("u1")

	_, err := m.SignIn(context.Background(), "alice@example.com", "password123")
	if !model.IsKind(err, model.KindConflict) {
		t.Fatalf("error kind = %q, want conflict", model.KindOf(err))
	}
}

func TestSignIn_ConfirmationFailure_CanBeRetried(t *testing.T) {
	m, svc := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	svc.FailNext("account.get", errors.New("connection reset"))

	_, err := m.SignIn(ctx, "alice@example.com", "password123")
	if !model.IsKind(err, model.KindTransient) {
		t.Fatalf("first sign in error kind = %q, want transient", model.KindOf(err))
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
	if n := svc.Calls("account.session.delete"); n != 1 {
		t.Errorf("delete calls = %d, want 1 (unconfirmed session removed)", n)
	}

	sess, err := m.SignIn(ctx, "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("retry sign in error: %v", err)
	}
	if !sess.Status || sess.UserID != "u1" {
		t.Errorf("session = %+v", sess)
	}
	if m.State() != StateAuthenticated {
		t.Errorf("State() = %s, want authenticated", m.State())
	}
}

func TestSignIn_LingeringRemoteSession_ResolvesToConflict(t *testing.T) {
	m, svc := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	svc.FailNext("account.get", errors.New("connection reset"))
	svc.FailNext("account.session.delete", errors.New("connection reset"))

	if _, err := m.SignIn(ctx, "alice@example.com", "password123"); !model.IsKind(err, model.KindTransient) {
		t.Fatalf("first sign in error kind = %q, want transient", model.KindOf(err))
	}

	_, err := m.SignIn(ctx, "alice@example.com", "password123")
	var e *model.Error
	if !errors.As(err, &e) || e.Kind != model.KindConflict || e.Code != model.ErrCodeSessionActive {
		t.Fatalf("retry error = %v, want conflict with code %s", err, model.ErrCodeSessionActive)
	}
	if m.State() != StateAuthenticated || m.Current().UserID != "u1" {
		t.Errorf("State() = %s, session = %+v; want the lingering session restored", m.State(), m.Current())
	}
}

func TestSignOut_IsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.SignOut(context.Background()); err != nil {
			t.Fatalf("SignOut #%d error: %v", i+1, err)
		}
		if m.State() != StateAnonymous {
			t.Errorf("after SignOut #%d State() = %s, want anonymous", i+1, m.State())
		}
	}
	if m.Current().Status {
		t.Error("session must not be authenticated after sign out")
	}
}

func TestSignOut_RemoteFailure_StillAnonymous(t *testing.T) {
	m, svc := newTestManager(t)
	if _, err := m.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	svc.FailNext("account.session.delete", errors.New("connection reset"))

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
}

func TestSignOut_FromUnknown_IsAnonymousEvenWhenRemoteFails(t *testing.T) {
	m, svc := newTestManager(t)
	svc.SignInAs("u1")
	svc.FailNext("account.session.delete", errors.New("connection reset"))

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
	if svc.Calls("account.get") != 0 {
		t.Errorf("account.get calls = %d, want 0", svc.Calls("account.get"))
	}
}

func TestObserveError_Unauthenticated_TransitionsBeforeReturn(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	rec := &transitionRecorder{}
	m.Subscribe(rec.observe)

	m.ObserveError(model.NewError(model.KindNotFound, "documents.get", "missing"))
	if m.State() != StateAuthenticated {
		t.Fatal("non-auth errors must not change state")
	}

	m.ObserveError(model.NewError(model.KindUnauthenticated, "documents.create", "expired"))
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
	if len(rec.calls) != 1 || rec.calls[0].Status {
		t.Errorf("observer calls = %+v, want one anonymous transition", rec.calls)
	}
}

func TestSubscribe_UnsubscribeStopsNotifications(t *testing.T) {
	m, _ := newTestManager(t)
	rec := &transitionRecorder{}
	unsubscribe := m.Subscribe(rec.observe)
	unsubscribe()

	if _, err := m.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("observer calls = %d, want 0", len(rec.calls))
	}
}

func TestRequireAuthenticated(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.RequireAuthenticated("posts.create"); !model.IsKind(err, model.KindUnauthenticated) {
		t.Errorf("error kind = %q, want unauthenticated", model.KindOf(err))
	}

	if _, err := m.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	sess, err := m.RequireAuthenticated("posts.create")
	if err != nil || sess.UserID != "u1" {
		t.Errorf("RequireAuthenticated() = %+v, %v", sess, err)
	}
}

func TestSignUp_CreatesAccountAndBootstrapsProfile(t *testing.T) {
	m, _ := newTestManager(t)
	var gotUserID string
	var gotSeed model.ProfilePatch
	m.SetProfileBootstrapper(&mockBootstrapper{
		ensureFn: func(_ context.Context, userID string, seed model.ProfilePatch) (*model.Profile, error) {
			gotUserID, gotSeed = userID, seed
			return &model.Profile{UserID: userID}, nil
		},
	})

	sess, err := m.SignUp(context.Background(), model.SignUp{
		Email:    "bob@example.com",
		Password: "password123",
		Name:     "Bob Builder",
		Bio:      "builds things",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.Status || sess.Email != "bob@example.com" {
		t.Errorf("session = %+v", sess)
	}
	if gotUserID != sess.UserID {
		t.Errorf("bootstrap userID = %q, want %q", gotUserID, sess.UserID)
	}
	if gotSeed.Username == nil || *gotSeed.Username != "bobbuilder" {
		t.Errorf("seed username = %v, want bobbuilder", gotSeed.Username)
	}
	if gotSeed.Bio == nil || *gotSeed.Bio != "builds things" {
		t.Errorf("seed bio = %v", gotSeed.Bio)
	}
}

func TestSignUp_BootstrapFailure_IsNotFatal(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetProfileBootstrapper(&mockBootstrapper{
		ensureFn: func(context.Context, string, model.ProfilePatch) (*model.Profile, error) {
			return nil, model.NewError(model.KindTransient, "profiles.ensure", "timeout")
		},
	})

	sess, err := m.SignUp(context.Background(), model.SignUp{Email: "bob@example.com", Password: "password123", Name: "Bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.Status {
		t.Error("sign up should succeed even if profile bootstrap fails")
	}
}

func TestSignUp_DuplicateEmail_ReturnsConflict(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.SignUp(context.Background(), model.SignUp{Email: "alice@example.com", Password: "password123", Name: "Alice"})
	if !model.IsKind(err, model.KindConflict) {
		t.Fatalf("error kind = %q, want conflict", model.KindOf(err))
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
}

func TestSignUp_WeakPassword_ReturnsValidation(t *testing.T) {
	m, svc := newTestManager(t)

	_, err := m.SignUp(context.Background(), model.SignUp{Email: "bob@example.com", Password: "short", Name: "Bob"})
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("error kind = %q, want validation", model.KindOf(err))
	}
	if svc.Calls("account.create") != 0 {
		t.Error("validation failure must not reach the remote service")
	}
}

func TestCompleteOAuth_EstablishesSession(t *testing.T) {
	m, svc := newTestManager(t)
	secret := svc.IssueToken("u1")
	var seeded string
	m.SetProfileBootstrapper(&mockBootstrapper{
		ensureFn: func(_ context.Context, _ string, seed model.ProfilePatch) (*model.Profile, error) {
			seeded = *seed.Username
			return nil, nil
		},
	})

	authURL, err := m.BeginOAuth(context.Background(), "google", "http://127.0.0.1/success", "http://127.0.0.1/failure")
	if err != nil || authURL == "" {
		t.Fatalf("BeginOAuth() = %q, %v", authURL, err)
	}

	sess, err := m.CompleteOAuth(context.Background(), "u1", secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.Status || sess.UserID != "u1" {
		t.Errorf("session = %+v", sess)
	}
	if seeded != "aliceliddell" {
		t.Errorf("seed username = %q, want aliceliddell", seeded)
	}
}

func TestCompleteOAuth_InvalidSecret_StaysAnonymous(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CompleteOAuth(context.Background(), "u1", "forged")
	if !model.IsKind(err, model.KindUnauthenticated) {
		t.Fatalf("error kind = %q, want unauthenticated", model.KindOf(err))
	}
	if m.State() != StateAnonymous {
		t.Errorf("State() = %s, want anonymous", m.State())
	}
}

func TestDefaultUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		fullName string
		want     string
	}{
		{"explicit username is trimmed", "  neo  ", "Thomas Anderson", "neo"},
		{"derived from name", "", "Thomas  Anderson", "thomasanderson"},
		{"falls back to user id", "", "   ", "useru42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultUsername(tt.username, tt.fullName, "u42"); got != tt.want {
				t.Errorf("DefaultUsername() = %q, want %q", got, tt.want)
			}
		})
	}
}
