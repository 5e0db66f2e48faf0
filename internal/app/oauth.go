package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hitoshi/folio/internal/handler"
	"github.com/hitoshi/folio/internal/model"
)

const (
	defaultOAuthProvider = "google"
	defaultOAuthTimeout  = 5 * time.Minute
)

// loginOAuth はループバックサーバーを起動し、ブラウザでのOAuth認可の完了を待つ。
func (a *App) loginOAuth(ctx context.Context, args []string) error {
	const op = "cli.login_oauth"
	fs := a.newFlagSet(CommandLoginOAuth)
	provider := fs.String("provider", defaultOAuthProvider, "OAuthプロバイダー名")
	timeout := fs.Duration("timeout", defaultOAuthTimeout, "認可を待つ時間")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.OAuthAddr)
	if err != nil {
		return model.WrapError(model.KindTransient, op, fmt.Errorf("failed to listen on %s: %w", a.cfg.OAuthAddr, err))
	}

	oauth := handler.NewOAuthHandler(a.sessions, handler.OAuthHandlerConfig{
		BaseURL:  "http://" + ln.Addr().String(),
		Provider: *provider,
	}, a.logger)

	server := &http.Server{
		Handler: handler.NewRouter(&handler.RouterDeps{
			OAuth:    oauth,
			Logger:   a.logger,
			Metrics:  a.metrics,
			Gatherer: a.gatherer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("oauth callback server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("oauth callback server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("oauth callback server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	loginURL := oauth.LoginURL()
	fmt.Fprintf(a.stdout, "ブラウザで次のURLを開いてください:\n  %s\n", loginURL)
	if a.openBrowser != nil {
		if err := a.openBrowser(loginURL); err != nil {
			a.logger.Warn("failed to open browser", slog.String("error", err.Error()))
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	select {
	case res := <-oauth.Results():
		if res.Err != nil {
			return res.Err
		}
		fmt.Fprintf(a.stdout, "%s としてサインインしました\n", res.Session.Email)
		return nil
	case <-waitCtx.Done():
		return model.AsError(op, waitCtx.Err())
	}
}
