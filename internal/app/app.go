// Package app はCLIの初期化と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/folio/internal/config"
	"github.com/hitoshi/folio/internal/logger"
	"github.com/hitoshi/folio/internal/media"
	"github.com/hitoshi/folio/internal/metrics"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/orchestrator"
	"github.com/hitoshi/folio/internal/post"
	"github.com/hitoshi/folio/internal/profile"
	"github.com/hitoshi/folio/internal/remote"
	"github.com/hitoshi/folio/internal/remote/appwrite"
	"github.com/hitoshi/folio/internal/security"
	"github.com/hitoshi/folio/internal/session"
)

// envFile はカレントディレクトリから読み込む .env ファイル名。
const envFile = ".env"

// Init はアプリケーションの初期化を行う。
// .env と環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// ログはwに出力する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .env と環境変数から設定を読み込む
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はCLIのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。コマンドの出力はstdout、ログはstderrに書き込む。
// SIGINTまたはSIGTERMを受信すると実行中の操作をキャンセルする。
func Run(stdout, stderr io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	// help は設定なしで表示できる
	if cmd == CommandHelp {
		PrintUsage(stdout)
		return nil
	}

	cfg, err := Init(stderr)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	client := appwrite.NewClient(appwrite.Config{
		Endpoint:   cfg.Endpoint,
		ProjectID:  cfg.ProjectID,
		DatabaseID: cfg.DatabaseID,
		Timeout:    cfg.RequestTimeout,
		RateLimit:  rate.Limit(cfg.RateLimit),
		RateBurst:  cfg.RateBurst,
	}, &http.Client{}, appwrite.NewFileStore(cfg.SessionFile), slog.Default(), collector)

	a := New(cfg, client, Options{
		Logger:   slog.Default(),
		Metrics:  collector,
		Gatherer: registry,
		Stdout:   stdout,
		Stderr:   stderr,
	})

	slog.Debug("running command", slog.String("command", string(cmd)))
	return a.Execute(ctx, cmd, rest)
}

// Options はNewに渡す任意の依存。
type Options struct {
	Logger   *slog.Logger
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer
	Stdout   io.Writer
	Stderr   io.Writer
	// OpenBrowser はOAuthのURLを開く。nil の場合はURLを表示するだけ。
	OpenBrowser func(url string) error
}

// App はワイヤリング済みのコンポーネントを保持し、サブコマンドを実行する。
type App struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	gatherer    prometheus.Gatherer
	stdout      io.Writer
	stderr      io.Writer
	openBrowser func(url string) error

	files    remote.Files
	bucket   string
	sessions *session.Manager
	posts    *post.Cache
	profiles *profile.Cache
	orch     *orchestrator.Orchestrator
}

// New はリモートサービスの上に各コンポーネントを組み立てる。
func New(cfg *config.Config, svc remote.Service, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	// 1. セッション
	sessions := session.NewManager(svc, opts.Logger)

	// 2. エンティティキャッシュ
	profiles := profile.NewCache(svc, cfg.ProfilesCollectionID, sessions, opts.Logger)
	posts := post.NewCache(svc, cfg.PostsCollectionID, sessions, security.NewContentSanitizer(), opts.Metrics, opts.Logger)
	sessions.SetProfileBootstrapper(profiles)

	// サインアウトやセッション失効で本人のデータを破棄する
	sessions.Subscribe(func(prev, next model.Session) {
		if !next.Status {
			profiles.Reset()
			posts.ClearCurrent()
		}
	})

	// 3. 画像取得とオーケストレーター
	fetcher := media.NewFetcher(security.NewSSRFGuard(), cfg.ImageFetchTimeout, cfg.ImageMaxSize, opts.Logger)
	orch := orchestrator.New(orchestrator.Deps{
		Sessions: sessions,
		Posts:    posts,
		Profiles: profiles,
		Files:    svc,
		Bucket:   cfg.BucketID,
		Fetcher:  fetcher,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
	})

	return &App{
		cfg:         cfg,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		gatherer:    opts.Gatherer,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		openBrowser: opts.OpenBrowser,
		files:       svc,
		bucket:      cfg.BucketID,
		sessions:    sessions,
		posts:       posts,
		profiles:    profiles,
		orch:        orch,
	}
}

// Execute はサブコマンドを実行する。
func (a *App) Execute(ctx context.Context, cmd Command, args []string) error {
	switch cmd {
	case CommandWhoami:
		return a.whoami(ctx)
	case CommandLogin:
		return a.login(ctx, args)
	case CommandLoginOAuth:
		return a.loginOAuth(ctx, args)
	case CommandSignup:
		return a.signup(ctx, args)
	case CommandLogout:
		return a.logout(ctx)
	case CommandPosts:
		return a.listPosts(ctx, args)
	case CommandPost:
		return a.showPost(ctx, args)
	case CommandPublish:
		return a.publish(ctx, args)
	case CommandEdit:
		return a.edit(ctx, args)
	case CommandDelete:
		return a.deletePost(ctx, args)
	case CommandProfile:
		return a.showProfile(ctx)
	case CommandProfileSet:
		return a.setProfile(ctx, args)
	case CommandAvatar:
		return a.avatar(ctx, args)
	default:
		PrintUsage(a.stdout)
		return nil
	}
}

// FormatError はユーザー向けのエラー表示を返す。分類付きエラーには対処方法を添える。
func FormatError(err error) string {
	var e *model.Error
	if errors.As(err, &e) && e.Action != "" {
		return fmt.Sprintf("%v\n%s", err, e.Action)
	}
	return err.Error()
}
