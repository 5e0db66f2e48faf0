// Package appwrite はAppwrite REST APIに対するリモートサービスアダプタを提供する。
// ネットワークエラーとHTTPエラーはすべてここで model.Error に変換する。
package appwrite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/folio/internal/metrics"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

const (
	// responseFormat はクライアントが前提とするレスポンス形式のバージョン。
	responseFormat = "1.5.0"
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "folio/1.0"
	// maxResponseSize はレスポンスボディの最大読み取りサイズ（10MB）。
	maxResponseSize = 10 * 1024 * 1024
	// fallbackCookiesHeader はCookieを使えないクライアント向けのセッションヘッダー。
	fallbackCookiesHeader = "X-Fallback-Cookies"
)

// Config はクライアントの接続設定を保持する。
type Config struct {
	Endpoint   string // 例: https://cloud.appwrite.io/v1
	ProjectID  string
	DatabaseID string
	Timeout    time.Duration
	RateLimit  rate.Limit
	RateBurst  int
}

// Client はAppwrite REST APIのクライアント。
// remote.Service を実装する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	limiter    *rate.Limiter
	store      SessionStore
	backoff    func(failures int) time.Duration

	endpoint string
	project  string
	database string
	timeout  time.Duration

	mu      sync.Mutex
	loaded  bool
	cookies string
}

var _ remote.Service = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。
// collector が nil の場合はメトリクスを記録しない。
func NewClient(cfg Config, httpClient *http.Client, store SessionStore, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		limiter:    rate.NewLimiter(limit, burst),
		store:      store,
		backoff:    CalculateBackoff,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		project:    cfg.ProjectID,
		database:   cfg.DatabaseID,
		timeout:    cfg.Timeout,
	}
}

// request は一回のAPI呼び出しを表す。
type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

// jsonRequest はJSONボディ付きのリクエストを組み立てる。
func jsonRequest(op, method, path string, payload any) (request, error) {
	req := request{op: op, method: method, path: path}
	if payload == nil {
		return req, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return req, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to encode request body: %w", err))
	}
	req.body = bytes.NewReader(b)
	req.contentType = "application/json"
	return req, nil
}

// do はリクエストを実行し、成功時のレスポンスボディを返す。
// 冪等な読み取りは一時的なエラーに限りバックオフ付きで再試行する。
// 失敗時は常に *model.Error を返す。
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	attempts := 1
	if r.retryable() {
		attempts = maxReadAttempts
	}

	var (
		body []byte
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug("retrying remote call",
				slog.String("op", r.op),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)
			if serr := sleep(ctx, delay); serr != nil {
				return nil, model.AsError(r.op, serr)
			}
		}

		body, err = c.attempt(ctx, r)
		if DecideRetry(err) == RetryNone {
			break
		}
	}
	return body, err
}

// attempt は一回の呼び出しを実行し、結果をメトリクスに記録する。
func (c *Client) attempt(ctx context.Context, r request) ([]byte, error) {
	start := time.Now()
	body, status, err := c.roundTrip(ctx, r)
	outcome := "ok"
	if err != nil {
		outcome = string(model.KindOf(err))
	}
	c.metrics.RecordRemoteCall(r.op, outcome, time.Since(start))
	if err != nil {
		c.logger.Debug("remote call failed",
			slog.String("op", r.op),
			slog.Int("http_status", status),
			slog.String("error", err.Error()),
		)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, r request) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, model.AsError(r.op, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reqURL := c.endpoint + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, r.body)
	if err != nil {
		return nil, 0, model.WrapError(model.KindValidation, r.op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Appwrite-Project", c.project)
	req.Header.Set("X-Appwrite-Response-Format", responseFormat)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if cookies := c.sessionCookies(); cookies != "" {
		req.Header.Set(fallbackCookiesHeader, cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, model.AsError(r.op, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, model.AsError(r.op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, decodeError(r.op, resp.StatusCode, body)
	}

	if cookies := resp.Header.Get(fallbackCookiesHeader); cookies != "" {
		c.saveSessionCookies(cookies)
	}

	return body, resp.StatusCode, nil
}

// decodeJSON はレスポンスボディを v にデコードする。
func decodeJSON(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return model.WrapError(model.KindTransient, op, fmt.Errorf("failed to parse response JSON: %w", err))
	}
	return nil
}

// sessionCookies は保存済みのセッションCookieを返す。初回のみストアから読み込む。
func (c *Client) sessionCookies() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.loaded = true
		cookies, err := c.store.Load()
		if err != nil {
			c.logger.Warn("failed to load stored session", slog.String("error", err.Error()))
		}
		c.cookies = cookies
	}
	return c.cookies
}

func (c *Client) saveSessionCookies(cookies string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = true
	c.cookies = cookies
	if err := c.store.Save(cookies); err != nil {
		c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

func (c *Client) clearSessionCookies() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = true
	c.cookies = ""
	if err := c.store.Clear(); err != nil {
		c.logger.Warn("failed to clear stored session", slog.String("error", err.Error()))
	}
}

// parseTime はAppwriteの日時文字列を解析する。解析できない場合はゼロ値を返す。
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
