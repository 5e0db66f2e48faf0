package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/security"
)

// DefaultFetchTimeout は外部画像取得のタイムアウト。
const DefaultFetchTimeout = 10 * time.Second

const userAgent = "Folio/1.0"

// Fetcher は外部URLから画像を取得する。
// URLは取得前に静的に検証し、接続はSSRF対策済みのクライアントで行う。
type Fetcher struct {
	guard   security.URLGuard
	client  *http.Client
	maxSize int64
	logger  *slog.Logger
}

// NewFetcher はFetcherを生成する。maxSize が0以下の場合は DefaultMaxSize を使う。
func NewFetcher(guard security.URLGuard, timeout time.Duration, maxSize int64, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Fetcher{
		guard:   guard,
		client:  guard.NewSafeClient(timeout),
		maxSize: maxSize,
		logger:  logger,
	}
}

// MaxSize は許可する画像の最大サイズを返す。
func (f *Fetcher) MaxSize() int64 {
	return f.maxSize
}

// Fetch は画像を取得し、検証済みのアップロードとして返す。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (model.Upload, error) {
	const op = "media.fetch"

	if err := f.guard.ValidateURL(rawURL); err != nil {
		f.logger.Warn("image fetch blocked", slog.String("url", rawURL), slog.String("error", err.Error()))
		e := model.WrapError(model.KindValidation, op, err)
		e.Code = model.ErrCodeSSRFBlocked
		e.Message = "image URL is not allowed"
		return model.Upload{}, e
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		e := model.WrapError(model.KindValidation, op, err)
		e.Code = model.ErrCodeInvalidURL
		return model.Upload{}, e
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Upload{}, model.AsError(op, fmt.Errorf("failed to fetch image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := model.KindValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = model.KindTransient
		}
		return model.Upload{}, model.NewError(kind, op, fmt.Sprintf("image URL returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return model.Upload{}, model.AsError(op, fmt.Errorf("failed to read image: %w", err))
	}

	upload, err := Validate(op, model.Upload{Name: nameFromURL(rawURL), Data: body}, f.maxSize)
	if err != nil {
		return model.Upload{}, err
	}
	f.logger.Debug("image fetched",
		slog.String("url", rawURL),
		slog.String("content_type", upload.ContentType),
		slog.Int("size", len(upload.Data)),
	)
	return upload, nil
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
