package appwrite

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/folio/internal/model"
)

// RetryDecision はエラー分類に基づく再試行の判断。
type RetryDecision int

const (
	// RetryNone は再試行しない（成功または恒久的なエラー）。
	RetryNone RetryDecision = iota
	// RetryBackoff はバックオフ後に再試行する（429/5xx/ネットワークエラー）。
	RetryBackoff
)

const (
	// maxReadAttempts は冪等な読み取りの最大試行回数。
	maxReadAttempts = 3
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
)

// DecideRetry はリモート呼び出しの結果を再試行の判断に分類する。
// 認証・権限・入力・競合のエラーは再試行しても結果が変わらないため再試行しない。
func DecideRetry(err error) RetryDecision {
	if err == nil {
		return RetryNone
	}
	if model.KindOf(err).Retryable() {
		return RetryBackoff
	}
	return RetryNone
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回200ms、2倍ずつ増加、最大2秒。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// retryable はリクエストが自動再試行の対象かを返す。
// 書き込みは重複作成を避けるため再試行せず、呼び出し元の判断に委ねる。
func (r request) retryable() bool {
	return r.method == http.MethodGet && r.body == nil
}

// sleep はdだけ待つ。ctxがキャンセルされた場合はそのエラーを返す。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
