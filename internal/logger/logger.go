package logger

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// redactedKeys はログに値を出力しない属性名。
var redactedKeys = []string{"password", "secret", "cookie", "cookies", "token"}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 資格情報を表す属性の値はマスクする。
func Setup(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// CLIの出力と混ざらないよう、writerが nil の場合は os.Stderr に出力する。
func SetupDefault(w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := Setup(w, level)
	slog.SetDefault(logger)
	return logger
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if slices.Contains(redactedKeys, strings.ToLower(a.Key)) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
