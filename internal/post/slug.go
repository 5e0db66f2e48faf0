package post

import (
	"strings"
	"unicode"
)

// Slugify はタイトルからURLに使える識別子を導出する。
// 小文字化し、英数字と空白以外を取り除き、連続する空白を一つのハイフンにする。
// 同じ入力には常に同じ結果を返す。
func Slugify(title string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingHyphen = true
		}
	}
	return b.String()
}
