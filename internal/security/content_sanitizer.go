package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は投稿本文のリッチテキストを安全なHTMLに変換する。
type ContentSanitizer interface {
	Sanitize(rawHTML string) string
}

type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はリッチテキストエディタの出力向けのサニタイザを生成する。
//   - 見出し、段落、リスト、引用、コード、強調、表、画像を許可
//   - script, iframe, style と on* 属性は除去
//   - a と img は http/https の絶対URLのみ許可、リンクには target="_blank" と rel を付与
func NewContentSanitizer() ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "u", "s", "sub", "sup",
		"table", "thead", "tbody", "tr", "th", "td",
		"figure", "figcaption",
	)

	p.AllowStandardURLs()
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)

	p.AllowAttrs("href").OnElements("a")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowAttrs("width", "height").Matching(bluemonday.Number).OnElements("img")
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Number).OnElements("td", "th")

	return &contentSanitizer{policy: p}
}

// Sanitize は許可リスト外の要素と属性を除去したHTMLを返す。同一入力には同一出力を返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
