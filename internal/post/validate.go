package post

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hitoshi/folio/internal/model"
)

// maxTitleLength はタイトルの最大文字数。
const maxTitleLength = 255

// hasVisibleContent は本文に表示されるテキストまたは画像が含まれるかを返す。
func hasVisibleContent(content string) bool {
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(content) != ""
			}
			return false
		case html.TextToken:
			if strings.TrimSpace(string(z.Text())) != "" {
				return true
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "img" {
				return true
			}
		}
	}
}

func validateTitle(op, title string) error {
	if strings.TrimSpace(title) == "" {
		return model.NewValidationError(op, model.ErrCodeEmptyTitle, "title must not be empty")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return model.NewValidationError(op, model.ErrCodeTitleTooLong, "title must be at most 255 characters")
	}
	return nil
}

func validateContent(op, content string) error {
	if !hasVisibleContent(content) {
		return model.NewValidationError(op, model.ErrCodeEmptyContent, "content must not be empty")
	}
	return nil
}

func validateStatus(op string, status model.PostStatus) error {
	if !status.Valid() {
		return model.NewValidationError(op, model.ErrCodeInvalidStatus, "unknown post status: "+string(status))
	}
	return nil
}

// normalizeDraft は入力を整形し、本文をサニタイズしたうえで検証する。
func (c *Cache) normalizeDraft(op string, d model.PostDraft) (model.PostDraft, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Content = c.sanitizer.Sanitize(d.Content)
	if d.Status == "" {
		d.Status = model.PostStatusActive
	}
	if strings.TrimSpace(d.AuthorID) == "" {
		return d, model.NewValidationError(op, model.ErrCodeMissingField, "author is required")
	}
	if err := validateTitle(op, d.Title); err != nil {
		return d, err
	}
	if err := validateContent(op, d.Content); err != nil {
		return d, err
	}
	if err := validateStatus(op, d.Status); err != nil {
		return d, err
	}
	return d, nil
}

// normalizePatch はパッチを整形して検証する。
func (c *Cache) normalizePatch(op string, p model.PostPatch) (model.PostPatch, error) {
	if p.Empty() {
		return p, model.NewValidationError(op, model.ErrCodeMissingField, "nothing to update")
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if err := validateTitle(op, title); err != nil {
			return p, err
		}
		p.Title = &title
	}
	if p.Content != nil {
		content := c.sanitizer.Sanitize(*p.Content)
		if err := validateContent(op, content); err != nil {
			return p, err
		}
		p.Content = &content
	}
	if p.Status != nil {
		if err := validateStatus(op, *p.Status); err != nil {
			return p, err
		}
	}
	return p, nil
}

// ValidateDraft は新規記事の入力を検証する。リモート呼び出しは行わない。
func (c *Cache) ValidateDraft(d model.PostDraft) error {
	_, err := c.normalizeDraft("posts.validate", d)
	return err
}

// ValidatePatch は部分更新の入力を検証する。リモート呼び出しは行わない。
func (c *Cache) ValidatePatch(p model.PostPatch) error {
	_, err := c.normalizePatch("posts.validate", p)
	return err
}
