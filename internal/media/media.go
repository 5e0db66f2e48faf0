// Package media はアップロード前の画像の検証と、外部URLからの画像取得を提供する。
package media

import (
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/hitoshi/folio/internal/model"
)

// DefaultMaxSize は画像の最大サイズ（5MB）。
const DefaultMaxSize = 5 * 1024 * 1024

// allowedTypes はアップロードを許可する画像形式と拡張子。
var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Validate は画像の内容から形式を判定し、サイズと形式を検証する。
// Content-Type は申告値ではなく判定結果で上書きする。
func Validate(op string, u model.Upload, maxSize int64) (model.Upload, error) {
	if len(u.Data) == 0 {
		return u, model.NewValidationError(op, model.ErrCodeImageEmpty, "image is empty")
	}
	if maxSize > 0 && int64(len(u.Data)) > maxSize {
		return u, model.NewValidationError(op, model.ErrCodeImageTooLarge,
			fmt.Sprintf("image exceeds %d bytes", maxSize))
	}
	mimeType := extractMimeType(http.DetectContentType(u.Data))
	ext, ok := allowedTypes[mimeType]
	if !ok {
		return u, model.NewValidationError(op, model.ErrCodeImageType, "unsupported image type: "+mimeType)
	}
	u.ContentType = mimeType
	u.Name = fileName(u.Name, ext)
	return u, nil
}

// AllowedTypes は許可する画像形式を返す。
func AllowedTypes() []string {
	types := make([]string, 0, len(allowedTypes))
	for t := range allowedTypes {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// fileName は名前が空または拡張子がない場合に補う。
func fileName(name, ext string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		name = "image"
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}

// extractMimeType はContent-Typeからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}
