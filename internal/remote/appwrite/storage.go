package appwrite

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/hitoshi/folio/internal/model"
)

// fileResponse はストレージAPIのファイル表現。
type fileResponse struct {
	ID       string `json:"$id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"sizeOriginal"`
}

func (c *Client) filesPath(bucket string) string {
	return "/storage/buckets/" + url.PathEscape(bucket) + "/files"
}

// CreateFile はファイルをマルチパートでアップロードする。
func (c *Client) CreateFile(ctx context.Context, bucket, id string, upload model.Upload, permissions []string) (*model.StoredFile, error) {
	const op = "storage.create"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("fileId", id); err != nil {
		return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to write multipart field: %w", err))
	}
	for _, p := range permissions {
		if err := mw.WriteField("permissions[]", p); err != nil {
			return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to write multipart field: %w", err))
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.Name))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to create multipart part: %w", err))
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to write file content: %w", err))
	}
	if err := mw.Close(); err != nil {
		return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("failed to close multipart writer: %w", err))
	}

	body, err := c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		path:        c.filesPath(bucket),
		body:        &buf,
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return nil, err
	}
	var f fileResponse
	if err := decodeJSON(op, body, &f); err != nil {
		return nil, err
	}
	return &model.StoredFile{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		URL:      c.FilePreviewURL(bucket, f.ID),
	}, nil
}

// DeleteFile はファイルを削除する。
func (c *Client) DeleteFile(ctx context.Context, bucket, id string) error {
	_, err := c.do(ctx, request{op: "storage.delete", method: http.MethodDelete, path: c.filesPath(bucket) + "/" + url.PathEscape(id)})
	return err
}

// FilePreviewURL はファイルの公開プレビューURLを返す。
func (c *Client) FilePreviewURL(bucket, id string) string {
	if id == "" {
		return ""
	}
	return c.endpoint + c.filesPath(bucket) + "/" + url.PathEscape(id) + "/view?project=" + url.QueryEscape(c.project)
}
