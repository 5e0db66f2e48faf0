package appwrite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// documentListResponse はドキュメント一覧APIのレスポンス。
type documentListResponse struct {
	Total     int               `json:"total"`
	Documents []json.RawMessage `json:"documents"`
}

func (c *Client) documentsPath(collection string) string {
	return "/databases/" + url.PathEscape(c.database) + "/collections/" + url.PathEscape(collection) + "/documents"
}

// ListDocuments はクエリに一致するドキュメント一覧を返す。
func (c *Client) ListDocuments(ctx context.Context, collection string, queries ...remote.Query) (*remote.DocumentList, error) {
	const op = "documents.list"
	q := url.Values{}
	for _, query := range queries {
		encoded, err := query.Encode()
		if err != nil {
			return nil, model.WrapError(model.KindValidation, op, err)
		}
		q.Add("queries[]", encoded)
	}
	body, err := c.do(ctx, request{op: op, method: http.MethodGet, path: c.documentsPath(collection), query: q})
	if err != nil {
		return nil, err
	}
	var resp documentListResponse
	if err := decodeJSON(op, body, &resp); err != nil {
		return nil, err
	}
	list := &remote.DocumentList{Total: resp.Total, Documents: make([]remote.Document, 0, len(resp.Documents))}
	for _, raw := range resp.Documents {
		doc, err := decodeDocument(op, raw)
		if err != nil {
			return nil, err
		}
		list.Documents = append(list.Documents, *doc)
	}
	return list, nil
}

// GetDocument はIDでドキュメントを取得する。
func (c *Client) GetDocument(ctx context.Context, collection, id string) (*remote.Document, error) {
	const op = "documents.get"
	body, err := c.do(ctx, request{op: op, method: http.MethodGet, path: c.documentsPath(collection) + "/" + url.PathEscape(id)})
	if err != nil {
		return nil, err
	}
	return decodeDocument(op, body)
}

// CreateDocument はドキュメントを作成する。
func (c *Client) CreateDocument(ctx context.Context, collection, id string, data map[string]any, permissions []string) (*remote.Document, error) {
	const op = "documents.create"
	req, err := jsonRequest(op, http.MethodPost, c.documentsPath(collection), map[string]any{
		"documentId":  id,
		"data":        data,
		"permissions": permissions,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeDocument(op, body)
}

// UpdateDocument はドキュメントの指定フィールドだけを更新する。
func (c *Client) UpdateDocument(ctx context.Context, collection, id string, data map[string]any) (*remote.Document, error) {
	const op = "documents.update"
	req, err := jsonRequest(op, http.MethodPatch, c.documentsPath(collection)+"/"+url.PathEscape(id), map[string]any{
		"data": data,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeDocument(op, body)
}

// DeleteDocument はドキュメントを削除する。
func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, request{op: "documents.delete", method: http.MethodDelete, path: c.documentsPath(collection) + "/" + url.PathEscape(id)})
	return err
}

// decodeDocument はシステム属性（$で始まるキー）とユーザー定義フィールドを分離してデコードする。
func decodeDocument(op string, raw []byte) (*remote.Document, error) {
	var fields map[string]any
	if err := decodeJSON(op, raw, &fields); err != nil {
		return nil, err
	}
	doc := &remote.Document{Data: make(map[string]any, len(fields))}
	for k, v := range fields {
		if !strings.HasPrefix(k, "$") {
			doc.Data[k] = v
			continue
		}
		switch k {
		case "$id":
			doc.ID, _ = v.(string)
		case "$collectionId":
			doc.Collection, _ = v.(string)
		case "$createdAt":
			s, _ := v.(string)
			doc.CreatedAt = parseTime(s)
		case "$updatedAt":
			s, _ := v.(string)
			doc.UpdatedAt = parseTime(s)
		case "$permissions":
			if perms, ok := v.([]any); ok {
				for _, p := range perms {
					if s, ok := p.(string); ok {
						doc.Permissions = append(doc.Permissions, s)
					}
				}
			}
		}
	}
	return doc, nil
}
