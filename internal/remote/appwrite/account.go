package appwrite

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hitoshi/folio/internal/model"
)

// userResponse はアカウントAPIのユーザー表現。
type userResponse struct {
	ID        string `json:"$id"`
	CreatedAt string `json:"$createdAt"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

func (u userResponse) toModel() *model.User {
	return &model.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: parseTime(u.CreatedAt),
	}
}

// CreateAccount はアカウントを作成する。
func (c *Client) CreateAccount(ctx context.Context, userID, email, password, name string) (*model.User, error) {
	const op = "account.create"
	req, err := jsonRequest(op, http.MethodPost, "/account", map[string]string{
		"userId":   userID,
		"email":    email,
		"password": password,
		"name":     name,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var u userResponse
	if err := decodeJSON(op, body, &u); err != nil {
		return nil, err
	}
	return u.toModel(), nil
}

// CreateEmailSession はメールアドレスとパスワードでセッションを作成する。
func (c *Client) CreateEmailSession(ctx context.Context, email, password string) error {
	req, err := jsonRequest("account.session.email", http.MethodPost, "/account/sessions/email", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// CreateTokenSession はOAuthで払い出されたトークンでセッションを作成する。
func (c *Client) CreateTokenSession(ctx context.Context, userID, secret string) error {
	req, err := jsonRequest("account.session.token", http.MethodPost, "/account/sessions/token", map[string]string{
		"userId": userID,
		"secret": secret,
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// CurrentUser は現在のユーザーを返す。
// 未認証（401）の場合は保存済みセッションを破棄して nil, nil を返す。
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	const op = "account.get"
	body, err := c.do(ctx, request{op: op, method: http.MethodGet, path: "/account"})
	if model.IsKind(err, model.KindUnauthenticated) {
		c.clearSessionCookies()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u userResponse
	if err := decodeJSON(op, body, &u); err != nil {
		return nil, err
	}
	return u.toModel(), nil
}

// DeleteSession は現在のセッションを削除する。
// リモート側の結果にかかわらず、保存済みセッションは破棄する。
func (c *Client) DeleteSession(ctx context.Context) error {
	_, err := c.do(ctx, request{op: "account.session.delete", method: http.MethodDelete, path: "/account/sessions/current"})
	c.clearSessionCookies()
	return err
}

// CreateOAuthSession はOAuthプロバイダの認可URLを組み立てる。
// 認可完了後、successURL に userId と secret が付与されてリダイレクトされる。
func (c *Client) CreateOAuthSession(_ context.Context, provider, successURL, failureURL string) (string, error) {
	const op = "account.oauth"
	if provider == "" {
		return "", model.NewValidationError(op, model.ErrCodeMissingField, "provider is required")
	}
	q := url.Values{}
	q.Set("project", c.project)
	if successURL != "" {
		q.Set("success", successURL)
	}
	if failureURL != "" {
		q.Set("failure", failureURL)
	}
	return c.endpoint + "/account/tokens/oauth2/" + url.PathEscape(provider) + "?" + q.Encode(), nil
}
