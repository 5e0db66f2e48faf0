// Package remote はリモートサービス（アカウント、ドキュメント、ファイルストレージ）との境界を定義する。
// 実装は remote/appwrite、テスト用の偽実装は remote/remotetest にある。
// この境界を越えるエラーはすべて *model.Error である。
package remote

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/folio/internal/model"
)

// Accounts はアカウントとセッションの操作を提供する。
type Accounts interface {
	// CreateAccount はアカウントを作成する。セッションは作成しない。
	CreateAccount(ctx context.Context, userID, email, password, name string) (*model.User, error)
	// CreateEmailSession はメールアドレスとパスワードでセッションを作成する。
	CreateEmailSession(ctx context.Context, email, password string) error
	// CreateTokenSession はOAuthトークンでセッションを作成する。
	CreateTokenSession(ctx context.Context, userID, secret string) error
	// CurrentUser は現在のユーザーを返す。未認証の場合は nil, nil を返す。
	CurrentUser(ctx context.Context) (*model.User, error)
	// DeleteSession は現在のセッションを削除する。
	DeleteSession(ctx context.Context) error
	// CreateOAuthSession はOAuthプロバイダの認可URLを返す。ネットワーク呼び出しは行わない。
	CreateOAuthSession(ctx context.Context, provider, successURL, failureURL string) (string, error)
}

// Documents はドキュメントコレクションの操作を提供する。
type Documents interface {
	ListDocuments(ctx context.Context, collection string, queries ...Query) (*DocumentList, error)
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	CreateDocument(ctx context.Context, collection, id string, data map[string]any, permissions []string) (*Document, error)
	UpdateDocument(ctx context.Context, collection, id string, data map[string]any) (*Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
}

// Files はファイルストレージの操作を提供する。
type Files interface {
	CreateFile(ctx context.Context, bucket, id string, upload model.Upload, permissions []string) (*model.StoredFile, error)
	DeleteFile(ctx context.Context, bucket, id string) error
	// FilePreviewURL は公開プレビューURLを返す。純粋な文字列導出である。
	FilePreviewURL(bucket, id string) string
}

// Service はリモートサービス全体を表す。
type Service interface {
	Accounts
	Documents
	Files
}

// Document はコレクション内の一件のドキュメントを表す。
// Data にはシステム属性（$id など）を含まないユーザー定義フィールドだけが入る。
type Document struct {
	ID          string
	Collection  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Permissions []string
	Data        map[string]any
}

// String は文字列フィールドを返す。存在しないか文字列でない場合は空文字を返す。
func (d *Document) String(key string) string {
	if d == nil || d.Data == nil {
		return ""
	}
	if v, ok := d.Data[key].(string); ok {
		return v
	}
	return ""
}

// DocumentList はドキュメント一覧の正規エンベロープを表す。
type DocumentList struct {
	Total     int
	Documents []Document
}

// NewID は新しいドキュメントIDまたはファイルIDを生成する。
func NewID() string {
	return uuid.NewString()
}
