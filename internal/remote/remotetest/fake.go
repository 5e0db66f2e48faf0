// Package remotetest はテスト用のインメモリなリモートサービスを提供する。
// 障害注入、呼び出しの保留、呼び出し回数の記録ができる。
package remotetest

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

type account struct {
	user     model.User
	password string
}

type storedFile struct {
	file        model.StoredFile
	permissions []string
}

// Service は remote.Service のインメモリ実装。
// 書き込み操作にはセッションが必要で、更新・削除はドキュメントの権限に従う。
type Service struct {
	mu sync.Mutex

	accounts map[string]*account // email -> account
	current  *model.User
	tokens   map[string]string // userID -> secret

	documents map[string]map[string]*remote.Document
	unique    map[string][]string // collection -> attributes
	files     map[string]map[string]*storedFile

	failures map[string][]error
	holds    map[string]chan struct{}
	calls    map[string]int

	clock time.Time
	seq   int
}

var _ remote.Service = (*Service)(nil)

// New は空のServiceを生成する。
func New() *Service {
	return &Service{
		accounts:  make(map[string]*account),
		tokens:    make(map[string]string),
		documents: make(map[string]map[string]*remote.Document),
		unique:    make(map[string][]string),
		files:     make(map[string]map[string]*storedFile),
		failures:  make(map[string][]error),
		holds:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
		clock:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// AddUser はアカウントを登録する。
func (s *Service) AddUser(id, email, password, name string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := model.User{ID: id, Email: email, Name: name, CreatedAt: s.tick()}
	s.accounts[email] = &account{user: u, password: password}
	return u
}

// SignInAs はセッションを直接確立する。
func (s *Service) SignInAs(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.user.ID == userID {
			u := a.user
			s.current = &u
			return
		}
	}
	s.current = &model.User{ID: userID}
}

// ExpireSession はサーバー側でセッションを失効させる。
func (s *Service) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// IssueToken はOAuth完了時に払い出されるトークンを発行する。
func (s *Service) IssueToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := "secret-" + userID
	s.tokens[userID] = secret
	return secret
}

// UniqueAttribute はコレクションの属性に一意制約を設定する。
func (s *Service) UniqueAttribute(collection, attribute string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique[collection] = append(s.unique[collection], attribute)
}

// FailNext は次回の op 呼び出しで err を返すよう予約する。複数回呼ぶと順に消費される。
func (s *Service) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Hold は次の op 呼び出し（key が空でなければ対象IDも一致するもの）の応答を release まで遅らせる。
func (s *Service) Hold(op, key string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[holdKey(op, key)] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[holdKey(op, key)] == ch {
				delete(s.holds, holdKey(op, key))
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls は op の呼び出し回数を返す。
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Documents はコレクション内の全ドキュメントを作成順に返す。
func (s *Service) Documents(collection string) []remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(collection, false)
}

// SeedDocument はセッションや権限を無視してドキュメントを直接登録する。
func (s *Service) SeedDocument(collection, id string, data map[string]any, permissions []string) remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.putLocked(collection, id, data, permissions)
	return *doc
}

// HasFile はファイルが存在するかを返す。
func (s *Service) HasFile(bucket, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[bucket][id]
	return ok
}

// FileCount はバケット内のファイル数を返す。
func (s *Service) FileCount(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files[bucket])
}

func holdKey(op, key string) string {
	return op + "|" + key
}

// enter は呼び出しを記録し、障害注入を処理する。
func (s *Service) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if queue := s.failures[op]; len(queue) > 0 {
		err := queue[0]
		s.failures[op] = queue[1:]
		return model.AsError(op, err)
	}
	return nil
}

// await は保留が設定されていれば解除まで応答を遅らせる。
// 結果は呼び出し時点で確定しているため、遅れて届く古い応答を再現できる。
// 保留は最初に一致した呼び出しだけが消費する。
func (s *Service) await(ctx context.Context, op, key string) error {
	s.mu.Lock()
	k := holdKey(op, key)
	ch, ok := s.holds[k]
	if !ok {
		k = holdKey(op, "")
		ch, ok = s.holds[k]
	}
	if ok {
		delete(s.holds, k)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return model.AsError(op, ctx.Err())
	}
}

func (s *Service) tick() time.Time {
	s.seq++
	return s.clock.Add(time.Duration(s.seq) * time.Second)
}

func (s *Service) requireSessionLocked(op string) (*model.User, error) {
	if s.current == nil {
		return nil, model.NewError(model.KindUnauthenticated, op, "User (role: guests) missing scope")
	}
	return s.current, nil
}

func allowed(perms []string, action, userID string) bool {
	want := fmt.Sprintf(`%s("user:%s")`, action, userID)
	return slices.Contains(perms, want) || slices.Contains(perms, fmt.Sprintf(`%s("any")`, action))
}

// --- Accounts ---

// call は障害注入、本体の実行、応答の保留を順に行う。キャンセル済みの ctx では何もしない。
func call[T any](s *Service, ctx context.Context, op, key string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, model.AsError(op, err)
	}
	if err := s.enter(op); err != nil {
		return zero, err
	}
	s.mu.Lock()
	v, err := fn()
	s.mu.Unlock()
	if werr := s.await(ctx, op, key); werr != nil {
		return zero, werr
	}
	return v, err
}

func (s *Service) CreateAccount(ctx context.Context, userID, email, password, name string) (*model.User, error) {
	const op = "account.create"
	return call(s, ctx, op, email, func() (*model.User, error) {
		if _, ok := s.accounts[email]; ok {
			e := model.NewError(model.KindConflict, op, "A user with the same id, email, or phone already exists in this project.")
			e.Code = "user_already_exists"
			return nil, e
		}
		if len(password) < 8 {
			return nil, model.NewError(model.KindValidation, op, "Password must be at least 8 characters")
		}
		u := model.User{ID: userID, Email: email, Name: name, CreatedAt: s.tick()}
		s.accounts[email] = &account{user: u, password: password}
		return &u, nil
	})
}

func (s *Service) CreateEmailSession(ctx context.Context, email, password string) error {
	const op = "account.session.email"
	_, err := call(s, ctx, op, email, func() (struct{}, error) {
		if s.current != nil {
			e := model.NewError(model.KindConflict, op, "Creation of a session is prohibited when a session is active.")
			e.Code = "user_session_already_exists"
			return struct{}{}, e
		}
		a, ok := s.accounts[email]
		if !ok || a.password != password {
			e := model.NewError(model.KindInvalidCredentials, op, "Invalid credentials. Please check the email and password.")
			e.Code = "user_invalid_credentials"
			return struct{}{}, e
		}
		u := a.user
		s.current = &u
		return struct{}{}, nil
	})
	return err
}

func (s *Service) CreateTokenSession(ctx context.Context, userID, secret string) error {
	const op = "account.session.token"
	_, err := call(s, ctx, op, userID, func() (struct{}, error) {
		if want, ok := s.tokens[userID]; !ok || want != secret {
			return struct{}{}, model.NewError(model.KindUnauthenticated, op, "Invalid token passed in the request.")
		}
		delete(s.tokens, userID)
		for _, a := range s.accounts {
			if a.user.ID == userID {
				u := a.user
				s.current = &u
				return struct{}{}, nil
			}
		}
		s.current = &model.User{ID: userID}
		return struct{}{}, nil
	})
	return err
}

func (s *Service) CurrentUser(ctx context.Context) (*model.User, error) {
	u, err := call(s, ctx, "account.get", "", func() (*model.User, error) {
		if s.current == nil {
			return nil, nil
		}
		u := *s.current
		return &u, nil
	})
	if model.IsKind(err, model.KindUnauthenticated) {
		return nil, nil
	}
	return u, err
}

func (s *Service) DeleteSession(ctx context.Context) error {
	const op = "account.session.delete"
	_, err := call(s, ctx, op, "", func() (struct{}, error) {
		if s.current == nil {
			e := model.NewError(model.KindUnauthenticated, op, "User (role: guests) missing scope (account)")
			e.Code = "general_unauthorized_scope"
			return struct{}{}, e
		}
		s.current = nil
		return struct{}{}, nil
	})
	return err
}

func (s *Service) CreateOAuthSession(_ context.Context, provider, successURL, failureURL string) (string, error) {
	q := url.Values{}
	q.Set("success", successURL)
	q.Set("failure", failureURL)
	return "https://remote.test/v1/account/tokens/oauth2/" + provider + "?" + q.Encode(), nil
}

// --- Documents ---

func (s *Service) putLocked(collection, id string, data map[string]any, permissions []string) *remote.Document {
	if s.documents[collection] == nil {
		s.documents[collection] = make(map[string]*remote.Document)
	}
	now := s.tick()
	doc := &remote.Document{
		ID:          id,
		Collection:  collection,
		CreatedAt:   now,
		UpdatedAt:   now,
		Permissions: slices.Clone(permissions),
		Data:        cloneData(data),
	}
	s.documents[collection][id] = doc
	return doc
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func copyDoc(d *remote.Document) *remote.Document {
	cp := *d
	cp.Data = cloneData(d.Data)
	cp.Permissions = slices.Clone(d.Permissions)
	return &cp
}

func (s *Service) sortedLocked(collection string, desc bool) []remote.Document {
	docs := make([]remote.Document, 0, len(s.documents[collection]))
	for _, d := range s.documents[collection] {
		docs = append(docs, *copyDoc(d))
	}
	slices.SortFunc(docs, func(a, b remote.Document) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if desc {
			return -c
		}
		return c
	})
	return docs
}

func matches(d remote.Document, filters []remote.Query) bool {
	for _, f := range filters {
		v := d.Data[f.Attribute]
		if f.Attribute == "$id" {
			v = d.ID
		}
		if !slices.ContainsFunc(f.Values, func(want any) bool { return fmt.Sprint(want) == fmt.Sprint(v) }) {
			return false
		}
	}
	return true
}

func (s *Service) ListDocuments(ctx context.Context, collection string, queries ...remote.Query) (*remote.DocumentList, error) {
	const op = "documents.list"
	return call(s, ctx, op, collection, func() (*remote.DocumentList, error) {
		desc := false
		limit := -1
		var filters []remote.Query
		for _, q := range queries {
			switch q.Method {
			case "equal":
				filters = append(filters, q)
			case "orderDesc":
				desc = true
			case "orderAsc":
				desc = false
			case "limit":
				if len(q.Values) == 1 {
					if n, ok := q.Values[0].(int); ok {
						limit = n
					}
				}
			default:
				return nil, model.NewError(model.KindValidation, op, "unsupported query method: "+q.Method)
			}
		}

		var matched []remote.Document
		for _, d := range s.sortedLocked(collection, desc) {
			if matches(d, filters) {
				matched = append(matched, d)
			}
		}
		total := len(matched)
		if limit >= 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		return &remote.DocumentList{Total: total, Documents: matched}, nil
	})
}

func (s *Service) GetDocument(ctx context.Context, collection, id string) (*remote.Document, error) {
	const op = "documents.get"
	return call(s, ctx, op, id, func() (*remote.Document, error) {
		d, ok := s.documents[collection][id]
		if !ok {
			e := model.NewError(model.KindNotFound, op, "Document with the requested ID could not be found.")
			e.Code = "document_not_found"
			return nil, e
		}
		return copyDoc(d), nil
	})
}

func (s *Service) CreateDocument(ctx context.Context, collection, id string, data map[string]any, permissions []string) (*remote.Document, error) {
	const op = "documents.create"
	return call(s, ctx, op, id, func() (*remote.Document, error) {
		if _, err := s.requireSessionLocked(op); err != nil {
			return nil, err
		}
		if _, ok := s.documents[collection][id]; ok {
			e := model.NewError(model.KindConflict, op, "Document with the requested ID already exists.")
			e.Code = "document_already_exists"
			return nil, e
		}
		for _, attr := range s.unique[collection] {
			for _, d := range s.documents[collection] {
				if fmt.Sprint(d.Data[attr]) == fmt.Sprint(data[attr]) {
					e := model.NewError(model.KindConflict, op, "Document with the requested unique attribute already exists.")
					e.Code = "document_already_exists"
					return nil, e
				}
			}
		}
		return copyDoc(s.putLocked(collection, id, data, permissions)), nil
	})
}

func (s *Service) UpdateDocument(ctx context.Context, collection, id string, data map[string]any) (*remote.Document, error) {
	const op = "documents.update"
	return call(s, ctx, op, id, func() (*remote.Document, error) {
		user, err := s.requireSessionLocked(op)
		if err != nil {
			return nil, err
		}
		d, ok := s.documents[collection][id]
		if !ok {
			return nil, model.NewError(model.KindNotFound, op, "Document with the requested ID could not be found.")
		}
		if !allowed(d.Permissions, "update", user.ID) {
			e := model.NewError(model.KindForbidden, op, "The current user is not authorized to perform the requested action.")
			e.Code = "user_unauthorized"
			return nil, e
		}
		for k, v := range data {
			d.Data[k] = v
		}
		d.UpdatedAt = s.tick()
		return copyDoc(d), nil
	})
}

func (s *Service) DeleteDocument(ctx context.Context, collection, id string) error {
	const op = "documents.delete"
	_, err := call(s, ctx, op, id, func() (struct{}, error) {
		user, err := s.requireSessionLocked(op)
		if err != nil {
			return struct{}{}, err
		}
		d, ok := s.documents[collection][id]
		if !ok {
			return struct{}{}, model.NewError(model.KindNotFound, op, "Document with the requested ID could not be found.")
		}
		if !allowed(d.Permissions, "delete", user.ID) {
			return struct{}{}, model.NewError(model.KindForbidden, op, "The current user is not authorized to perform the requested action.")
		}
		delete(s.documents[collection], id)
		return struct{}{}, nil
	})
	return err
}

// --- Files ---

func (s *Service) CreateFile(ctx context.Context, bucket, id string, upload model.Upload, permissions []string) (*model.StoredFile, error) {
	const op = "storage.create"
	return call(s, ctx, op, id, func() (*model.StoredFile, error) {
		if _, err := s.requireSessionLocked(op); err != nil {
			return nil, err
		}
		if s.files[bucket] == nil {
			s.files[bucket] = make(map[string]*storedFile)
		}
		if _, ok := s.files[bucket][id]; ok {
			return nil, model.NewError(model.KindConflict, op, "A storage file with the requested ID already exists.")
		}
		f := model.StoredFile{
			ID:       id,
			Name:     upload.Name,
			MimeType: upload.ContentType,
			Size:     int64(len(upload.Data)),
			URL:      s.FilePreviewURL(bucket, id),
		}
		s.files[bucket][id] = &storedFile{file: f, permissions: slices.Clone(permissions)}
		return &f, nil
	})
}

func (s *Service) DeleteFile(ctx context.Context, bucket, id string) error {
	const op = "storage.delete"
	_, err := call(s, ctx, op, id, func() (struct{}, error) {
		user, err := s.requireSessionLocked(op)
		if err != nil {
			return struct{}{}, err
		}
		f, ok := s.files[bucket][id]
		if !ok {
			return struct{}{}, model.NewError(model.KindNotFound, op, "The requested file could not be found.")
		}
		if !allowed(f.permissions, "delete", user.ID) {
			return struct{}{}, model.NewError(model.KindForbidden, op, "The current user is not authorized to perform the requested action.")
		}
		delete(s.files[bucket], id)
		return struct{}{}, nil
	})
	return err
}

func (s *Service) FilePreviewURL(bucket, id string) string {
	if id == "" {
		return ""
	}
	return "https://remote.test/v1/storage/buckets/" + bucket + "/files/" + id + "/view"
}
