// Package post は投稿記事のインメモリキャッシュを提供する。
// 一覧と「現在の記事」スロットを独立して管理し、リモートの応答が確定してから反映する。
package post

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hitoshi/folio/internal/inflight"
	"github.com/hitoshi/folio/internal/metrics"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
	"github.com/hitoshi/folio/internal/security"
)

// AuthWatcher はリモート呼び出しのエラーを受け取り、認証切れに反応する。
type AuthWatcher interface {
	ObserveError(err error)
}

type noopWatcher struct{}

func (noopWatcher) ObserveError(error) {}

// Filter はサーバー側で評価する一覧の絞り込み条件。
type Filter struct {
	Status   model.PostStatus
	AuthorID string
	Limit    int
}

// ActiveFilter は公開中の記事を対象にする条件を返す。
func ActiveFilter() Filter {
	return Filter{Status: model.PostStatusActive}
}

// Matches は記事が条件に一致するかを返す。
func (f Filter) Matches(p model.Post) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.AuthorID != "" && p.AuthorID != f.AuthorID {
		return false
	}
	return true
}

func (f Filter) queries() []remote.Query {
	var qs []remote.Query
	if f.Status != "" {
		qs = append(qs, remote.Equal(fieldStatus, string(f.Status)))
	}
	if f.AuthorID != "" {
		qs = append(qs, remote.Equal(fieldAuthor, f.AuthorID))
	}
	qs = append(qs, remote.OrderDesc(remote.AttrCreatedAt))
	if f.Limit > 0 {
		qs = append(qs, remote.Limit(f.Limit))
	}
	return qs
}

type mutationKind int

const (
	mutationCreated mutationKind = iota
	mutationUpdated
	mutationRemoved
)

// mutation は一覧取得中に確定したローカル変更。取得結果の反映時に再適用する。
type mutation struct {
	kind mutationKind
	post model.Post
}

// Cache は投稿記事のキャッシュ。
type Cache struct {
	docs       remote.Documents
	collection string
	auth       AuthWatcher
	sanitizer  security.ContentSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	guard      *inflight.Guard

	mu          sync.Mutex
	posts       []model.Post
	filter      Filter
	loaded      bool
	listGen     uint64
	listPending bool
	journal     []mutation
	current     *model.Post
	currentID   string
	currentGen  uint64

	// currentJournal は currentPending の間に確定した更新・削除。応答の反映時に記事IDで照合する。
	currentPending bool
	currentJournal map[string]mutation
}

// NewCache はCacheを生成する。auth と collector は nil でもよい。
func NewCache(docs remote.Documents, collection string, auth AuthWatcher, sanitizer security.ContentSanitizer, collector metrics.MetricsCollector, logger *slog.Logger) *Cache {
	if auth == nil {
		auth = noopWatcher{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Cache{
		docs:       docs,
		collection: collection,
		auth:       auth,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		guard:      inflight.NewGuard(),
	}
}

// fail はエラーを分類し、認証切れをセッションに通知してから返す。ロックを保持して呼ばないこと。
func (c *Cache) fail(op string, err error) error {
	e := model.AsError(op, err)
	c.auth.ObserveError(e)
	return e
}

// Posts はキャッシュ済みの一覧のコピーを返す。
func (c *Cache) Posts() []model.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.posts)
}

// Loaded は一覧を一度でも取得済みかを返す。
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Current は現在の記事スロットのコピーを返す。空なら nil。
func (c *Cache) Current() *model.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	p := *c.current
	return &p
}

// ClearCurrent は現在の記事スロットを空にし、取得中の応答による書き込みを無効にする。
func (c *Cache) ClearCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentGen++
	c.current = nil
	c.currentID = ""
	c.currentPending = false
	c.currentJournal = nil
}

// List は条件に一致する記事を新しい順に取得し、一覧をまるごと置き換える。
// 後から発行された List がある場合、この応答は一覧に反映せず呼び出し元にだけ返す。
// 取得中に確定した作成・更新・削除は、反映時に取得結果へ再適用する。
func (c *Cache) List(ctx context.Context, filter Filter) ([]model.Post, error) {
	const op = "posts.list"

	c.mu.Lock()
	c.listGen++
	gen := c.listGen
	c.listPending = true
	c.journal = nil
	c.mu.Unlock()

	list, err := c.docs.ListDocuments(ctx, c.collection, filter.queries()...)

	c.mu.Lock()
	stale := gen != c.listGen
	if !stale {
		c.listPending = false
		if err != nil {
			c.journal = nil
		}
	}
	var snapshot []model.Post
	if err == nil {
		snapshot = make([]model.Post, 0, len(list.Documents))
		seen := make(map[string]bool, len(list.Documents))
		for i := range list.Documents {
			p := fromDocument(&list.Documents[i])
			if seen[p.ID] || !filter.Matches(p) {
				continue
			}
			seen[p.ID] = true
			snapshot = append(snapshot, p)
		}
		if !stale {
			for _, m := range c.journal {
				snapshot = replay(snapshot, filter, m)
			}
			c.journal = nil
			c.posts = snapshot
			c.filter = filter
			c.loaded = true
			snapshot = slices.Clone(snapshot)
		}
	}
	c.mu.Unlock()

	if stale {
		c.metrics.RecordStaleResponse("list")
		c.logger.Debug("dropped stale list response", slog.Uint64("generation", gen))
	}
	if err != nil {
		return nil, c.fail(op, err)
	}
	return snapshot, nil
}

// replay は確定済みのローカル変更を一覧に適用する。
func replay(posts []model.Post, filter Filter, m mutation) []model.Post {
	idx := slices.IndexFunc(posts, func(p model.Post) bool { return p.ID == m.post.ID })
	switch m.kind {
	case mutationCreated:
		if idx < 0 && filter.Matches(m.post) {
			return append([]model.Post{m.post}, posts...)
		}
	case mutationUpdated:
		if idx >= 0 {
			if !filter.Matches(m.post) {
				return slices.Delete(posts, idx, idx+1)
			}
			posts[idx] = m.post
		}
	case mutationRemoved:
		if idx >= 0 {
			return slices.Delete(posts, idx, idx+1)
		}
	}
	return posts
}

// applyLocked はローカル変更を一覧に適用し、一覧取得中であれば記録しておく。
func (c *Cache) applyLocked(m mutation) {
	c.posts = replay(c.posts, c.filter, m)
	if c.listPending {
		c.journal = append(c.journal, m)
	}
}

// noteCurrentLocked はスラッグ取得など対象IDが未確定の取得中に確定した変更を記録する。
func (c *Cache) noteCurrentLocked(m mutation) {
	if c.currentJournal == nil {
		c.currentJournal = make(map[string]mutation)
	}
	c.currentJournal[m.post.ID] = m
}

// Get は記事を取得して現在の記事スロットに入れる。
// スロットは取得開始時に空になり、後から別の取得が始まった場合この応答は反映されない。
func (c *Cache) Get(ctx context.Context, id string) (*model.Post, error) {
	return c.loadCurrent(ctx, "posts.get", id, func(ctx context.Context) (*remote.Document, error) {
		return c.docs.GetDocument(ctx, c.collection, id)
	})
}

// GetBySlug はスラッグで記事を取得して現在の記事スロットに入れる。
func (c *Cache) GetBySlug(ctx context.Context, slug string) (*model.Post, error) {
	const op = "posts.get_by_slug"
	return c.loadCurrent(ctx, op, "slug:"+slug, func(ctx context.Context) (*remote.Document, error) {
		list, err := c.docs.ListDocuments(ctx, c.collection, remote.Equal(fieldSlug, slug), remote.Limit(1))
		if err != nil {
			return nil, err
		}
		if len(list.Documents) == 0 {
			return nil, model.NewError(model.KindNotFound, op, "no post with slug "+slug)
		}
		return &list.Documents[0], nil
	})
}

func (c *Cache) loadCurrent(ctx context.Context, op, key string, fetch func(context.Context) (*remote.Document, error)) (*model.Post, error) {
	c.mu.Lock()
	c.currentGen++
	gen := c.currentGen
	c.current = nil
	c.currentID = key
	c.currentPending = true
	c.currentJournal = nil
	c.mu.Unlock()

	doc, err := fetch(ctx)

	var p model.Post
	if err == nil {
		p = fromDocument(doc)
	}
	c.mu.Lock()
	stale := gen != c.currentGen
	if !stale {
		if err == nil {
			if m, ok := c.currentJournal[p.ID]; ok {
				switch m.kind {
				case mutationUpdated:
					p = m.post
				case mutationRemoved:
					err = model.NewError(model.KindNotFound, op, "post was removed while loading")
				}
			}
		}
		if err == nil {
			cp := p
			c.current = &cp
			c.currentID = p.ID
		}
		c.currentPending = false
		c.currentJournal = nil
	}
	c.mu.Unlock()

	if stale {
		c.metrics.RecordStaleResponse("current")
		c.logger.Debug("dropped stale post response", slog.String("key", key))
	}
	if err != nil {
		return nil, c.fail(op, err)
	}
	return &p, nil
}

// Fetch はキャッシュに触れずに記事を取得する。
func (c *Cache) Fetch(ctx context.Context, id string) (*model.Post, error) {
	doc, err := c.docs.GetDocument(ctx, c.collection, id)
	if err != nil {
		return nil, c.fail("posts.fetch", err)
	}
	p := fromDocument(doc)
	return &p, nil
}

// Create は記事を作成する。成功した場合のみ一覧の先頭に追加する。
// 権限は公開読み取り、更新と削除は作成者のみ。
func (c *Cache) Create(ctx context.Context, draft model.PostDraft) (*model.Post, error) {
	const op = "posts.create"
	release, err := c.guard.Acquire(op, inflight.Key{Entity: "post", ID: draft.AuthorID, Op: "create"})
	if err != nil {
		return nil, err
	}
	defer release()

	draft, err = c.normalizeDraft(op, draft)
	if err != nil {
		return nil, err
	}

	doc, err := c.docs.CreateDocument(ctx, c.collection, remote.NewID(), draftData(draft), remote.OwnedByUser(draft.AuthorID))
	if err != nil {
		return nil, c.fail(op, err)
	}
	p := fromDocument(doc)

	c.mu.Lock()
	c.applyLocked(mutation{kind: mutationCreated, post: p})
	c.mu.Unlock()

	c.logger.Info("post created", slog.String("post_id", p.ID), slog.String("slug", p.Slug))
	return &p, nil
}

// Update は記事を部分更新する。成功した場合のみ一覧と現在の記事スロットを置き換える。
// タイトルを変更した場合はスラッグも再計算する。
func (c *Cache) Update(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error) {
	const op = "posts.update"
	if strings.TrimSpace(id) == "" {
		return nil, model.NewValidationError(op, model.ErrCodeMissingField, "post id is required")
	}
	release, err := c.guard.Acquire(op, inflight.Key{Entity: "post", ID: id, Op: "update"})
	if err != nil {
		return nil, err
	}
	defer release()

	patch, err = c.normalizePatch(op, patch)
	if err != nil {
		return nil, err
	}

	doc, err := c.docs.UpdateDocument(ctx, c.collection, id, patchData(patch))
	if err != nil {
		return nil, c.fail(op, err)
	}
	p := fromDocument(doc)

	c.mu.Lock()
	c.applyLocked(mutation{kind: mutationUpdated, post: p})
	if c.currentID == id {
		// 取得中の古い応答で上書きされないよう世代を進める
		c.currentGen++
		cp := p
		c.current = &cp
	} else if c.currentPending {
		c.noteCurrentLocked(mutation{kind: mutationUpdated, post: p})
	}
	c.mu.Unlock()

	c.logger.Info("post updated", slog.String("post_id", p.ID))
	return &p, nil
}

// Remove は記事を削除する。既に削除済みの場合も成功とする。
func (c *Cache) Remove(ctx context.Context, id string) error {
	const op = "posts.remove"
	if strings.TrimSpace(id) == "" {
		return model.NewValidationError(op, model.ErrCodeMissingField, "post id is required")
	}
	release, err := c.guard.Acquire(op, inflight.Key{Entity: "post", ID: id, Op: "remove"})
	if err != nil {
		return err
	}
	defer release()

	if err := c.docs.DeleteDocument(ctx, c.collection, id); err != nil && !model.IsKind(err, model.KindNotFound) {
		return c.fail(op, err)
	}

	c.mu.Lock()
	c.applyLocked(mutation{kind: mutationRemoved, post: model.Post{ID: id}})
	if c.currentID == id {
		c.currentGen++
		c.current = nil
	} else if c.currentPending {
		c.noteCurrentLocked(mutation{kind: mutationRemoved, post: model.Post{ID: id}})
	}
	c.mu.Unlock()

	c.logger.Info("post removed", slog.String("post_id", id))
	return nil
}
