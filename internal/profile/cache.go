// Package profile はサインイン中ユーザーのプロフィールをキャッシュする。
// プロフィールはユーザーIDで参照し、存在しない状態もエラーではなく正常な状態として扱う。
package profile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/folio/internal/inflight"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// maxUpsertAttempts は作成と更新の競合時に再試行する上限回数。
const maxUpsertAttempts = 3

// AuthWatcher はリモート呼び出しのエラーを受け取り、認証切れに反応する。
type AuthWatcher interface {
	ObserveError(err error)
}

type noopWatcher struct{}

func (noopWatcher) ObserveError(error) {}

// Cache はプロフィールのキャッシュ。
type Cache struct {
	docs       remote.Documents
	collection string
	auth       AuthWatcher
	logger     *slog.Logger
	guard      *inflight.Guard
	now        func() time.Time

	mu         sync.Mutex
	current    *model.Profile
	currentFor string
	gen        uint64
}

// NewCache はCacheを生成する。auth は nil でもよい。
func NewCache(docs remote.Documents, collection string, auth AuthWatcher, logger *slog.Logger) *Cache {
	if auth == nil {
		auth = noopWatcher{}
	}
	return &Cache{
		docs:       docs,
		collection: collection,
		auth:       auth,
		logger:     logger,
		guard:      inflight.NewGuard(),
		now:        time.Now,
	}
}

func (c *Cache) fail(op string, err error) error {
	e := model.AsError(op, err)
	c.auth.ObserveError(e)
	return e
}

// Current はキャッシュ済みのプロフィールのコピーを返す。未取得または存在しない場合は nil。
func (c *Cache) Current() *model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	p := *c.current
	return &p
}

// Reset はキャッシュを空にし、取得中の応答による書き込みを無効にする。
// セッションが匿名に遷移したときに呼ばれる。
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.current = nil
	c.currentFor = ""
}

// store は世代が一致する場合だけキャッシュを置き換える。
func (c *Cache) store(gen uint64, userID string, p *model.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.logger.Debug("dropped stale profile response", slog.String("user_id", userID))
		return
	}
	c.currentFor = userID
	if p == nil {
		c.current = nil
		return
	}
	cp := *p
	c.current = &cp
}

func (c *Cache) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

// lookup はユーザーIDでプロフィールを検索する。存在しない場合は nil, nil を返す。
// 重複がある場合は最も古いものを採用する。
func (c *Cache) lookup(ctx context.Context, userID string) (*model.Profile, error) {
	list, err := c.docs.ListDocuments(ctx, c.collection,
		remote.Equal(fieldUserID, userID),
		remote.OrderAsc(remote.AttrCreatedAt),
	)
	if err != nil {
		return nil, err
	}
	if len(list.Documents) == 0 {
		return nil, nil
	}
	if len(list.Documents) > 1 {
		c.logger.Warn("duplicate profiles found, using the oldest",
			slog.String("user_id", userID),
			slog.Int("count", len(list.Documents)),
		)
	}
	p := fromDocument(&list.Documents[0])
	return &p, nil
}

// FetchByUserID はプロフィールを取得してキャッシュする。存在しない場合は nil, nil を返す。
func (c *Cache) FetchByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	const op = "profiles.fetch"
	if strings.TrimSpace(userID) == "" {
		return nil, model.NewValidationError(op, model.ErrCodeMissingField, "user id is required")
	}
	gen := c.begin()
	p, err := c.lookup(ctx, userID)
	if err != nil {
		return nil, c.fail(op, err)
	}
	c.store(gen, userID, p)
	return p, nil
}

// Upsert はプロフィールを部分更新し、存在しなければ作成する。
// 新規作成時のドキュメントIDはユーザーIDとし、同時作成の競合は更新として再試行する。
func (c *Cache) Upsert(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	const op = "profiles.upsert"
	if strings.TrimSpace(userID) == "" {
		return nil, model.NewValidationError(op, model.ErrCodeMissingField, "user id is required")
	}
	patch, err := normalizePatch(op, patch, c.now())
	if err != nil {
		return nil, err
	}
	release, err := c.guard.Acquire(op, inflight.Key{Entity: "profile", ID: userID, Op: "upsert"})
	if err != nil {
		return nil, err
	}
	defer release()

	gen := c.begin()
	p, err := c.upsert(ctx, op, userID, patch)
	if err != nil {
		return nil, c.fail(op, err)
	}
	c.store(gen, userID, p)
	c.logger.Info("profile saved", slog.String("user_id", userID), slog.String("profile_id", p.ID))
	return p, nil
}

func (c *Cache) upsert(ctx context.Context, op, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		existing, err := c.lookup(ctx, userID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			base := patch.Apply(model.Profile{UserID: userID})
			doc, err := c.docs.CreateDocument(ctx, c.collection, userID, createData(base), remote.OwnedByUser(userID))
			if err == nil {
				p := fromDocument(doc)
				return &p, nil
			}
			if !model.IsKind(err, model.KindConflict) {
				return nil, err
			}
			c.logger.Debug("profile created concurrently, retrying as update",
				slog.String("user_id", userID), slog.Int("attempt", attempt))
			lastErr = err
			continue
		}

		doc, err := c.docs.UpdateDocument(ctx, c.collection, existing.ID, patchData(patch))
		if err == nil {
			p := fromDocument(doc)
			return &p, nil
		}
		if !model.IsKind(err, model.KindNotFound) {
			return nil, err
		}
		c.logger.Debug("profile removed concurrently, retrying as create",
			slog.String("user_id", userID), slog.Int("attempt", attempt))
		lastErr = err
	}
	e := model.WrapError(model.KindConflict, op, lastErr)
	e.Message = "profile changed concurrently, retries exhausted"
	return nil, e
}

// Ensure はプロフィールが存在しなければ seed の内容で作成し、存在すればそれを返す。
func (c *Cache) Ensure(ctx context.Context, userID string, seed model.ProfilePatch) (*model.Profile, error) {
	const op = "profiles.ensure"
	p, err := c.FetchByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	if seed.Empty() {
		empty := ""
		seed.Bio = &empty
	}
	p, err = c.Upsert(ctx, userID, seed)
	if err != nil {
		return nil, model.AsError(op, err)
	}
	return p, nil
}
