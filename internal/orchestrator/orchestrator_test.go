package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/folio/internal/metrics"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/post"
	"github.com/hitoshi/folio/internal/profile"
	"github.com/hitoshi/folio/internal/remote/remotetest"
	"github.com/hitoshi/folio/internal/security"
	"github.com/hitoshi/folio/internal/session"
)

const (
	postsCollection    = "posts"
	profilesCollection = "profiles"
	bucket             = "images"
)

var pngData = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

// recordingMetrics は補償処理の記録だけを保持するMetricsCollector。
type recordingMetrics struct {
	metrics.Nop
	compensations []string
}

func (m *recordingMetrics) RecordCompensation(reason string, succeeded bool) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.compensations = append(m.compensations, reason+":"+result)
}

type fixture struct {
	svc       *remotetest.Service
	sessions  *session.Manager
	posts     *post.Cache
	profiles  *profile.Cache
	collector *recordingMetrics
	orch      *Orchestrator
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := remotetest.New()
	svc.AddUser("u1", "alice@example.com", "password123", "Alice")

	mgr := session.NewManager(svc, logger)
	if _, err := mgr.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	collector := &recordingMetrics{}
	posts := post.NewCache(svc, postsCollection, mgr, security.NewContentSanitizer(), collector, logger)
	profiles := profile.NewCache(svc, profilesCollection, mgr, logger)

	deps := Deps{
		Sessions: mgr,
		Posts:    posts,
		Profiles: profiles,
		Files:    svc,
		Bucket:   bucket,
		Metrics:  collector,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		svc:       svc,
		sessions:  mgr,
		posts:     posts,
		profiles:  profiles,
		collector: collector,
		orch:      New(deps),
	}
}

func pngSource() *ImageSource {
	return &ImageSource{Upload: &model.Upload{Name: "cover.png", Data: pngData}}
}

func transientErr() error {
	return model.NewError(model.KindTransient, "", "503 Service Unavailable")
}

// TestSubmitPost_CreateWithImage は画像付きの記事作成で画像が参照されることをテストする。
func TestSubmitPost_CreateWithImage(t *testing.T) {
	f := newFixture(t)

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "My First Post",
		Content: "<p>hi</p>",
		Image:   pngSource(),
	})
	if !out.OK() {
		t.Fatalf("SubmitPost error: %v", out.Err)
	}
	if out.Value.Slug != "my-first-post" || out.Value.AuthorID != "u1" {
		t.Errorf("post = %+v", out.Value)
	}
	if out.Value.FeaturedImageID == "" || !f.svc.HasFile(bucket, out.Value.FeaturedImageID) {
		t.Errorf("featured image %q was not stored", out.Value.FeaturedImageID)
	}
	if n := len(f.posts.Posts()); n != 1 {
		t.Errorf("cached posts = %d, want 1", n)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("warnings = %v", out.Warnings)
	}
}

func TestSubmitPost_CreateWithoutImage(t *testing.T) {
	f := newFixture(t)

	out := f.orch.SubmitPost(context.Background(), PostSubmission{Title: "Plain", Content: "text"})
	if !out.OK() {
		t.Fatalf("SubmitPost error: %v", out.Err)
	}
	if out.Value.FeaturedImageID != "" {
		t.Errorf("featured image = %q, want none", out.Value.FeaturedImageID)
	}
	if f.svc.Calls("storage.create") != 0 {
		t.Error("no upload expected without an image")
	}
}

// TestSubmitPost_WriteFailureCompensates は書き込み失敗時にアップロード画像が削除され、
// キャッシュが変化しないことをテストする。
func TestSubmitPost_WriteFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.svc.FailNext("documents.create", transientErr())

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "Doomed",
		Content: "text",
		Image:   pngSource(),
	})
	if !model.IsKind(out.Err, model.KindTransient) {
		t.Fatalf("error kind = %q, want transient", model.KindOf(out.Err))
	}
	if out.Value != nil {
		t.Errorf("value = %+v, want nil", out.Value)
	}
	if n := len(f.posts.Posts()); n != 0 {
		t.Errorf("cached posts = %d, want 0", n)
	}
	if f.svc.Calls("storage.delete") != 1 {
		t.Errorf("delete calls = %d, want 1", f.svc.Calls("storage.delete"))
	}
	if f.svc.FileCount(bucket) != 0 {
		t.Errorf("files = %d, want 0", f.svc.FileCount(bucket))
	}
	if len(out.Warnings) != 0 {
		t.Errorf("warnings = %v", out.Warnings)
	}
	if diff := cmp.Diff([]string{"post_write_failed:succeeded"}, f.collector.compensations); diff != "" {
		t.Errorf("compensations mismatch (-want +got):\n%s", diff)
	}
}

// TestSubmitPost_CompensationFailureKeepsPrimaryError は補償の失敗が警告になり、
// 主エラーは書き込み失敗のままであることをテストする。
func TestSubmitPost_CompensationFailureKeepsPrimaryError(t *testing.T) {
	f := newFixture(t)
	f.svc.FailNext("documents.create", model.NewError(model.KindForbidden, "", "not allowed"))
	f.svc.FailNext("storage.delete", transientErr())

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "Doomed",
		Content: "text",
		Image:   pngSource(),
	})
	if !model.IsKind(out.Err, model.KindForbidden) {
		t.Fatalf("error kind = %q, want forbidden", model.KindOf(out.Err))
	}
	if len(out.Warnings) != 1 || !model.IsKind(out.Warnings[0], model.KindCompensationFailed) {
		t.Fatalf("warnings = %v, want one compensation_failed", out.Warnings)
	}
	if n := len(f.posts.Posts()); n != 0 {
		t.Errorf("cached posts = %d, want 0", n)
	}
	if f.svc.FileCount(bucket) != 1 {
		t.Errorf("files = %d, want the orphan to remain", f.svc.FileCount(bucket))
	}
}

func TestSubmitPost_UploadFailureSkipsWrite(t *testing.T) {
	f := newFixture(t)
	f.svc.FailNext("storage.create", transientErr())

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "No Upload",
		Content: "text",
		Image:   pngSource(),
	})
	var me *model.Error
	if !errors.As(out.Err, &me) || me.Kind != model.KindUploadFailed {
		t.Fatalf("error = %v, want upload_failed", out.Err)
	}
	if me.Code != string(model.KindTransient) {
		t.Errorf("code = %q, want the cause kind", me.Code)
	}
	if f.svc.Calls("documents.create") != 0 {
		t.Error("document write must not happen after a failed upload")
	}
}

func TestSubmitPost_InvalidDraftSkipsUpload(t *testing.T) {
	f := newFixture(t)

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "  ",
		Content: "text",
		Image:   pngSource(),
	})
	if !model.IsKind(out.Err, model.KindValidation) {
		t.Fatalf("error kind = %q, want validation", model.KindOf(out.Err))
	}
	if f.svc.Calls("storage.create") != 0 {
		t.Error("invalid draft must not cost an upload")
	}
}

func TestSubmitPost_InvalidImageSkipsUpload(t *testing.T) {
	f := newFixture(t)

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "Title",
		Content: "text",
		Image:   &ImageSource{Upload: &model.Upload{Name: "x.png", Data: []byte("not an image")}},
	})
	var me *model.Error
	if !errors.As(out.Err, &me) || me.Code != model.ErrCodeImageType {
		t.Fatalf("error = %v, want unsupported_image_type", out.Err)
	}
	if f.svc.Calls("storage.create") != 0 {
		t.Error("invalid image must not be uploaded")
	}
}

func TestSubmitPost_UpdateReplacesImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.orch.SubmitPost(ctx, PostSubmission{Title: "Original", Content: "text", Image: pngSource()})
	if !created.OK() {
		t.Fatalf("create error: %v", created.Err)
	}
	oldImage := created.Value.FeaturedImageID

	updated := f.orch.SubmitPost(ctx, PostSubmission{
		PostID:  created.Value.ID,
		Title:   "Renamed Post",
		Content: "text",
		Image:   pngSource(),
	})
	if !updated.OK() {
		t.Fatalf("update error: %v", updated.Err)
	}
	if updated.Value.Slug != "renamed-post" {
		t.Errorf("slug = %q, want renamed-post", updated.Value.Slug)
	}
	newImage := updated.Value.FeaturedImageID
	if newImage == "" || newImage == oldImage {
		t.Fatalf("featured image = %q, want a new image", newImage)
	}
	if f.svc.HasFile(bucket, oldImage) {
		t.Error("replaced image should be deleted")
	}
	if !f.svc.HasFile(bucket, newImage) {
		t.Error("new image should exist")
	}
}

func TestSubmitPost_OldImageCleanupFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.orch.SubmitPost(ctx, PostSubmission{Title: "Original", Content: "text", Image: pngSource()})
	if !created.OK() {
		t.Fatalf("create error: %v", created.Err)
	}
	f.svc.FailNext("storage.delete", transientErr())

	updated := f.orch.SubmitPost(ctx, PostSubmission{
		PostID:  created.Value.ID,
		Title:   "Original",
		Content: "text",
		Image:   pngSource(),
	})
	if !updated.OK() {
		t.Fatalf("update error: %v", updated.Err)
	}
	if len(updated.Warnings) != 1 || !model.IsKind(updated.Warnings[0], model.KindCompensationFailed) {
		t.Errorf("warnings = %v", updated.Warnings)
	}
	if cached := f.posts.Posts(); len(cached) != 1 || cached[0].FeaturedImageID != updated.Value.FeaturedImageID {
		t.Errorf("cached posts = %+v", cached)
	}
}

func TestSubmitPost_RemoveImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.orch.SubmitPost(ctx, PostSubmission{Title: "Original", Content: "text", Image: pngSource()})
	if !created.OK() {
		t.Fatalf("create error: %v", created.Err)
	}

	updated := f.orch.SubmitPost(ctx, PostSubmission{
		PostID:      created.Value.ID,
		Title:       "Original",
		Content:     "text",
		RemoveImage: true,
	})
	if !updated.OK() {
		t.Fatalf("update error: %v", updated.Err)
	}
	if updated.Value.FeaturedImageID != "" {
		t.Errorf("featured image = %q, want none", updated.Value.FeaturedImageID)
	}
	if f.svc.FileCount(bucket) != 0 {
		t.Errorf("files = %d, want 0", f.svc.FileCount(bucket))
	}
}

func TestSubmitPost_ImageAndRemoveAreExclusive(t *testing.T) {
	f := newFixture(t)
	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		PostID:      "p1",
		Title:       "T",
		Content:     "c",
		Image:       pngSource(),
		RemoveImage: true,
	})
	if !model.IsKind(out.Err, model.KindValidation) {
		t.Errorf("error kind = %q, want validation", model.KindOf(out.Err))
	}
}

// cancelingPosts は書き込み中に呼び出し元がキャンセルした状況を再現する。
type cancelingPosts struct {
	*post.Cache
	cancel context.CancelFunc
}

func (c *cancelingPosts) Create(ctx context.Context, _ model.PostDraft) (*model.Post, error) {
	c.cancel()
	return nil, model.AsError("posts.create", ctx.Err())
}

func TestSubmitPost_CompensationRunsAfterCancellation(t *testing.T) {
	var wrapped *cancelingPosts
	f := newFixture(t, func(d *Deps) {
		wrapped = &cancelingPosts{Cache: d.Posts.(*post.Cache)}
		d.Posts = wrapped
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped.cancel = cancel

	out := f.orch.SubmitPost(ctx, PostSubmission{Title: "Cancelled", Content: "text", Image: pngSource()})
	if !model.IsKind(out.Err, model.KindTransient) {
		t.Fatalf("error kind = %q, want transient", model.KindOf(out.Err))
	}
	if f.svc.FileCount(bucket) != 0 {
		t.Errorf("files = %d, want the upload to be compensated", f.svc.FileCount(bucket))
	}
}

func TestSubmitPost_RequiresSession(t *testing.T) {
	f := newFixture(t)
	if err := f.sessions.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}

	out := f.orch.SubmitPost(context.Background(), PostSubmission{Title: "T", Content: "c", Image: pngSource()})
	if !model.IsKind(out.Err, model.KindUnauthenticated) {
		t.Fatalf("error kind = %q, want unauthenticated", model.KindOf(out.Err))
	}
	if f.svc.Calls("storage.create") != 0 {
		t.Error("no remote call expected while signed out")
	}
}

func TestSubmitPost_ExpiredSessionDuringUpload(t *testing.T) {
	f := newFixture(t)
	f.svc.ExpireSession()

	out := f.orch.SubmitPost(context.Background(), PostSubmission{Title: "T", Content: "c", Image: pngSource()})
	if !model.IsKind(out.Err, model.KindUploadFailed) {
		t.Fatalf("error kind = %q, want upload_failed", model.KindOf(out.Err))
	}
	if f.sessions.State() != session.StateAnonymous {
		t.Errorf("session state = %s, want anonymous", f.sessions.State())
	}
}

type mockFetcher struct {
	fetchFn func(ctx context.Context, rawURL string) (model.Upload, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, rawURL string) (model.Upload, error) {
	return m.fetchFn(ctx, rawURL)
}

func (m *mockFetcher) MaxSize() int64 { return 1024 }

func TestSubmitPost_ImageFromURL(t *testing.T) {
	var fetched string
	f := newFixture(t, func(d *Deps) {
		d.Fetcher = &mockFetcher{fetchFn: func(_ context.Context, rawURL string) (model.Upload, error) {
			fetched = rawURL
			return model.Upload{Name: "remote.png", ContentType: "image/png", Data: pngData}, nil
		}}
	})

	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "From URL",
		Content: "text",
		Image:   &ImageSource{URL: " https://cdn.example.com/remote.png "},
	})
	if !out.OK() {
		t.Fatalf("SubmitPost error: %v", out.Err)
	}
	if fetched != "https://cdn.example.com/remote.png" {
		t.Errorf("fetched URL = %q", fetched)
	}
	if !f.svc.HasFile(bucket, out.Value.FeaturedImageID) {
		t.Error("fetched image should be uploaded")
	}
}

func TestSubmitPost_ImageURLWithoutFetcher(t *testing.T) {
	f := newFixture(t)
	out := f.orch.SubmitPost(context.Background(), PostSubmission{
		Title:   "From URL",
		Content: "text",
		Image:   &ImageSource{URL: "https://cdn.example.com/remote.png"},
	})
	var me *model.Error
	if !errors.As(out.Err, &me) || me.Code != model.ErrCodeInvalidURL {
		t.Fatalf("error = %v, want invalid_url", out.Err)
	}
}

func TestSubmitAvatar_CreatesProfileAndReplacesAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.orch.SubmitAvatar(ctx, *pngSource())
	if !first.OK() {
		t.Fatalf("SubmitAvatar error: %v", first.Err)
	}
	if first.Value.UserID != "u1" || first.Value.AvatarFileID == "" {
		t.Fatalf("profile = %+v", first.Value)
	}

	second := f.orch.SubmitAvatar(ctx, *pngSource())
	if !second.OK() {
		t.Fatalf("SubmitAvatar error: %v", second.Err)
	}
	if second.Value.ID != first.Value.ID {
		t.Errorf("profile id = %q, want %q", second.Value.ID, first.Value.ID)
	}
	if f.svc.HasFile(bucket, first.Value.AvatarFileID) {
		t.Error("previous avatar should be deleted")
	}
	if f.svc.FileCount(bucket) != 1 {
		t.Errorf("files = %d, want 1", f.svc.FileCount(bucket))
	}
	if cur := f.profiles.Current(); cur == nil || cur.AvatarFileID != second.Value.AvatarFileID {
		t.Errorf("cached profile = %+v", cur)
	}
}

func TestSubmitAvatar_WriteFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.svc.FailNext("documents.create", transientErr())

	out := f.orch.SubmitAvatar(context.Background(), *pngSource())
	if !model.IsKind(out.Err, model.KindTransient) {
		t.Fatalf("error kind = %q, want transient", model.KindOf(out.Err))
	}
	if f.svc.FileCount(bucket) != 0 {
		t.Errorf("files = %d, want 0", f.svc.FileCount(bucket))
	}
	if f.profiles.Current() != nil {
		t.Error("profile cache should stay empty")
	}
}

func TestDeletePost_RemovesImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.orch.SubmitPost(ctx, PostSubmission{Title: "Bye", Content: "text", Image: pngSource()})
	if !created.OK() {
		t.Fatalf("create error: %v", created.Err)
	}

	out := f.orch.DeletePost(ctx, created.Value.ID)
	if !out.OK() {
		t.Fatalf("DeletePost error: %v", out.Err)
	}
	if n := len(f.posts.Posts()); n != 0 {
		t.Errorf("cached posts = %d, want 0", n)
	}
	if f.svc.FileCount(bucket) != 0 {
		t.Errorf("files = %d, want 0", f.svc.FileCount(bucket))
	}
}

func TestDeletePost_AlreadyDeleted(t *testing.T) {
	f := newFixture(t)
	out := f.orch.DeletePost(context.Background(), "missing")
	if !out.OK() {
		t.Fatalf("DeletePost error: %v", out.Err)
	}
	if f.svc.Calls("storage.delete") != 0 {
		t.Error("no image to delete")
	}
}
