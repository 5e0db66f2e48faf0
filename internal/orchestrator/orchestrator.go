// Package orchestrator は画像アップロードとドキュメント書き込みを組み合わせた操作を提供する。
// 書き込みに失敗した場合はアップロード済みの画像を削除し、
// 「画像だけ残ってドキュメントが書かれていない」状態を残さない。
package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/folio/internal/inflight"
	"github.com/hitoshi/folio/internal/media"
	"github.com/hitoshi/folio/internal/metrics"
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// Sessions はセッションの参照と認証切れの通知を行う。
type Sessions interface {
	RequireAuthenticated(op string) (model.Session, error)
	ObserveError(err error)
}

// PostStore は記事キャッシュのうちオーケストレーターが使う操作。
type PostStore interface {
	ValidateDraft(d model.PostDraft) error
	ValidatePatch(p model.PostPatch) error
	Fetch(ctx context.Context, id string) (*model.Post, error)
	Create(ctx context.Context, draft model.PostDraft) (*model.Post, error)
	Update(ctx context.Context, id string, patch model.PostPatch) (*model.Post, error)
	Remove(ctx context.Context, id string) error
}

// ProfileStore はプロフィールキャッシュのうちオーケストレーターが使う操作。
type ProfileStore interface {
	FetchByUserID(ctx context.Context, userID string) (*model.Profile, error)
	Upsert(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error)
}

// ImageFetcher は外部URLから画像を取得する。
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (model.Upload, error)
	MaxSize() int64
}

// Outcome は操作結果を表す。Err が nil なら Value は有効。
// Warnings には操作全体の成否を変えない後始末の失敗が入る。
type Outcome[T any] struct {
	Value    *T
	Err      error
	Warnings []error
}

// OK は操作が成功したかを返す。
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// ImageSource は画像の入力元。Upload と URL のどちらか一方を指定する。
type ImageSource struct {
	Upload *model.Upload
	URL    string
}

// PostSubmission は記事フォームの送信内容。PostID が空なら新規作成。
type PostSubmission struct {
	PostID  string
	Title   string
	Content string
	Status  model.PostStatus
	// Image が指定された場合はアップロードしてアイキャッチ画像を差し替える。
	Image *ImageSource
	// RemoveImage はアイキャッチ画像の参照を外す。Image と同時には指定できない。
	RemoveImage bool
}

// Deps はOrchestratorの依存。Fetcher と Metrics は nil でもよい。
type Deps struct {
	Sessions Sessions
	Posts    PostStore
	Profiles ProfileStore
	Files    remote.Files
	Bucket   string
	Fetcher  ImageFetcher
	Metrics  metrics.MetricsCollector
	Logger   *slog.Logger
}

// Orchestrator は複合操作を順序付けて実行する。
type Orchestrator struct {
	sessions Sessions
	posts    PostStore
	profiles ProfileStore
	files    remote.Files
	bucket   string
	fetcher  ImageFetcher
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	guard    *inflight.Guard
}

// New はOrchestratorを生成する。
func New(d Deps) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	return &Orchestrator{
		sessions: d.Sessions,
		posts:    d.Posts,
		profiles: d.Profiles,
		files:    d.Files,
		bucket:   d.Bucket,
		fetcher:  d.Fetcher,
		metrics:  d.Metrics,
		logger:   d.Logger,
		guard:    inflight.NewGuard(),
	}
}

func failed[T any](err error, warnings ...error) Outcome[T] {
	return Outcome[T]{Err: err, Warnings: warnings}
}

// SubmitPost は画像のアップロード（任意）と記事の作成・更新を行う。
//  1. 入力を検証する（アップロード前）
//  2. 画像をアップロードする。失敗したら書き込みは行わない
//  3. 記事を書き込む。スラッグは書き込み時のタイトルから算出される
//  4. 書き込みに失敗したらアップロードした画像を削除する
//  5. 成功し画像を差し替えた場合は古い画像を削除する
func (o *Orchestrator) SubmitPost(ctx context.Context, sub PostSubmission) Outcome[model.Post] {
	const op = "orchestrator.submit_post"

	sess, err := o.sessions.RequireAuthenticated(op)
	if err != nil {
		return failed[model.Post](err)
	}
	if sub.Image != nil && sub.RemoveImage {
		return failed[model.Post](model.NewValidationError(op, model.ErrCodeMissingField, "image and remove image are mutually exclusive"))
	}

	creating := strings.TrimSpace(sub.PostID) == ""
	key := inflight.Key{Entity: "post", ID: sub.PostID, Op: "submit"}
	if creating {
		key = inflight.Key{Entity: "post", ID: sess.UserID, Op: "create"}
	}
	release, err := o.guard.Acquire(op, key)
	if err != nil {
		return failed[model.Post](err)
	}
	defer release()

	draft := model.PostDraft{Title: sub.Title, Content: sub.Content, Status: sub.Status, AuthorID: sess.UserID}
	patch := model.PostPatch{Title: &sub.Title, Content: &sub.Content}
	if sub.Status != "" {
		patch.Status = &sub.Status
	}
	if creating {
		err = o.posts.ValidateDraft(draft)
	} else {
		err = o.posts.ValidatePatch(patch)
	}
	if err != nil {
		return failed[model.Post](err)
	}

	var upload model.Upload
	if sub.Image != nil {
		if upload, err = o.resolveImage(ctx, op, *sub.Image); err != nil {
			return failed[model.Post](err)
		}
	}

	previousImage := ""
	if !creating && (sub.Image != nil || sub.RemoveImage) {
		prev, err := o.posts.Fetch(ctx, sub.PostID)
		if err != nil {
			return failed[model.Post](err)
		}
		previousImage = prev.FeaturedImageID
	}

	var file *model.StoredFile
	if sub.Image != nil {
		if file, err = o.upload(ctx, op, sess.UserID, upload); err != nil {
			return failed[model.Post](err)
		}
		draft.FeaturedImageID = file.ID
		patch.FeaturedImageID = &file.ID
	} else if sub.RemoveImage {
		none := ""
		patch.FeaturedImageID = &none
	}

	var p *model.Post
	if creating {
		p, err = o.posts.Create(ctx, draft)
	} else {
		p, err = o.posts.Update(ctx, sub.PostID, patch)
	}
	if err != nil {
		if file != nil {
			if werr := o.discard(ctx, op, "post_write_failed", file.ID); werr != nil {
				return failed[model.Post](err, werr)
			}
		}
		return failed[model.Post](err)
	}

	out := Outcome[model.Post]{Value: p}
	if previousImage != "" && previousImage != p.FeaturedImageID {
		if werr := o.discard(ctx, op, "replaced_image", previousImage); werr != nil {
			out.Warnings = append(out.Warnings, werr)
		}
	}
	return out
}

// SubmitAvatar はアバター画像をアップロードしてプロフィールに設定する。
// 手順は SubmitPost と同じで、失敗時はアップロードした画像を削除する。
func (o *Orchestrator) SubmitAvatar(ctx context.Context, src ImageSource) Outcome[model.Profile] {
	const op = "orchestrator.submit_avatar"

	sess, err := o.sessions.RequireAuthenticated(op)
	if err != nil {
		return failed[model.Profile](err)
	}
	release, err := o.guard.Acquire(op, inflight.Key{Entity: "profile", ID: sess.UserID, Op: "avatar"})
	if err != nil {
		return failed[model.Profile](err)
	}
	defer release()

	upload, err := o.resolveImage(ctx, op, src)
	if err != nil {
		return failed[model.Profile](err)
	}

	previousAvatar := ""
	prev, err := o.profiles.FetchByUserID(ctx, sess.UserID)
	if err != nil {
		return failed[model.Profile](err)
	}
	if prev != nil {
		previousAvatar = prev.AvatarFileID
	}

	file, err := o.upload(ctx, op, sess.UserID, upload)
	if err != nil {
		return failed[model.Profile](err)
	}

	p, err := o.profiles.Upsert(ctx, sess.UserID, model.ProfilePatch{AvatarFileID: &file.ID})
	if err != nil {
		if werr := o.discard(ctx, op, "profile_write_failed", file.ID); werr != nil {
			return failed[model.Profile](err, werr)
		}
		return failed[model.Profile](err)
	}

	out := Outcome[model.Profile]{Value: p}
	if previousAvatar != "" && previousAvatar != file.ID {
		if werr := o.discard(ctx, op, "replaced_image", previousAvatar); werr != nil {
			out.Warnings = append(out.Warnings, werr)
		}
	}
	return out
}

// DeletePost は記事を削除し、アイキャッチ画像があれば削除する。
// 画像の削除失敗は警告として返す。
func (o *Orchestrator) DeletePost(ctx context.Context, id string) Outcome[struct{}] {
	const op = "orchestrator.delete_post"

	if _, err := o.sessions.RequireAuthenticated(op); err != nil {
		return failed[struct{}](err)
	}
	if strings.TrimSpace(id) == "" {
		return failed[struct{}](model.NewValidationError(op, model.ErrCodeMissingField, "post id is required"))
	}
	release, err := o.guard.Acquire(op, inflight.Key{Entity: "post", ID: id, Op: "delete"})
	if err != nil {
		return failed[struct{}](err)
	}
	defer release()

	image := ""
	prev, err := o.posts.Fetch(ctx, id)
	switch {
	case err == nil:
		image = prev.FeaturedImageID
	case !model.IsKind(err, model.KindNotFound):
		return failed[struct{}](err)
	}

	if err := o.posts.Remove(ctx, id); err != nil {
		return failed[struct{}](err)
	}

	out := Outcome[struct{}]{Value: &struct{}{}}
	if image != "" {
		if werr := o.discard(ctx, op, "post_deleted", image); werr != nil {
			out.Warnings = append(out.Warnings, werr)
		}
	}
	return out
}

// resolveImage は入力元から画像を取り出して検証する。
func (o *Orchestrator) resolveImage(ctx context.Context, op string, src ImageSource) (model.Upload, error) {
	maxSize := int64(media.DefaultMaxSize)
	if o.fetcher != nil {
		maxSize = o.fetcher.MaxSize()
	}
	switch {
	case src.Upload != nil:
		return media.Validate(op, *src.Upload, maxSize)
	case strings.TrimSpace(src.URL) != "":
		if o.fetcher == nil {
			return model.Upload{}, model.NewValidationError(op, model.ErrCodeInvalidURL, "image URLs are not supported")
		}
		return o.fetcher.Fetch(ctx, strings.TrimSpace(src.URL))
	default:
		return model.Upload{}, model.NewValidationError(op, model.ErrCodeMissingField, "image is required")
	}
}

// upload は画像をファイルストレージに保存する。失敗は upload_failed に分類する。
func (o *Orchestrator) upload(ctx context.Context, op, userID string, u model.Upload) (*model.StoredFile, error) {
	file, err := o.files.CreateFile(ctx, o.bucket, remote.NewID(), u, remote.OwnedByUser(userID))
	if err != nil {
		o.sessions.ObserveError(err)
		e := model.WrapError(model.KindUploadFailed, op, err)
		e.Code = string(model.KindOf(err))
		o.logger.Warn("image upload failed", slog.String("op", op), slog.String("error", err.Error()))
		return nil, e
	}
	o.logger.Info("image uploaded",
		slog.String("op", op),
		slog.String("file_id", file.ID),
		slog.Int64("size", file.Size),
	)
	return file, nil
}

// discard は画像をベストエフォートで削除する。
// 呼び出し元のキャンセルに関係なく実行し、失敗は compensation_failed として返す。
func (o *Orchestrator) discard(ctx context.Context, op, reason, fileID string) error {
	err := o.files.DeleteFile(context.WithoutCancel(ctx), o.bucket, fileID)
	if model.IsKind(err, model.KindNotFound) {
		err = nil
	}
	o.metrics.RecordCompensation(reason, err == nil)
	if err == nil {
		o.logger.Info("image deleted", slog.String("op", op), slog.String("reason", reason), slog.String("file_id", fileID))
		return nil
	}
	o.sessions.ObserveError(err)
	o.logger.Error("image cleanup failed",
		slog.String("op", op),
		slog.String("reason", reason),
		slog.String("file_id", fileID),
		slog.String("error", err.Error()),
	)
	e := model.WrapError(model.KindCompensationFailed, op, err)
	e.Code = reason
	return e
}
