package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/orchestrator"
	"github.com/hitoshi/folio/internal/post"
	"github.com/hitoshi/folio/internal/session"
)

// passwordEnv はフラグで指定されなかった場合のパスワードの読み込み元。
const passwordEnv = "FOLIO_PASSWORD"

func (a *App) newFlagSet(cmd Command) *pflag.FlagSet {
	fs := pflag.NewFlagSet(string(cmd), pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *App) parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return model.NewValidationError("cli."+fs.Name(), model.ErrCodeMissingField, err.Error())
	}
	return nil
}

// restore は未確認のセッションを一度だけ問い合わせる。
func (a *App) restore(ctx context.Context) (model.Session, error) {
	if a.sessions.State() != session.StateUnknown {
		return a.sessions.Current(), nil
	}
	return a.sessions.Restore(ctx)
}

func password(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(passwordEnv)
}

func (a *App) whoami(ctx context.Context) error {
	sess, err := a.restore(ctx)
	if err != nil {
		return err
	}
	if !sess.Status {
		fmt.Fprintln(a.stdout, "サインインしていません")
		return nil
	}
	fmt.Fprintf(a.stdout, "%s <%s> (%s)\n", sess.Name, sess.Email, sess.UserID)
	return nil
}

func (a *App) login(ctx context.Context, args []string) error {
	fs := a.newFlagSet(CommandLogin)
	email := fs.String("email", "", "メールアドレス")
	pw := fs.String("password", "", "パスワード（省略時は "+passwordEnv+"）")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	sess, err := a.sessions.SignIn(ctx, *email, password(*pw))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s としてサインインしました\n", sess.Email)
	return nil
}

func (a *App) signup(ctx context.Context, args []string) error {
	fs := a.newFlagSet(CommandSignup)
	var in model.SignUp
	var pw string
	fs.StringVar(&in.Email, "email", "", "メールアドレス")
	fs.StringVar(&pw, "password", "", "パスワード（省略時は "+passwordEnv+"）")
	fs.StringVar(&in.Name, "name", "", "表示名")
	fs.StringVar(&in.Username, "username", "", "ユーザー名")
	fs.StringVar(&in.Bio, "bio", "", "自己紹介")
	fs.StringVar(&in.DateOfBirth, "dob", "", "生年月日 (YYYY-MM-DD)")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	in.Password = password(pw)

	sess, err := a.sessions.SignUp(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "アカウントを作成し %s としてサインインしました\n", sess.Email)
	return nil
}

func (a *App) logout(ctx context.Context) error {
	if err := a.sessions.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "サインアウトしました")
	return nil
}

func (a *App) listPosts(ctx context.Context, args []string) error {
	const op = "cli.posts"
	fs := a.newFlagSet(CommandPosts)
	status := fs.String("status", string(model.PostStatusActive), "active, inactive, all")
	mine := fs.Bool("mine", false, "自分の記事だけを表示する")
	limit := fs.Int("limit", 0, "最大件数")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	filter := post.Filter{Limit: *limit}
	if *status != "all" {
		filter.Status = model.PostStatus(*status)
		if !filter.Status.Valid() {
			return model.NewValidationError(op, model.ErrCodeInvalidStatus, fmt.Sprintf("unknown status %q", *status))
		}
	}
	if *mine {
		if _, err := a.restore(ctx); err != nil {
			return err
		}
		sess, err := a.sessions.RequireAuthenticated(op)
		if err != nil {
			return err
		}
		filter.AuthorID = sess.UserID
	}

	posts, err := a.posts.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		fmt.Fprintln(a.stdout, "記事はありません")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSLUG\tTITLE")
	for _, p := range posts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Status, p.Slug, p.Title)
	}
	return tw.Flush()
}

func (a *App) showPost(ctx context.Context, args []string) error {
	const op = "cli.post"
	fs := a.newFlagSet(CommandPost)
	bySlug := fs.Bool("slug", false, "スラッグで検索する")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return model.NewValidationError(op, model.ErrCodeMissingField, "post id or slug is required")
	}

	var p *model.Post
	var err error
	if *bySlug {
		p, err = a.posts.GetBySlug(ctx, fs.Arg(0))
	} else {
		p, err = a.posts.Get(ctx, fs.Arg(0))
	}
	if err != nil {
		return err
	}
	a.printPost(*p)
	return nil
}

func (a *App) printPost(p model.Post) {
	fmt.Fprintf(a.stdout, "%s\n", p.Title)
	fmt.Fprintf(a.stdout, "id: %s\nslug: %s\nstatus: %s\nauthor: %s\n", p.ID, p.Slug, p.Status, p.AuthorID)
	if p.FeaturedImageID != "" {
		fmt.Fprintf(a.stdout, "image: %s\n", a.files.FilePreviewURL(a.bucket, p.FeaturedImageID))
	}
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(a.stdout, "updated: %s\n", p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(a.stdout, "\n%s\n", p.Content)
}

// imageFlags は画像入力用のフラグを登録する。
func imageFlags(fs *pflag.FlagSet) (path, url *string) {
	path = fs.String("image", "", "画像ファイルのパス")
	url = fs.String("image-url", "", "画像のURL")
	return path, url
}

// imageSource はフラグから画像の入力元を組み立てる。どちらも未指定なら nil を返す。
func imageSource(op, path, url string) (*orchestrator.ImageSource, error) {
	switch {
	case path != "" && url != "":
		return nil, model.NewValidationError(op, model.ErrCodeMissingField, "--image and --image-url are mutually exclusive")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, model.NewValidationError(op, model.ErrCodeMissingField, fmt.Sprintf("failed to read image: %v", err))
		}
		return &orchestrator.ImageSource{Upload: &model.Upload{Name: filepath.Base(path), Data: data}}, nil
	case url != "":
		return &orchestrator.ImageSource{URL: url}, nil
	default:
		return nil, nil
	}
}

// contentValue は --content と --content-file のどちらかから本文を読み込む。
func contentValue(op, content, file string) (string, error) {
	if file == "" {
		return content, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", model.NewValidationError(op, model.ErrCodeMissingField, fmt.Sprintf("failed to read content: %v", err))
	}
	return string(data), nil
}

func (a *App) publish(ctx context.Context, args []string) error {
	const op = "cli.publish"
	fs := a.newFlagSet(CommandPublish)
	title := fs.String("title", "", "タイトル")
	content := fs.String("content", "", "本文 (HTML)")
	contentFile := fs.String("content-file", "", "本文を読み込むファイル")
	status := fs.String("status", string(model.PostStatusActive), "active または inactive")
	imagePath, imageURL := imageFlags(fs)
	if err := a.parse(fs, args); err != nil {
		return err
	}

	body, err := contentValue(op, *content, *contentFile)
	if err != nil {
		return err
	}
	image, err := imageSource(op, *imagePath, *imageURL)
	if err != nil {
		return err
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	out := a.orch.SubmitPost(ctx, orchestrator.PostSubmission{
		Title:   *title,
		Content: body,
		Status:  model.PostStatus(*status),
		Image:   image,
	})
	a.reportWarnings(out.Warnings)
	if !out.OK() {
		return out.Err
	}
	fmt.Fprintf(a.stdout, "記事を作成しました: %s (%s)\n", out.Value.ID, out.Value.Slug)
	return nil
}

func (a *App) edit(ctx context.Context, args []string) error {
	const op = "cli.edit"
	fs := a.newFlagSet(CommandEdit)
	title := fs.String("title", "", "タイトル")
	content := fs.String("content", "", "本文 (HTML)")
	contentFile := fs.String("content-file", "", "本文を読み込むファイル")
	status := fs.String("status", "", "active または inactive")
	removeImage := fs.Bool("remove-image", false, "アイキャッチ画像を外す")
	imagePath, imageURL := imageFlags(fs)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return model.NewValidationError(op, model.ErrCodeMissingField, "post id is required")
	}

	image, err := imageSource(op, *imagePath, *imageURL)
	if err != nil {
		return err
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	// 未指定のフィールドは現在の値を送る
	current, err := a.posts.Fetch(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	sub := orchestrator.PostSubmission{
		PostID:      current.ID,
		Title:       current.Title,
		Content:     current.Content,
		Status:      current.Status,
		Image:       image,
		RemoveImage: *removeImage,
	}
	if fs.Changed("title") {
		sub.Title = *title
	}
	if fs.Changed("content") || fs.Changed("content-file") {
		if sub.Content, err = contentValue(op, *content, *contentFile); err != nil {
			return err
		}
	}
	if fs.Changed("status") {
		sub.Status = model.PostStatus(*status)
	}

	out := a.orch.SubmitPost(ctx, sub)
	a.reportWarnings(out.Warnings)
	if !out.OK() {
		return out.Err
	}
	fmt.Fprintf(a.stdout, "記事を更新しました: %s (%s)\n", out.Value.ID, out.Value.Slug)
	return nil
}

func (a *App) deletePost(ctx context.Context, args []string) error {
	const op = "cli.delete"
	fs := a.newFlagSet(CommandDelete)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return model.NewValidationError(op, model.ErrCodeMissingField, "post id is required")
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	out := a.orch.DeletePost(ctx, fs.Arg(0))
	a.reportWarnings(out.Warnings)
	if !out.OK() {
		return out.Err
	}
	fmt.Fprintf(a.stdout, "記事を削除しました: %s\n", fs.Arg(0))
	return nil
}

func (a *App) showProfile(ctx context.Context) error {
	const op = "cli.profile"
	if _, err := a.restore(ctx); err != nil {
		return err
	}
	sess, err := a.sessions.RequireAuthenticated(op)
	if err != nil {
		return err
	}
	p, err := a.profiles.FetchByUserID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if p == nil {
		fmt.Fprintln(a.stdout, "プロフィールはまだありません")
		return nil
	}
	a.printProfile(*p)
	return nil
}

func (a *App) printProfile(p model.Profile) {
	fmt.Fprintf(a.stdout, "username: %s\n", p.Username)
	if p.Bio != "" {
		fmt.Fprintf(a.stdout, "bio: %s\n", p.Bio)
	}
	if p.DateOfBirth != "" {
		fmt.Fprintf(a.stdout, "dob: %s\n", p.DateOfBirth)
	}
	if p.AvatarFileID != "" {
		fmt.Fprintf(a.stdout, "avatar: %s\n", a.files.FilePreviewURL(a.bucket, p.AvatarFileID))
	}
}

func (a *App) setProfile(ctx context.Context, args []string) error {
	const op = "cli.profile_set"
	fs := a.newFlagSet(CommandProfileSet)
	username := fs.String("username", "", "ユーザー名")
	bio := fs.String("bio", "", "自己紹介")
	dob := fs.String("dob", "", "生年月日 (YYYY-MM-DD、空文字で削除)")
	if err := a.parse(fs, args); err != nil {
		return err
	}

	var patch model.ProfilePatch
	if fs.Changed("username") {
		patch.Username = username
	}
	if fs.Changed("bio") {
		patch.Bio = bio
	}
	if fs.Changed("dob") {
		patch.DateOfBirth = dob
	}

	if _, err := a.restore(ctx); err != nil {
		return err
	}
	sess, err := a.sessions.RequireAuthenticated(op)
	if err != nil {
		return err
	}
	p, err := a.profiles.Upsert(ctx, sess.UserID, patch)
	if err != nil {
		return err
	}
	a.printProfile(*p)
	return nil
}

func (a *App) avatar(ctx context.Context, args []string) error {
	const op = "cli.avatar"
	fs := a.newFlagSet(CommandAvatar)
	imagePath, imageURL := imageFlags(fs)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	image, err := imageSource(op, *imagePath, *imageURL)
	if err != nil {
		return err
	}
	if image == nil {
		return model.NewValidationError(op, model.ErrCodeMissingField, "--image or --image-url is required")
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	out := a.orch.SubmitAvatar(ctx, *image)
	a.reportWarnings(out.Warnings)
	if !out.OK() {
		return out.Err
	}
	a.printProfile(*out.Value)
	return nil
}

// reportWarnings は後始末の失敗を表示する。操作自体の成否は変えない。
func (a *App) reportWarnings(warnings []error) {
	for _, w := range warnings {
		fmt.Fprintf(a.stderr, "warning: %s\n", strings.TrimSpace(w.Error()))
	}
}
