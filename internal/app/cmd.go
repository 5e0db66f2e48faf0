package app

import (
	"fmt"
	"io"
)

// Command はCLIのサブコマンドを表す。
type Command string

const (
	// CommandWhoami は現在のセッションを表示する。
	CommandWhoami Command = "whoami"
	// CommandLogin はメールアドレスとパスワードでサインインする。
	CommandLogin Command = "login"
	// CommandLoginOAuth はブラウザ経由のOAuthでサインインする。
	CommandLoginOAuth Command = "login-oauth"
	// CommandSignup はアカウントを作成してサインインする。
	CommandSignup Command = "signup"
	// CommandLogout はサインアウトする。
	CommandLogout Command = "logout"
	// CommandPosts は記事一覧を表示する。
	CommandPosts Command = "posts"
	// CommandPost は記事を1件表示する。
	CommandPost Command = "post"
	// CommandPublish は記事を作成する。
	CommandPublish Command = "publish"
	// CommandEdit は記事を更新する。
	CommandEdit Command = "edit"
	// CommandDelete は記事を削除する。
	CommandDelete Command = "delete"
	// CommandProfile は自分のプロフィールを表示する。
	CommandProfile Command = "profile"
	// CommandProfileSet はプロフィールを更新する。
	CommandProfileSet Command = "profile-set"
	// CommandAvatar はアバター画像を設定する。
	CommandAvatar Command = "avatar"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commands = []struct {
	cmd   Command
	usage string
}{
	{CommandWhoami, "現在のセッションを表示する"},
	{CommandLogin, "--email ADDR [--password PW] でサインインする"},
	{CommandLoginOAuth, "[--provider NAME] [--timeout D] ブラウザでOAuthサインインする"},
	{CommandSignup, "--email ADDR --name NAME [--password PW] [--username U] [--bio B] [--dob YYYY-MM-DD]"},
	{CommandLogout, "サインアウトする"},
	{CommandPosts, "[--status active|inactive|all] [--mine] [--limit N] 記事一覧"},
	{CommandPost, "[--slug] ID|SLUG 記事を表示する"},
	{CommandPublish, "--title T --content C [--status S] [--image PATH | --image-url URL]"},
	{CommandEdit, "ID [--title T] [--content C] [--status S] [--image PATH | --image-url URL | --remove-image]"},
	{CommandDelete, "ID 記事とアイキャッチ画像を削除する"},
	{CommandProfile, "自分のプロフィールを表示する"},
	{CommandProfileSet, "[--username U] [--bio B] [--dob YYYY-MM-DD]"},
	{CommandAvatar, "--image PATH | --image-url URL"},
}

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を取り出す。
// 引数が空またはサポート外のコマンドの場合はCommandHelpを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandHelp, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, args[1:]
		}
	}
	return CommandHelp, nil
}

// PrintUsage はサブコマンドの一覧を書き込む。
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: folio <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.usage)
	}
}
