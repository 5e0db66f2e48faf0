package model

import "time"

// User はリモートサービスのアカウントを表す。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Session は現在のユーザーの認証状態を表す。
// Status が true のときに限り UserID が空でない。
type Session struct {
	Status bool
	UserID string
	Name   string
	Email  string
}

// NewSession はユーザーから認証済みセッションを生成する。
// user が nil の場合は未認証セッションを返す。
func NewSession(user *User) Session {
	if user == nil || user.ID == "" {
		return AnonymousSession()
	}
	return Session{Status: true, UserID: user.ID, Name: user.Name, Email: user.Email}
}

// AnonymousSession は未認証セッションを返す。
func AnonymousSession() Session {
	return Session{}
}

// SignUp はアカウント作成の入力を表す。
type SignUp struct {
	Email       string
	Password    string
	Name        string
	Username    string
	Bio         string
	DateOfBirth string
}
