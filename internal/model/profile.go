package model

import "time"

// Profile はユーザーごとに高々一つ存在するプロフィールを表す。
// ID はリモート上のドキュメントID、参照は UserID で行う。
type Profile struct {
	ID           string
	UserID       string
	Username     string
	Bio          string
	DateOfBirth  string
	AvatarFileID string
	UpdatedAt    time.Time
}

// ProfilePatch はプロフィールの部分更新を表す。nil のフィールドは既存値を保持する。
type ProfilePatch struct {
	Username     *string
	Bio          *string
	DateOfBirth  *string
	AvatarFileID *string
}

// Empty は変更対象が一つもないかを返す。
func (p ProfilePatch) Empty() bool {
	return p.Username == nil && p.Bio == nil && p.DateOfBirth == nil && p.AvatarFileID == nil
}

// Apply はパッチを適用したプロフィールのコピーを返す。
func (p ProfilePatch) Apply(base Profile) Profile {
	if p.Username != nil {
		base.Username = *p.Username
	}
	if p.Bio != nil {
		base.Bio = *p.Bio
	}
	if p.DateOfBirth != nil {
		base.DateOfBirth = *p.DateOfBirth
	}
	if p.AvatarFileID != nil {
		base.AvatarFileID = *p.AvatarFileID
	}
	return base
}
