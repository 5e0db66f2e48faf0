package profile

import (
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// ドキュメントのフィールド名
const (
	fieldUserID      = "userId"
	fieldUsername    = "username"
	fieldBio         = "bio"
	fieldDateOfBirth = "dob"
	fieldAvatar      = "avatarFileId"
)

func fromDocument(doc *remote.Document) model.Profile {
	return model.Profile{
		ID:           doc.ID,
		UserID:       doc.String(fieldUserID),
		Username:     doc.String(fieldUsername),
		Bio:          doc.String(fieldBio),
		DateOfBirth:  doc.String(fieldDateOfBirth),
		AvatarFileID: doc.String(fieldAvatar),
		UpdatedAt:    doc.UpdatedAt,
	}
}

// nullable は空文字をnullとして送る。
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// createData は新規プロフィールの全フィールドを返す。
func createData(p model.Profile) map[string]any {
	return map[string]any{
		fieldUserID:      p.UserID,
		fieldUsername:    p.Username,
		fieldBio:         p.Bio,
		fieldDateOfBirth: nullable(p.DateOfBirth),
		fieldAvatar:      nullable(p.AvatarFileID),
	}
}

// patchData は変更されたフィールドだけを含むデータを返す。
func patchData(p model.ProfilePatch) map[string]any {
	data := make(map[string]any)
	if p.Username != nil {
		data[fieldUsername] = *p.Username
	}
	if p.Bio != nil {
		data[fieldBio] = *p.Bio
	}
	if p.DateOfBirth != nil {
		data[fieldDateOfBirth] = nullable(*p.DateOfBirth)
	}
	if p.AvatarFileID != nil {
		data[fieldAvatar] = nullable(*p.AvatarFileID)
	}
	return data
}
