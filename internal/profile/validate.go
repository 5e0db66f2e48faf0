package profile

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/folio/internal/model"
)

// maxUsernameLength はユーザー名の最大文字数。
const maxUsernameLength = 64

// dateLayout は生年月日の形式。
const dateLayout = "2006-01-02"

// normalizePatch はパッチを整形して検証する。空の生年月日は削除として扱う。
func normalizePatch(op string, p model.ProfilePatch, now time.Time) (model.ProfilePatch, error) {
	if p.Empty() {
		return p, model.NewValidationError(op, model.ErrCodeMissingField, "nothing to update")
	}
	if p.Username != nil {
		username := strings.TrimSpace(*p.Username)
		if utf8.RuneCountInString(username) > maxUsernameLength {
			return p, model.NewValidationError(op, model.ErrCodeUsernameTooLong, "username must be at most 64 characters")
		}
		p.Username = &username
	}
	if p.DateOfBirth != nil {
		dob := strings.TrimSpace(*p.DateOfBirth)
		if dob != "" {
			t, err := time.Parse(dateLayout, dob)
			if err != nil {
				return p, model.NewValidationError(op, model.ErrCodeInvalidDate, "date of birth must be YYYY-MM-DD")
			}
			if t.After(now) {
				return p, model.NewValidationError(op, model.ErrCodeInvalidDate, "date of birth must not be in the future")
			}
		}
		p.DateOfBirth = &dob
	}
	return p, nil
}
