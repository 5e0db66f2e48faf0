package remote

import "fmt"

// ReadAny は誰でも読み取れる権限を返す。
func ReadAny() string {
	return `read("any")`
}

// UpdateUser は指定ユーザーだけが更新できる権限を返す。
func UpdateUser(userID string) string {
	return fmt.Sprintf(`update("user:%s")`, userID)
}

// DeleteUser は指定ユーザーだけが削除できる権限を返す。
func DeleteUser(userID string) string {
	return fmt.Sprintf(`delete("user:%s")`, userID)
}

// OwnedByUser は公開読み取り・作成者のみ更新削除の権限セットを返す。
func OwnedByUser(userID string) []string {
	return []string{ReadAny(), UpdateUser(userID), DeleteUser(userID)}
}
