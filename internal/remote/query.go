package remote

import (
	"encoding/json"
	"fmt"
)

// Query はサーバー側で評価されるフィルタ・並び順・件数指定を表す。
type Query struct {
	Method    string `json:"method"`
	Attribute string `json:"attribute,omitempty"`
	Values    []any  `json:"values,omitempty"`
}

// Equal は属性値の一致条件を返す。
func Equal(attribute string, values ...any) Query {
	return Query{Method: "equal", Attribute: attribute, Values: values}
}

// OrderDesc は降順の並び順を返す。
func OrderDesc(attribute string) Query {
	return Query{Method: "orderDesc", Attribute: attribute}
}

// OrderAsc は昇順の並び順を返す。
func OrderAsc(attribute string) Query {
	return Query{Method: "orderAsc", Attribute: attribute}
}

// Limit は取得件数の上限を返す。
func Limit(n int) Query {
	return Query{Method: "limit", Values: []any{n}}
}

// Encode はクエリをリモートサービスのJSON表現にエンコードする。
func (q Query) Encode() (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("failed to encode query %s: %w", q.Method, err)
	}
	return string(b), nil
}

// 作成日時・更新日時のシステム属性名
const (
	AttrCreatedAt = "$createdAt"
	AttrUpdatedAt = "$updatedAt"
)
