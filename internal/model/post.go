package model

import "time"

// PostStatus は記事の公開状態を表す。
type PostStatus string

// 記事の公開状態
const (
	PostStatusActive   PostStatus = "active"
	PostStatusInactive PostStatus = "inactive"
)

// Valid は既知の状態かを返す。
func (s PostStatus) Valid() bool {
	return s == PostStatusActive || s == PostStatusInactive
}

// Post は投稿記事を表す。
// FeaturedImageID が空の場合はアイキャッチ画像なし。
type Post struct {
	ID              string
	Title           string
	Content         string
	Slug            string
	FeaturedImageID string
	Status          PostStatus
	AuthorID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PostDraft は新規記事の入力を表す。
type PostDraft struct {
	Title           string
	Content         string
	Status          PostStatus
	AuthorID        string
	FeaturedImageID string
}

// PostPatch は記事の部分更新を表す。nil のフィールドは変更しない。
// FeaturedImageID に空文字へのポインタを渡すと画像参照を外す。
type PostPatch struct {
	Title           *string
	Content         *string
	Status          *PostStatus
	FeaturedImageID *string
}

// Empty は変更対象が一つもないかを返す。
func (p PostPatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Status == nil && p.FeaturedImageID == nil
}
