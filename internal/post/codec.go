package post

import (
	"github.com/hitoshi/folio/internal/model"
	"github.com/hitoshi/folio/internal/remote"
)

// ドキュメントのフィールド名
const (
	fieldTitle         = "title"
	fieldContent       = "content"
	fieldSlug          = "slug"
	fieldFeaturedImage = "featuredImage"
	fieldStatus        = "status"
	fieldAuthor        = "userID"
)

func fromDocument(doc *remote.Document) model.Post {
	return model.Post{
		ID:              doc.ID,
		Title:           doc.String(fieldTitle),
		Content:         doc.String(fieldContent),
		Slug:            doc.String(fieldSlug),
		FeaturedImageID: doc.String(fieldFeaturedImage),
		Status:          model.PostStatus(doc.String(fieldStatus)),
		AuthorID:        doc.String(fieldAuthor),
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

// imageRef は空のIDをnullとして送る。
func imageRef(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func draftData(d model.PostDraft) map[string]any {
	return map[string]any{
		fieldTitle:         d.Title,
		fieldContent:       d.Content,
		fieldSlug:          Slugify(d.Title),
		fieldFeaturedImage: imageRef(d.FeaturedImageID),
		fieldStatus:        string(d.Status),
		fieldAuthor:        d.AuthorID,
	}
}

// patchData は変更されたフィールドだけを含むデータを返す。タイトル変更時はスラッグも再計算する。
func patchData(p model.PostPatch) map[string]any {
	data := make(map[string]any)
	if p.Title != nil {
		data[fieldTitle] = *p.Title
		data[fieldSlug] = Slugify(*p.Title)
	}
	if p.Content != nil {
		data[fieldContent] = *p.Content
	}
	if p.Status != nil {
		data[fieldStatus] = string(*p.Status)
	}
	if p.FeaturedImageID != nil {
		data[fieldFeaturedImage] = imageRef(*p.FeaturedImageID)
	}
	return data
}
