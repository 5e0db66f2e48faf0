package model

// StoredFile はファイルストレージ上の画像を表す。
type StoredFile struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	URL      string // 公開プレビューURL
}

// Upload はファイルストレージへ送るバイナリを表す。
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}
