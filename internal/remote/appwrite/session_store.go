package appwrite

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SessionStore はセッションCookieをプロセスをまたいで保持する。
type SessionStore interface {
	Load() (string, error)
	Save(cookies string) error
	Clear() error
}

// MemoryStore はプロセス内だけでセッションを保持するSessionStore。
type MemoryStore struct {
	mu      sync.Mutex
	cookies string
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies, nil
}

func (s *MemoryStore) Save(cookies string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = cookies
	return nil
}

func (s *MemoryStore) Clear() error {
	return s.Save("")
}

// FileStore はセッションCookieをファイルに保存するSessionStore。
// ファイルは所有者のみ読み書き可能なパーミッションで作成する。
type FileStore struct {
	path string
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type storedSession struct {
	Cookies string `json:"cookies"`
}

// Load は保存済みのセッションを返す。ファイルが存在しない場合は空文字を返す。
func (s *FileStore) Load() (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}
	var ss storedSession
	if err := json.Unmarshal(b, &ss); err != nil {
		return "", fmt.Errorf("failed to parse session file: %w", err)
	}
	return ss.Cookies, nil
}

// Save はセッションを保存する。
func (s *FileStore) Save(cookies string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	b, err := json.Marshal(storedSession{Cookies: cookies})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Clear は保存済みのセッションを削除する。存在しない場合も成功とする。
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
