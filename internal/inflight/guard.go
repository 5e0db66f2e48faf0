// Package inflight は (エンティティ, 操作) 単位の二重実行防止を提供する。
package inflight

import (
	"sync"

	"github.com/hitoshi/folio/internal/model"
)

// Key は二重実行を判定する単位。
type Key struct {
	Entity string
	ID     string
	Op     string
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Entity + "." + k.Op
	}
	return k.Entity + "/" + k.ID + "." + k.Op
}

// Guard は実行中のキーを保持する。ゼロ値は使用できない。
type Guard struct {
	mu     sync.Mutex
	active map[Key]struct{}
}

// NewGuard はGuardを生成する。
func NewGuard() *Guard {
	return &Guard{active: make(map[Key]struct{})}
}

// Acquire はキーを実行中にする。既に実行中なら conflict エラーを返す。
// 戻り値の release は操作完了時に必ず呼ぶこと。
func (g *Guard) Acquire(op string, k Key) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[k]; ok {
		return nil, model.NewInFlightError(op, k.String())
	}
	g.active[k] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, k)
			g.mu.Unlock()
		})
	}, nil
}

// Active は実行中のキー数を返す。
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
