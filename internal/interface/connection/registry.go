// Package connection は処理中のクライアント接続を管理する.
package connection

import (
	"net"
	"sync"
)

// Registry は処理中の接続を追跡する.
// シャットダウンの猶予が切れたとき、残っている接続をまとめて
// 強制切断するために使う.
type Registry struct {
	mu     sync.Mutex
	conns  map[uint64]net.Conn
	nextID uint64
	closed bool
}

// NewRegistry は新しい Registry インスタンスを作成する.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]net.Conn),
	}
}

// Add は接続を登録して識別子を返す.
// CloseAll 後に登録された接続は即座に閉じられる.
func (r *Registry) Add(conn net.Conn) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		conn.Close()
		return 0
	}

	r.nextID++
	id := r.nextID
	r.conns[id] = conn
	return id
}

// Remove は接続の登録を解除する.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len は処理中の接続数を返す.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll は全ての接続を閉じる.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	return nil
}
