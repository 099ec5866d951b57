package repo

import (
	"sync"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
)

// MemoryConnectionRepo はプロセス内メモリで接続情報を保持します
// 再起動すると空に戻ります
type MemoryConnectionRepo struct {
	mu    sync.RWMutex
	conns map[string]models.Connection
}

func NewMemoryConnectionRepo() *MemoryConnectionRepo {
	return &MemoryConnectionRepo{conns: make(map[string]models.Connection)}
}

// Register は新しい接続を登録します（ルーム・ピアは空）
func (r *MemoryConnectionRepo) Register(connectionId string, now time.Time) models.Connection {
	c := models.Connection{ConnectionId: connectionId, ConnectedAt: now}
	r.mu.Lock()
	r.conns[connectionId] = c
	r.mu.Unlock()
	return c
}

func (r *MemoryConnectionRepo) Lookup(connectionId string) (models.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionId]
	return c, ok
}

// SetRoomAndPeer は接続のルームIDとピアIDを設定します
// 未登録の接続に対してはfalseを返し、何もしません
func (r *MemoryConnectionRepo) SetRoomAndPeer(connectionId, roomId, peerId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionId]
	if !ok {
		return false
	}
	c.RoomId = roomId
	c.PeerId = peerId
	r.conns[connectionId] = c
	return true
}

// Unregister は接続を削除し、削除前のレコードを返します
func (r *MemoryConnectionRepo) Unregister(connectionId string) (models.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionId]
	if ok {
		delete(r.conns, connectionId)
	}
	return c, ok
}

func (r *MemoryConnectionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
