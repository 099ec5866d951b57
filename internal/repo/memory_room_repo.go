package repo

import (
	"sort"
	"sync"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
)

type roomEntry struct {
	roomId           string
	hostConnectionId string
	members          map[string]models.Member
	createdAt        time.Time
}

// snapshot はディレクトリ外に渡すためのコピーを作成します
// 呼び出し側は常にroomIdで再検索し、内部マップへの参照を保持しません
func (e *roomEntry) snapshot() models.Room {
	members := make(map[string]models.Member, len(e.members))
	for id, m := range e.members {
		members[id] = m
	}
	return models.Room{
		RoomId:           e.roomId,
		HostConnectionId: e.hostConnectionId,
		Members:          members,
		CreatedAt:        e.createdAt,
	}
}

// MemoryRoomRepo はプロセス内メモリでルームを保持します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type MemoryRoomRepo struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

func NewMemoryRoomRepo() *MemoryRoomRepo {
	return &MemoryRoomRepo{rooms: make(map[string]*roomEntry)}
}

// CreateOrGet はルームを作成します
// 既に存在する場合は変更せずにそのまま返します（メンバーシップも追加しません）
// 2つ目の戻り値は新規作成したかどうかです
func (r *MemoryRoomRepo) CreateOrGet(roomId, creatorConnectionId, creatorPeerId string, now time.Time) (models.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.rooms[roomId]; ok {
		return e.snapshot(), false
	}

	e := &roomEntry{
		roomId:           roomId,
		hostConnectionId: creatorConnectionId,
		members: map[string]models.Member{
			creatorConnectionId: {
				ConnectionId: creatorConnectionId,
				PeerId:       creatorPeerId,
				IsHost:       true,
				JoinedAt:     now,
			},
		},
		createdAt: now,
	}
	r.rooms[roomId] = e
	return e.snapshot(), true
}

func (r *MemoryRoomRepo) Get(roomId string) (models.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[roomId]
	if !ok {
		return models.Room{}, false
	}
	return e.snapshot(), true
}

// Join はメンバーをisHost=falseで追加します
// 既にメンバーの場合はピアIDのみ更新し、ホスト属性と参加日時は保持します
func (r *MemoryRoomRepo) Join(roomId, connectionId, peerId string, now time.Time) (models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[roomId]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	m, exists := e.members[connectionId]
	if !exists {
		m = models.Member{ConnectionId: connectionId, JoinedAt: now}
	}
	m.PeerId = peerId
	e.members[connectionId] = m
	return e.snapshot(), nil
}

// Leave はメンバーを削除し、削除後にルームが空かどうかを返します
// ルームやメンバーが存在しなくてもエラーにはなりません
func (r *MemoryRoomRepo) Leave(roomId, connectionId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[roomId]
	if !ok {
		return true
	}
	delete(e.members, connectionId)
	return len(e.members) == 0
}

// ListMembersExcept は指定した接続以外のメンバーを参加順で返します
func (r *MemoryRoomRepo) ListMembersExcept(roomId, connectionId string) []models.PeerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.rooms[roomId]
	if !ok {
		return []models.PeerRef{}
	}

	members := make([]models.Member, 0, len(e.members))
	for id, m := range e.members {
		if id == connectionId {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionId < members[j].ConnectionId
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	out := make([]models.PeerRef, 0, len(members))
	for _, m := range members {
		out = append(out, models.PeerRef{PeerId: m.PeerId, ConnectionId: m.ConnectionId})
	}
	return out
}

// DeleteIfEmpty はメンバーがいない場合のみルームを削除します
func (r *MemoryRoomRepo) DeleteIfEmpty(roomId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[roomId]
	if !ok || len(e.members) > 0 {
		return false
	}
	delete(r.rooms, roomId)
	return true
}

// SweepExpired は作成からmaxAgeを超えた空のルームを削除し、削除したIDを返します
func (r *MemoryRoomRepo) SweepExpired(maxAge time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []string
	for id, e := range r.rooms {
		if len(e.members) == 0 && now.Sub(e.createdAt) > maxAge {
			delete(r.rooms, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted
}

func (r *MemoryRoomRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
