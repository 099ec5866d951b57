package repo

import (
	"context"
	"errors"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

// ConnectionRegistry は接続ごとのルーム・ピア情報を管理します
type ConnectionRegistry interface {
	Register(connectionId string, now time.Time) models.Connection
	Lookup(connectionId string) (models.Connection, bool)
	SetRoomAndPeer(connectionId, roomId, peerId string) bool
	Unregister(connectionId string) (models.Connection, bool)
	Count() int
}

// RoomDirectory はルームとそのメンバーシップを管理します
type RoomDirectory interface {
	CreateOrGet(roomId, creatorConnectionId, creatorPeerId string, now time.Time) (models.Room, bool)
	Get(roomId string) (models.Room, bool)
	Join(roomId, connectionId, peerId string, now time.Time) (models.Room, error)
	Leave(roomId, connectionId string) bool
	ListMembersExcept(roomId, connectionId string) []models.PeerRef
	DeleteIfEmpty(roomId string) bool
	SweepExpired(maxAge time.Duration, now time.Time) []string
	Count() int
}

// StatusRepo は複数インスタンス間でステータスを共有します
type StatusRepo interface {
	PublishStatus(ctx context.Context, instanceId string, st models.Status, ttl time.Duration) error
	RemoveStatus(ctx context.Context, instanceId string) error
	ClusterStatus(ctx context.Context) (models.ClusterStatus, error)
}
