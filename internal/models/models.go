// Package models はシグナリングサーバーで使用するデータ構造を定義します
package models

import "time"

// Connection は1つのトランスポート接続（WebSocketセッション）を表します
type Connection struct {
	ConnectionId string    `json:"connectionId"`     // トランスポート層が発行する接続ID（不変）
	RoomId       string    `json:"roomId,omitempty"` // 現在参加しているルームID（未参加なら空）
	PeerId       string    `json:"peerId,omitempty"` // クライアントが名乗るピアID
	ConnectedAt  time.Time `json:"connectedAt"`      // 接続日時
}

// InRoom は接続がいずれかのルームに参加済みかを返します
func (c Connection) InRoom() bool { return c.RoomId != "" }

// Member はルーム内のメンバーシップ情報を表します
type Member struct {
	ConnectionId string    `json:"connectionId"` // メンバーの接続ID
	PeerId       string    `json:"peerId"`       // メンバーのピアID
	IsHost       bool      `json:"isHost"`       // ルーム作成者かどうか
	JoinedAt     time.Time `json:"joinedAt"`     // 参加日時
}

// Room はシグナリングルームのスナップショットを表します
// Membersはコピーなので、呼び出し側が変更してもディレクトリには影響しません
type Room struct {
	RoomId           string            `json:"roomId"`           // ルームの一意な識別子（クライアント指定）
	HostConnectionId string            `json:"hostConnectionId"` // 作成者の接続ID（再割り当てされない）
	Members          map[string]Member `json:"-"`                // 接続IDをキーとしたメンバー
	CreatedAt        time.Time         `json:"createdAt"`        // 作成日時（期限切れ判定のみに使用）
}

// IsEmpty はメンバーがいないかを返します
func (r Room) IsEmpty() bool { return len(r.Members) == 0 }

// HasMember は指定した接続がメンバーかを返します
func (r Room) HasMember(connectionId string) bool {
	_, ok := r.Members[connectionId]
	return ok
}

// PeerRef は既存ピア一覧で返すピアの参照です
type PeerRef struct {
	PeerId       string `json:"peerId"`
	ConnectionId string `json:"connectionId"`
}

// Status はレジストリの規模を表すステータス情報です
type Status struct {
	ActiveRooms int `json:"activeRooms"`
	ActivePeers int `json:"activePeers"`
}

// ClusterStatus はRedisに集約された全インスタンスのステータス合計です
type ClusterStatus struct {
	Instances   int `json:"instances"`
	ActiveRooms int `json:"activeRooms"`
	ActivePeers int `json:"activePeers"`
}
