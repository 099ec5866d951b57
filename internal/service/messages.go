package service

import (
	"encoding/json"

	"github.com/Fldicoahkiin/cineflow/internal/models"
)

// 受信・送信するメッセージタイプ
const (
	EventConnected    = "connected"
	EventCreateRoom   = "create_room"
	EventRoomCreated  = "room_created"
	EventJoinRoom     = "join_room"
	EventRoomJoined   = "room_joined"
	EventPeerJoined   = "peer_joined"
	EventPeerLeft     = "peer_left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice_candidate"
	EventPing         = "ping"
	EventPong         = "pong"
	EventError        = "error"
)

// relayFields はシグナリングメッセージごとのペイロードのフィールド名
var relayFields = map[string]string{
	EventOffer:        "offer",
	EventAnswer:       "answer",
	EventICECandidate: "candidate",
}

// RoomRequest は create_room / join_room のペイロード
type RoomRequest struct {
	RoomId string `json:"roomId"`
	PeerId string `json:"peerId"`
}

func (r RoomRequest) validate() error {
	if r.RoomId == "" || r.PeerId == "" {
		return ErrValidation
	}
	return nil
}

// decodeRoomRequest はペイロードをパースします
// IDはクライアント指定の不透明な文字列としてそのまま扱います
// パースできないペイロードは必須項目の欠落として扱います
func decodeRoomRequest(payload json.RawMessage) (RoomRequest, error) {
	var req RoomRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return RoomRequest{}, ErrValidation
		}
	}
	return req, req.validate()
}

// ConnectedPayload は接続直後に自分の接続IDを通知するペイロード
type ConnectedPayload struct {
	ConnectionId string `json:"connectionId"`
}

// RoomCreatedPayload は room_created のペイロード
type RoomCreatedPayload struct {
	RoomId string `json:"roomId"`
	PeerId string `json:"peerId"`
	IsHost bool   `json:"isHost"`
}

// RoomJoinedPayload は room_joined のペイロード
type RoomJoinedPayload struct {
	RoomId        string           `json:"roomId"`
	PeerId        string           `json:"peerId"`
	IsHost        bool             `json:"isHost"`
	ExistingPeers []models.PeerRef `json:"existingPeers"`
}

// PeerPayload は peer_joined / peer_left のペイロード
type PeerPayload struct {
	PeerId       string `json:"peerId"`
	ConnectionId string `json:"connectionId"`
}

// ErrorPayload はエラー通知のペイロード
type ErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload は pong のペイロード
// timestampはクライアントから受け取った値をそのまま返します
type PongPayload struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	ServerTime int64           `json:"serverTime"`
}

// stringField はJSON文字列であれば値を返し、それ以外は空文字を返します
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
