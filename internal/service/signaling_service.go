// Package service はシグナリングのビジネスロジックを担当します
// ルームの作成・参加・退出、シグナリングメッセージの中継を提供します
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/metrics"
	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/repo"
	"go.uber.org/zap"
)

// Sender はトランスポートへの送信を抽象化します
// 実装はブロックせずに送信キューへ積むだけにしてください
type Sender interface {
	Send(connectionId, event string, payload any) error
}

// SignalingService はレジストリとルームディレクトリを操作するディスパッチャーです
// 複合操作はすべてmuで直列化されます
type SignalingService struct {
	mu      sync.Mutex
	conns   repo.ConnectionRegistry // 接続レジストリ
	rooms   repo.RoomDirectory      // ルームディレクトリ
	sender  Sender                  // 送信先トランスポート
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option はSignalingServiceのオプション設定です
type Option func(*SignalingService)

// WithClock は現在時刻の取得関数を差し替えます（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *SignalingService) { s.now = now }
}

// WithMetrics はメトリクスを設定します
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SignalingService) { s.metrics = m }
}

// NewSignalingService は新しいSignalingServiceを作成します
func NewSignalingService(conns repo.ConnectionRegistry, rooms repo.RoomDirectory, sender Sender, log *zap.Logger, opts ...Option) *SignalingService {
	s := &SignalingService{
		conns:  conns,
		rooms:  rooms,
		sender: sender,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect は新しい接続を登録し、接続IDをクライアントに通知します
func (s *SignalingService) Connect(connectionId string) models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conns.Register(connectionId, s.now())
	s.send(connectionId, EventConnected, ConnectedPayload{ConnectionId: connectionId})
	s.log.Info("client connected", zap.String("connectionId", connectionId))
	return c
}

// HandleMessage は受信メッセージをタイプごとに処理します
// 1つのメッセージで起きたパニックは他の接続に影響しません
func (s *SignalingService) HandleMessage(connectionId, msgType string, payload json.RawMessage) {
	s.metrics.MessageReceived(msgType)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling message",
				zap.String("connectionId", connectionId),
				zap.String("type", msgType),
				zap.Any("panic", r),
			)
			s.writeError(connectionId, msgType, ErrInternal)
		}
	}()

	if _, ok := s.conns.Lookup(connectionId); !ok {
		s.log.Warn("message from unregistered connection",
			zap.String("connectionId", connectionId), zap.String("type", msgType))
		return
	}

	var err error
	switch msgType {
	case EventCreateRoom:
		err = s.createRoom(connectionId, payload)
	case EventJoinRoom:
		err = s.joinRoom(connectionId, payload)
	case EventOffer, EventAnswer, EventICECandidate:
		// 中継はベストエフォートで、送信者にはエラーを返しません
		s.relay(connectionId, msgType, payload)
	case EventPing:
		s.ping(connectionId, payload)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownMessage, msgType)
	}
	if err != nil {
		s.writeError(connectionId, msgType, err)
	}
}

// createRoom はルームを作成し、作成者をホストとして登録します
// 既存ルームの場合は作成者を通常メンバーとして参加させます
func (s *SignalingService) createRoom(connectionId string, payload json.RawMessage) error {
	req, err := decodeRoomRequest(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.leaveCurrentRoomLocked(connectionId, req.RoomId)

	room, created := s.rooms.CreateOrGet(req.RoomId, connectionId, req.PeerId, now)
	if created {
		s.metrics.RoomCreated()
	} else {
		wasMember := room.HasMember(connectionId)
		room, err = s.rooms.Join(req.RoomId, connectionId, req.PeerId, now)
		if err != nil {
			return fmt.Errorf("create room %s: %w", req.RoomId, err)
		}
		if !wasMember {
			s.broadcastLocked(req.RoomId, connectionId, EventPeerJoined, PeerPayload{
				PeerId:       req.PeerId,
				ConnectionId: connectionId,
			})
		}
	}
	s.conns.SetRoomAndPeer(connectionId, req.RoomId, req.PeerId)

	isHost := room.HostConnectionId == connectionId
	s.send(connectionId, EventRoomCreated, RoomCreatedPayload{
		RoomId: req.RoomId,
		PeerId: req.PeerId,
		IsHost: isHost,
	})

	s.log.Info("room created",
		zap.String("roomId", req.RoomId),
		zap.String("peerId", req.PeerId),
		zap.String("connectionId", connectionId),
		zap.Bool("new", created),
		zap.Bool("isHost", isHost),
	)
	return nil
}

// joinRoom は既存ルームに参加させます
// 処理の流れ:
// 1. ルームの存在確認（存在しなければ状態を変えずにエラー）
// 2. メンバー追加とレジストリ更新
// 3. 既存メンバー一覧のスナップショット取得
// 4. 他のメンバーに参加を通知し、参加者に一覧を返す
func (s *SignalingService) joinRoom(connectionId string, payload json.RawMessage) error {
	req, err := decodeRoomRequest(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rooms.Get(req.RoomId)
	if !ok {
		s.log.Info("room join failed: room not found",
			zap.String("roomId", req.RoomId), zap.String("connectionId", connectionId))
		return ErrRoomNotFound
	}
	wasMember := current.HasMember(connectionId)

	s.leaveCurrentRoomLocked(connectionId, req.RoomId)

	room, err := s.rooms.Join(req.RoomId, connectionId, req.PeerId, s.now())
	if err != nil {
		if errors.Is(err, repo.ErrRoomNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("join room %s: %w", req.RoomId, err)
	}
	s.conns.SetRoomAndPeer(connectionId, req.RoomId, req.PeerId)

	// 参加者自身を除外した一覧を、参加通知より前に取得する
	existing := s.rooms.ListMembersExcept(req.RoomId, connectionId)

	if !wasMember {
		s.broadcastLocked(req.RoomId, connectionId, EventPeerJoined, PeerPayload{
			PeerId:       req.PeerId,
			ConnectionId: connectionId,
		})
	}

	s.send(connectionId, EventRoomJoined, RoomJoinedPayload{
		RoomId:        req.RoomId,
		PeerId:        req.PeerId,
		IsHost:        room.Members[connectionId].IsHost,
		ExistingPeers: existing,
	})

	s.log.Info("joined room",
		zap.String("roomId", req.RoomId),
		zap.String("peerId", req.PeerId),
		zap.String("connectionId", connectionId),
		zap.Int("roomSize", len(room.Members)),
	)
	return nil
}

// relay はoffer/answer/ice_candidateを中継します
// targetPeerがあればその接続のみ、なければroomIdの他の全メンバーに転送します
// ペイロードの中身は検証しません
func (s *SignalingService) relay(connectionId, msgType string, payload json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		s.log.Warn("dropping relay message with unreadable envelope",
			zap.String("connectionId", connectionId), zap.String("type", msgType), zap.Error(err))
		return
	}

	field := relayFields[msgType]
	targetPeer := stringField(fields["targetPeer"])
	roomId := stringField(fields["roomId"])
	out := map[string]any{
		field:      fields[field],
		"fromPeer": connectionId,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if targetPeer != "" {
		if targetPeer == connectionId {
			return
		}
		if _, ok := s.conns.Lookup(targetPeer); !ok {
			s.log.Debug("relay target not connected",
				zap.String("type", msgType), zap.String("targetPeer", targetPeer), zap.String("connectionId", connectionId))
			return
		}
		s.send(targetPeer, msgType, out)
		s.log.Debug("forwarded signal",
			zap.String("type", msgType), zap.String("targetPeer", targetPeer), zap.String("connectionId", connectionId))
		return
	}

	if roomId == "" {
		if c, ok := s.conns.Lookup(connectionId); ok {
			roomId = c.RoomId
		}
	}
	if roomId == "" {
		s.log.Debug("relay without target or room dropped",
			zap.String("type", msgType), zap.String("connectionId", connectionId))
		return
	}

	n := s.broadcastLocked(roomId, connectionId, msgType, out)
	s.log.Debug("forwarded signal",
		zap.String("type", msgType), zap.String("roomId", roomId),
		zap.String("connectionId", connectionId), zap.Int("recipients", n))
}

// ping はpongを即座に返します
func (s *SignalingService) ping(connectionId string, payload json.RawMessage) {
	var in struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	_ = json.Unmarshal(payload, &in)
	s.send(connectionId, EventPong, PongPayload{
		Timestamp:  in.Timestamp,
		ServerTime: s.now().UnixMilli(),
	})
}

// Disconnect は切断された接続を片付けます
// 状態が欠けていても（ルームやメンバーが存在しなくても）エラーにはなりません
func (s *SignalingService) Disconnect(connectionId, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling disconnect",
				zap.String("connectionId", connectionId), zap.Any("panic", r))
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns.Unregister(connectionId)
	s.log.Info("client disconnected",
		zap.String("connectionId", connectionId),
		zap.String("reason", reason),
		zap.String("roomId", c.RoomId),
	)
	if !ok || !c.InRoom() {
		return
	}
	s.removeMemberLocked(c)
}

// leaveCurrentRoomLocked は別ルームに参加済みの接続を元のルームから退出させます
func (s *SignalingService) leaveCurrentRoomLocked(connectionId, nextRoomId string) {
	c, ok := s.conns.Lookup(connectionId)
	if !ok || !c.InRoom() || c.RoomId == nextRoomId {
		return
	}
	s.removeMemberLocked(c)
}

// removeMemberLocked はメンバーを退出させ、残りのメンバーに通知します
// ルームが空になった場合は削除します
func (s *SignalingService) removeMemberLocked(c models.Connection) {
	empty := s.rooms.Leave(c.RoomId, c.ConnectionId)
	if !empty {
		s.broadcastLocked(c.RoomId, c.ConnectionId, EventPeerLeft, PeerPayload{
			PeerId:       c.PeerId,
			ConnectionId: c.ConnectionId,
		})
		return
	}
	if s.rooms.DeleteIfEmpty(c.RoomId) {
		s.metrics.RoomsDeleted(metrics.DeleteReasonEmpty, 1)
		s.log.Info("room deleted (empty)", zap.String("roomId", c.RoomId))
	}
}

// broadcastLocked はルーム内の全メンバーに送信します（除外する接続を除く）
// 送信失敗は宛先ごとに独立してログに記録し、残りの送信は続けます
func (s *SignalingService) broadcastLocked(roomId, excludeConnectionId, event string, payload any) int {
	n := 0
	for _, p := range s.rooms.ListMembersExcept(roomId, excludeConnectionId) {
		if s.send(p.ConnectionId, event, payload) {
			n++
		}
	}
	return n
}

func (s *SignalingService) send(connectionId, event string, payload any) bool {
	if err := s.sender.Send(connectionId, event, payload); err != nil {
		s.metrics.SendFailed()
		s.log.Warn("failed to send message",
			zap.String("connectionId", connectionId), zap.String("type", event), zap.Error(err))
		return false
	}
	s.metrics.MessageSent(event)
	return true
}

// writeError はエラーを送信者に通知します
func (s *SignalingService) writeError(connectionId, msgType string, err error) {
	var msg string
	switch {
	case errors.Is(err, ErrValidation):
		msg = ErrValidation.Error()
	case errors.Is(err, ErrRoomNotFound):
		msg = "Room not found"
	case errors.Is(err, ErrUnknownMessage):
		msg = "Unknown message type"
	default:
		switch msgType {
		case EventCreateRoom:
			msg = "Failed to create room"
		case EventJoinRoom:
			msg = "Failed to join room"
		default:
			// 中継メッセージの内部エラーは送信者に返さない
			s.log.Error("error handling message",
				zap.String("connectionId", connectionId), zap.String("type", msgType), zap.Error(err))
			return
		}
		s.log.Error("error handling message",
			zap.String("connectionId", connectionId), zap.String("type", msgType), zap.Error(err))
	}
	s.send(connectionId, EventError, ErrorPayload{Message: msg})
}

// Sweep は保持期間を過ぎた空のルームを削除します
func (s *SignalingService) Sweep(maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := s.rooms.SweepExpired(maxAge, s.now())
	s.metrics.RoomsDeleted(metrics.DeleteReasonExpired, len(deleted))
	return deleted
}

// Status はアクティブなルーム数と接続数を返します
func (s *SignalingService) Status() models.Status {
	return models.Status{
		ActiveRooms: s.rooms.Count(),
		ActivePeers: s.conns.Count(),
	}
}

// Room はルームのスナップショットを返します
func (s *SignalingService) Room(roomId string) (models.Room, bool) {
	return s.rooms.Get(roomId)
}
