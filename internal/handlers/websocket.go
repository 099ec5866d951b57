package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/idgen"
	"github.com/Fldicoahkiin/cineflow/internal/metrics"
	"github.com/Fldicoahkiin/cineflow/internal/service"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second    // 1回の書き込みに許す時間
	pongWait   = 60 * time.Second    // pongを待つ時間
	pingPeriod = (pongWait * 9) / 10 // pingの送信間隔（pongWaitより短くする）
)

// 切断理由
const (
	ReasonClientClose    = "client namespace disconnect"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
	ReasonMessageTooBig  = "message too big"
	ReasonSlowConsumer   = "send queue full"
	ReasonServerShutdown = "server shutting down"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrSendQueueFull  = errors.New("send queue full")
)

// WebSocketMessage はWebSocketで送受信するメッセージの構造
// すべてのメッセージはこの形式でやり取りされます
type WebSocketMessage struct {
	Type    string `json:"type"`              // メッセージタイプ (例: "offer", "peer_joined")
	Payload any    `json:"payload,omitempty"` // メッセージのペイロード（型は動的）
}

// inboundMessage は受信時にペイロードを遅延デコードするための構造
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub は接続IDごとのWebSocketクライアントを管理します
// service.Senderを実装し、送信はクライアントの送信キューに積むだけです
type Hub struct {
	clients map[string]*Client // 接続IDをキーとしたクライアントのマップ
	mu      sync.RWMutex       // 読み書きのロック
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), log: log}
}

// Client は1つのWebSocket接続を表します
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte   // 送信キュー（writePumpだけが読み出す）
	done    chan struct{} // クライアントを閉じるときにclose
	limiter *rate.Limiter

	closeOnce   sync.Once
	closeReason string // doneのclose前に一度だけ書き込まれる
}

// close はwritePumpを停止させます
// writePumpが接続を閉じるとreadPumpも終了します
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// closedReason はサーバー側から閉じた場合の理由を返します
func (c *Client) closedReason() (string, bool) {
	select {
	case <-c.done:
		return c.closeReason, true
	default:
		return "", false
	}
}

// Send はメッセージをエンコードして宛先の送信キューに積みます
// キューが溢れたクライアントは遅い受信者として切断します
func (hub *Hub) Send(connectionId, event string, payload any) error {
	hub.mu.RLock()
	c, ok := hub.clients[connectionId]
	hub.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}

	b, err := json.Marshal(WebSocketMessage{Type: event, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case c.send <- b:
		return nil
	default:
		c.close(ReasonSlowConsumer)
		return ErrSendQueueFull
	}
}

func (hub *Hub) register(c *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.clients[c.id] = c
}

func (hub *Hub) unregister(c *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if cur, ok := hub.clients[c.id]; ok && cur == c {
		delete(hub.clients, c.id)
	}
}

// Count は接続中のクライアント数を返します
func (hub *Hub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// CloseAll はシャットダウン時に全クライアントへ切断を通知します
func (hub *Hub) CloseAll() {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for _, c := range hub.clients {
		c.close(ReasonServerShutdown)
	}
}

// WebSocketOptions は接続ごとの制限値です
type WebSocketOptions struct {
	AllowedOrigins    []string // 空なら全オリジンを許可
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	SendQueueSize     int
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.SignalingService // ビジネスロジックを担当するサービス
	hub      *Hub                      // WebSocket接続を管理するハブ
	upgrader websocket.Upgrader        // HTTPからWebSocketへのアップグレーダー
	opts     WebSocketOptions
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(svc *service.SignalingService, hub *Hub, opts WebSocketOptions, m *metrics.Metrics, log *zap.Logger) *WebSocketHandler {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}
	return &WebSocketHandler{
		svc: svc,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		opts:    opts,
		metrics: m,
		log:     log,
	}
}

// originChecker は許可リストに基づくOriginチェックを返します
// Originヘッダーのないリクエスト（ブラウザ以外）は許可します
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDの発行とクライアントの登録
// 3. メッセージ受信ループの開始
// 4. 切断時の自動退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &Client{
		id:      idgen.NewConnectionID(),
		conn:    conn,
		send:    make(chan []byte, h.opts.SendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.MessageBurst),
	}
	h.hub.register(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	h.svc.Connect(c.id)

	reason := h.readPump(c)

	// 切断時にルームから退出させ、他のメンバーに通知する
	h.svc.Disconnect(c.id, reason)
	h.hub.unregister(c)
	c.close(reason)
	<-writerDone
}

// readPump は接続が閉じるまでメッセージを読み、切断理由を返します
func (h *WebSocketHandler) readPump(c *Client) string {
	c.conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if reason, ok := c.closedReason(); ok {
				return reason
			}
			reason := disconnectReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Warn("websocket error", zap.String("connectionId", c.id), zap.Error(err))
			}
			return reason
		}

		if !c.limiter.Allow() {
			h.metrics.RateLimited()
			h.log.Warn("message dropped by rate limit", zap.String("connectionId", c.id))
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			h.log.Warn("invalid message format", zap.String("connectionId", c.id), zap.Error(err))
			_ = h.hub.Send(c.id, service.EventError, service.ErrorPayload{Message: "Invalid message format"})
			continue
		}
		h.svc.HandleMessage(c.id, msg.Type, msg.Payload)
	}
}

// writePump は送信キューの内容を書き込み、定期的にpingを送ります
func (h *WebSocketHandler) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("websocket write error", zap.String("connectionId", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			code := websocket.CloseNormalClosure
			if c.closeReason == ReasonServerShutdown {
				code = websocket.CloseGoingAway
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, c.closeReason), time.Now().Add(writeWait))
			return
		}
	}
}

// disconnectReason は読み込みエラーを切断理由に変換します
func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return ReasonClientClose
		}
		return ReasonTransportClose
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return ReasonMessageTooBig
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportError
}
