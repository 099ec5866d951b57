package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/repo"
	"github.com/Fldicoahkiin/cineflow/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	srv *httptest.Server
	svc *service.SignalingService
	hub *Hub
}

func newTestServer(t *testing.T, opts WebSocketOptions) *testServer {
	t.Helper()
	log := zap.NewNop()
	hub := NewHub(log)
	svc := service.NewSignalingService(repo.NewMemoryConnectionRepo(), repo.NewMemoryRoomRepo(), hub, log)

	r := chi.NewRouter()
	r.Get("/ws", NewWebSocketHandler(svc, hub, opts, nil, log).HandleWebSocket)
	r.Get("/api/v1/rooms/{roomId}", NewRoomHandler(svc).Get)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, svc: svc, hub: hub}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (ts *testServer) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	var p service.ConnectedPayload
	c.expect(service.EventConnected, &p)
	if p.ConnectionId == "" {
		t.Fatal("connected without connectionId")
	}
	c.id = p.ConnectionId
	return c
}

func (c *wsClient) send(msgType string, payload any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *wsClient) read() envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

func (c *wsClient) expect(msgType string, dst any) {
	c.t.Helper()
	env := c.read()
	if env.Type != msgType {
		c.t.Fatalf("expected %s, got %s (%s)", msgType, env.Type, env.Payload)
	}
	if dst != nil {
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			c.t.Fatalf("decode %s: %v", msgType, err)
		}
	}
}

// expectSilence は一定時間何も届かないことを確認します（接続はその後使えません）
func (c *wsClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	var env envelope
	err := c.conn.ReadJSON(&env)
	if err == nil {
		c.t.Fatalf("expected no message, got %s (%s)", env.Type, env.Payload)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected timeout, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWebSocket_CreateJoinRelayLeave(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{})
	alice := ts.dial(t)
	bob := ts.dial(t)

	alice.send(service.EventCreateRoom, map[string]string{"roomId": "movie1", "peerId": "alice"})
	var created service.RoomCreatedPayload
	alice.expect(service.EventRoomCreated, &created)
	if created.RoomId != "movie1" || created.PeerId != "alice" || !created.IsHost {
		t.Fatalf("unexpected room_created: %+v", created)
	}

	bob.send(service.EventJoinRoom, map[string]string{"roomId": "movie1", "peerId": "bob"})
	var joined service.RoomJoinedPayload
	bob.expect(service.EventRoomJoined, &joined)
	if joined.IsHost || len(joined.ExistingPeers) != 1 {
		t.Fatalf("unexpected room_joined: %+v", joined)
	}
	if p := joined.ExistingPeers[0]; p.PeerId != "alice" || p.ConnectionId != alice.id {
		t.Fatalf("unexpected existing peer: %+v", p)
	}

	var pj service.PeerPayload
	alice.expect(service.EventPeerJoined, &pj)
	if pj.PeerId != "bob" || pj.ConnectionId != bob.id {
		t.Fatalf("unexpected peer_joined: %+v", pj)
	}

	bob.send(service.EventOffer, map[string]any{
		"targetPeer": alice.id,
		"offer":      map[string]string{"type": "offer", "sdp": "v=0"},
	})
	var offer struct {
		Offer    map[string]string `json:"offer"`
		FromPeer string            `json:"fromPeer"`
	}
	alice.expect(service.EventOffer, &offer)
	if offer.FromPeer != bob.id || offer.Offer["sdp"] != "v=0" {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	alice.send(service.EventAnswer, map[string]any{
		"targetPeer": bob.id,
		"answer":     map[string]string{"type": "answer", "sdp": "v=0"},
	})
	var answer struct {
		FromPeer string `json:"fromPeer"`
	}
	bob.expect(service.EventAnswer, &answer)
	if answer.FromPeer != alice.id {
		t.Fatalf("unexpected answer: %+v", answer)
	}

	// ルーム単位のブロードキャスト
	bob.send(service.EventICECandidate, map[string]any{
		"roomId":    "movie1",
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 9 typ host"},
	})
	var cand struct {
		Candidate map[string]any `json:"candidate"`
		FromPeer  string         `json:"fromPeer"`
	}
	alice.expect(service.EventICECandidate, &cand)
	if cand.FromPeer != bob.id || cand.Candidate["candidate"] == nil {
		t.Fatalf("unexpected ice_candidate: %+v", cand)
	}

	bob.conn.Close()
	var left service.PeerPayload
	alice.expect(service.EventPeerLeft, &left)
	if left.PeerId != "bob" || left.ConnectionId != bob.id {
		t.Fatalf("unexpected peer_left: %+v", left)
	}

	waitFor(t, func() bool { return ts.svc.Status().ActivePeers == 1 && ts.hub.Count() == 1 })
}

func TestWebSocket_LastMemberLeavingDeletesRoom(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{})
	alice := ts.dial(t)

	alice.send(service.EventCreateRoom, map[string]string{"roomId": "movie1", "peerId": "alice"})
	alice.expect(service.EventRoomCreated, nil)

	alice.conn.Close()
	waitFor(t, func() bool {
		_, ok := ts.svc.Room("movie1")
		return !ok
	})
	if st := ts.svc.Status(); st.ActiveRooms != 0 || st.ActivePeers != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestWebSocket_ErrorReplies(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{})
	c := ts.dial(t)

	var e service.ErrorPayload

	c.send(service.EventJoinRoom, map[string]string{"roomId": "nope", "peerId": "p"})
	c.expect(service.EventError, &e)
	if e.Message != "Room not found" {
		t.Fatalf("unexpected error message: %q", e.Message)
	}

	c.send(service.EventCreateRoom, map[string]string{"roomId": "movie1"})
	c.expect(service.EventError, &e)
	if e.Message != "roomId and peerId are required" {
		t.Fatalf("unexpected error message: %q", e.Message)
	}

	c.send("dance", map[string]string{})
	c.expect(service.EventError, &e)
	if e.Message != "Unknown message type" {
		t.Fatalf("unexpected error message: %q", e.Message)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expect(service.EventError, &e)
	if e.Message != "Invalid message format" {
		t.Fatalf("unexpected error message: %q", e.Message)
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{})
	c := ts.dial(t)

	c.send(service.EventPing, map[string]any{"timestamp": 1234})
	var pong struct {
		Timestamp  int64 `json:"timestamp"`
		ServerTime int64 `json:"serverTime"`
	}
	c.expect(service.EventPong, &pong)
	if pong.Timestamp != 1234 || pong.ServerTime == 0 {
		t.Fatalf("unexpected pong: %+v", pong)
	}
}

func TestWebSocket_RateLimitDropsMessages(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{MessagesPerSecond: 0.001, MessageBurst: 1})
	c := ts.dial(t)

	c.send(service.EventPing, map[string]any{"timestamp": 1})
	c.send(service.EventPing, map[string]any{"timestamp": 2})

	c.expect(service.EventPong, nil)
	c.expectSilence(200 * time.Millisecond)
}

func TestWebSocket_OversizedMessageDisconnects(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{MaxMessageBytes: 128})
	c := ts.dial(t)

	c.send(service.EventPing, map[string]any{"timestamp": strings.Repeat("x", 512)})

	waitFor(t, func() bool { return ts.svc.Status().ActivePeers == 0 })
}

func TestHub_CloseAllSendsGoingAway(t *testing.T) {
	ts := newTestServer(t, WebSocketOptions{})
	c := ts.dial(t)

	ts.hub.CloseAll()

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going away close, got %v", err)
	}
	waitFor(t, func() bool { return ts.svc.Status().ActivePeers == 0 })
}

func TestHub_Send(t *testing.T) {
	hub := NewHub(zap.NewNop())

	if err := hub.Send("missing", "pong", nil); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}

	c := &Client{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	hub.register(c)

	if err := hub.Send("c1", "pong", service.PongPayload{ServerTime: 1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(<-c.send, &env); err != nil || env.Type != "pong" {
		t.Fatalf("unexpected frame: %+v err=%v", env, err)
	}

	// 溢れたクライアントは閉じられる
	_ = hub.Send("c1", "a", nil)
	if err := hub.Send("c1", "b", nil); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
	if reason, ok := c.closedReason(); !ok || reason != ReasonSlowConsumer {
		t.Fatalf("expected slow consumer close, got %q %v", reason, ok)
	}

	hub.unregister(c)
	if hub.Count() != 0 {
		t.Fatalf("expected empty hub, got %d", hub.Count())
	}
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker(nil)
	if !open(req("https://evil.example.com")) {
		t.Fatal("empty allow list should allow any origin")
	}

	list := originChecker([]string{"https://app.example.com"})
	if !list(req("https://app.example.com")) {
		t.Fatal("listed origin should be allowed")
	}
	if list(req("https://evil.example.com")) {
		t.Fatal("unlisted origin should be rejected")
	}
	if !list(req("")) {
		t.Fatal("missing origin should be allowed")
	}

	star := originChecker([]string{"*"})
	if !star(req("https://evil.example.com")) {
		t.Fatal("* should allow any origin")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDisconnectReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, ReasonClientClose},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, ReasonClientClose},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, ReasonTransportClose},
		{websocket.ErrReadLimit, ReasonMessageTooBig},
		{timeoutErr{}, ReasonPingTimeout},
		{errors.New("boom"), ReasonTransportError},
	}
	for _, tc := range cases {
		if got := disconnectReason(tc.err); got != tc.want {
			t.Errorf("disconnectReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
