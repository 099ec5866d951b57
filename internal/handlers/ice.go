package handlers

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

// ICEHandler はクライアントがRTCPeerConnectionに渡すICEサーバー一覧を返します
type ICEHandler struct {
	servers []webrtc.ICEServer
}

func NewICEHandler(servers []webrtc.ICEServer) *ICEHandler {
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	return &ICEHandler{servers: servers}
}

func (h *ICEHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"iceServers": h.servers})
}
