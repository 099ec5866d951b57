package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/service"
	"go.uber.org/zap"
)

// ClusterSource は全インスタンスのステータス合計を返します
// Redisによるステータス共有が無効な場合はnilです
type ClusterSource interface {
	Cluster(ctx context.Context) (models.ClusterStatus, error)
}

// serverStatus は / で返す稼働中メッセージです
const serverStatus = "CineFlow Signaling Server Running"

// StatusHandler はサーバーの稼働状況を返します
type StatusHandler struct {
	svc       *service.SignalingService
	cluster   ClusterSource
	version   string
	startedAt time.Time
	now       func() time.Time
	log       *zap.Logger
}

func NewStatusHandler(svc *service.SignalingService, cluster ClusterSource, version string, log *zap.Logger) *StatusHandler {
	now := time.Now
	return &StatusHandler{
		svc:       svc,
		cluster:   cluster,
		version:   version,
		startedAt: now(),
		now:       now,
		log:       log,
	}
}

type statusResponse struct {
	Status      string                `json:"status"`
	Version     string                `json:"version"`
	Timestamp   time.Time             `json:"timestamp"`
	ActiveRooms int                   `json:"activeRooms"`
	ActivePeers int                   `json:"activePeers"`
	Cluster     *models.ClusterStatus `json:"cluster,omitempty"`
}

// Root はルーム数と接続数を返します
func (h *StatusHandler) Root(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	resp := statusResponse{
		Status:      serverStatus,
		Version:     h.version,
		Timestamp:   h.now().UTC(),
		ActiveRooms: st.ActiveRooms,
		ActivePeers: st.ActivePeers,
	}
	if h.cluster != nil {
		cs, err := h.cluster.Cluster(r.Context())
		if err != nil {
			// 共有ストアが落ちていてもローカルの値は返す
			h.log.Warn("failed to read cluster status", zap.Error(err))
		} else {
			resp.Cluster = &cs
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Health は稼働時間（秒）を返します
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": h.now().Sub(h.startedAt).Seconds(),
	})
}
