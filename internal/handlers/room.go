package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/service"
	"github.com/go-chi/chi/v5"
)

type RoomHandler struct {
	svc *service.SignalingService
}

func NewRoomHandler(s *service.SignalingService) *RoomHandler { return &RoomHandler{svc: s} }

// roomResponse はルームのスナップショット
// hostConnectionIdはホストが退出した後も元の値のままです
type roomResponse struct {
	RoomId           string          `json:"roomId"`
	HostConnectionId string          `json:"hostConnectionId"`
	CreatedAt        time.Time       `json:"createdAt"`
	Members          []models.Member `json:"members"`
}

func newRoomResponse(room models.Room) roomResponse {
	members := make([]models.Member, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionId < members[j].ConnectionId
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return roomResponse{
		RoomId:           room.RoomId,
		HostConnectionId: room.HostConnectionId,
		CreatedAt:        room.CreatedAt,
		Members:          members,
	}
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := chi.URLParam(r, "roomId")
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok := h.svc.Room(roomId)
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	respondJSON(w, http.StatusOK, newRoomResponse(room))
}
