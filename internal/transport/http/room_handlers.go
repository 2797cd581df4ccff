package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/proto"
	"github.com/vovakirdan/lobbyrelay/internal/store"
)

// RoomHandlers provides read-only HTTP handlers for room inspection.
type RoomHandlers struct {
	rooms   store.RoomStore
	tracker *presence.Tracker
	log     *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(rooms store.RoomStore, tracker *presence.Tracker, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		rooms:   rooms,
		tracker: tracker,
		log:     logger,
	}
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	MaxPlayers int    `json:"max_players"`
	Members    int    `json:"members"`
	IsPrivate  bool   `json:"is_private"`
	IsActive   bool   `json:"is_active"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"created_at"`
}

// RoomDetailResponse adds the participant list and the latest joiner.
type RoomDetailResponse struct {
	RoomResponse
	Participants []proto.Participant `json:"participants"`
	LastJoined   *proto.Participant  `json:"last_joined,omitempty"`
}

// ListRooms handles listing all rooms.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list rooms")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, toRoomResponse(room))
	}

	h.log.Debug().Int("room_count", len(rooms)).Msg("rooms listed successfully")
	c.JSON(http.StatusOK, response)
}

// GetRoom handles fetching a room by id.
// GET /api/rooms/:id
func (h *RoomHandlers) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("id"))
	h.respondDetail(c, room, err)
}

// GetRoomByCode handles fetching a room by its join code.
// GET /api/rooms/code/:code
func (h *RoomHandlers) GetRoomByCode(c *gin.Context) {
	room, err := h.rooms.GetRoomByCode(c.Request.Context(), normalizeCode(c.Param("code")))
	h.respondDetail(c, room, err)
}

func (h *RoomHandlers) respondDetail(c *gin.Context, room *store.Room, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get room")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	detail := RoomDetailResponse{
		RoomResponse: toRoomResponse(room),
		Participants: make([]proto.Participant, 0, len(room.Members)),
	}
	for _, m := range room.Members {
		detail.Participants = append(detail.Participants, toParticipant(m))
	}

	last, err := h.tracker.LastJoined(c.Request.Context(), room.Code)
	if err != nil {
		h.log.Error().Err(err).Str("room", room.Code).Msg("failed to get last joiner")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if last != nil {
		p := toParticipant(last)
		detail.LastJoined = &p
	}

	c.JSON(http.StatusOK, detail)
}

func toRoomResponse(room *store.Room) RoomResponse {
	return RoomResponse{
		ID:         room.ID,
		Code:       room.Code,
		MaxPlayers: room.MaxPlayers,
		Members:    len(room.Members),
		IsPrivate:  room.IsPrivate,
		IsActive:   room.IsActive,
		Version:    room.Version,
		CreatedAt:  room.CreatedAt.Format(time.RFC3339),
	}
}

func toParticipant(c *store.Client) proto.Participant {
	return proto.Participant{
		ConnectionID: c.ConnectionID,
		Name:         c.DisplayName(),
		PublicIP:     c.PublicIP,
		PublicPort:   c.PublicPort,
	}
}
