package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/store"
	"github.com/vovakirdan/lobbyrelay/internal/utils"
)

// ClientHandlers provides HTTP handlers for client records.
type ClientHandlers struct {
	clients store.ClientStore
	log     *zerolog.Logger
}

// NewClientHandlers creates a new client handlers instance.
func NewClientHandlers(clients store.ClientStore, logger *zerolog.Logger) *ClientHandlers {
	return &ClientHandlers{
		clients: clients,
		log:     logger,
	}
}

// CreateClientRequest represents the create client request body.
type CreateClientRequest struct {
	Name         string `json:"name" binding:"max=64"`
	ConnectionID string `json:"connection_id" binding:"max=128"`
}

// ClientResponse represents a client in API responses.
type ClientResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ConnectionID string  `json:"connection_id,omitempty"`
	PublicIP     *string `json:"public_ip,omitempty"`
	PublicPort   *int    `json:"public_port,omitempty"`
	RoomID       *string `json:"room_id,omitempty"`
	JoinedAt     *string `json:"joined_at,omitempty"`
}

// ListClients handles listing all clients.
// GET /api/clients
func (h *ClientHandlers) ListClients(c *gin.Context) {
	clients, err := h.clients.ListClients(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list clients")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]ClientResponse, 0, len(clients))
	for _, cl := range clients {
		response = append(response, toClientResponse(cl))
	}
	c.JSON(http.StatusOK, response)
}

// GetClient handles fetching a client by id.
// GET /api/clients/:id
func (h *ClientHandlers) GetClient(c *gin.Context) {
	cl, err := h.clients.GetClient(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "client not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get client")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, toClientResponse(cl))
}

// CreateClient handles client creation. A client created without a
// connection id is inactive and will be collected by the client reaper.
// POST /api/clients
func (h *ClientHandlers) CreateClient(c *gin.Context) {
	var req CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create client request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	cl := &store.Client{
		ID:           utils.NewID(),
		Name:         strings.TrimSpace(req.Name),
		ConnectionID: strings.TrimSpace(req.ConnectionID),
	}
	if err := h.clients.CreateClient(c.Request.Context(), cl); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "connection id already in use"})
			return
		}
		h.log.Error().Err(err).Msg("failed to create client")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Str("client_id", cl.ID).Msg("client created")
	c.JSON(http.StatusCreated, toClientResponse(cl))
}

func toClientResponse(cl *store.Client) ClientResponse {
	resp := ClientResponse{
		ID:           cl.ID,
		Name:         cl.DisplayName(),
		ConnectionID: cl.ConnectionID,
		PublicIP:     cl.PublicIP,
		PublicPort:   cl.PublicPort,
		RoomID:       cl.RoomID,
	}
	if cl.JoinedAt != nil {
		ts := cl.JoinedAt.Format(time.RFC3339Nano)
		resp.JoinedAt = &ts
	}
	return resp
}
