package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"icebreaker/backend/internal/models"
	"icebreaker/backend/internal/store"
	"icebreaker/backend/pkg/cache"
	"icebreaker/backend/pkg/errors"
	"icebreaker/backend/pkg/logger"
)

// RoomStore reads rooms and their logs
type RoomStore interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	GetMessage(ctx context.Context, roomID, id string) (*models.Message, error)
}

// RoomHandler serves room metadata, log snapshots and join links
type RoomHandler struct {
	store   RoomStore
	rooms   *cache.Cache
	baseURL string
	logger  *logger.Logger
}

// NewRoomHandler creates a room handler. rooms may be nil.
func NewRoomHandler(s RoomStore, rooms *cache.Cache, baseURL string, log *logger.Logger) *RoomHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RoomHandler{
		store:   s,
		rooms:   rooms,
		baseURL: baseURL,
		logger:  log.WithComponent("rooms"),
	}
}

// RoomResponse is a room with its display title
type RoomResponse struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// JoinResponse is a shareable link into a room
type JoinResponse struct {
	RoomID string `json:"room_id"`
	URL    string `json:"url"`
}

func roomResponse(r *models.Room) RoomResponse {
	resp := RoomResponse{ID: r.ID, Title: r.DisplayTitle()}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}

// RegisterRoutes mounts the room routes on rg
func (h *RoomHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/rooms")
	g.GET("", h.ListRooms)
	g.GET("/:id", h.GetRoom)
	g.GET("/:id/messages", h.ListMessages)
	g.GET("/:id/messages/:messageId", h.GetMessage)
	g.GET("/:id/join", h.JoinLink)
}

// ListRooms returns every known room
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "ROOMS_UNAVAILABLE", "Failed to list rooms"))
		return
	}

	out := make([]RoomResponse, 0, len(rooms))
	for i := range rooms {
		out = append(out, roomResponse(&rooms[i]))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// GetRoom returns room metadata. Rooms without a record show their id as title.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	room, err := h.lookupRoom(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "ROOM_UNAVAILABLE", "Failed to load room"))
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

func (h *RoomHandler) lookupRoom(ctx context.Context, id string) (*models.Room, error) {
	if h.rooms != nil {
		if v, ok := h.rooms.Get(id); ok {
			if room, ok := v.(*models.Room); ok {
				return room, nil
			}
		}
	}

	room, err := h.store.GetRoom(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return &models.Room{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	if h.rooms != nil {
		h.rooms.Set(id, room)
	}
	return room, nil
}

// ListMessages returns the ordered log snapshot of a room
func (h *RoomHandler) ListMessages(c *gin.Context) {
	msgs, err := h.store.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "MESSAGES_UNAVAILABLE", "Failed to load messages"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetMessage returns one message of a room
func (h *RoomHandler) GetMessage(c *gin.Context) {
	msg, err := h.store.GetMessage(c.Request.Context(), c.Param("id"), c.Param("messageId"))
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		_ = c.Error(errors.NewNotFoundError("MESSAGE_NOT_FOUND", "Message not found"))
		return
	case err != nil:
		_ = c.Error(errors.Wrap(err, http.StatusInternalServerError, "MESSAGES_UNAVAILABLE", "Failed to load message"))
		return
	}
	c.JSON(http.StatusOK, msg)
}

// JoinLink returns <base>/join?room=<id>
func (h *RoomHandler) JoinLink(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, JoinResponse{
		RoomID: id,
		URL:    JoinURL(h.baseURL, id),
	})
}

// JoinURL builds the shareable link for roomID
func JoinURL(baseURL, roomID string) string {
	return baseURL + "/join?" + url.Values{"room": {roomID}}.Encode()
}
