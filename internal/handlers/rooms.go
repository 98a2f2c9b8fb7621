package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tariel-x/pinroom/internal/models"
	"github.com/tariel-x/pinroom/internal/store"

	"github.com/gin-gonic/gin"
)

type messagesResponse struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
}

type participantsResponse struct {
	RoomID       string               `json:"roomId"`
	Participants []models.Participant `json:"participants"`
}

// TicketAuth admits requests carrying a room ticket for :room_id.
func (h *Handlers) TicketAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.tickets.Verify(tokenString, c.Param("room_id"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

func (h *Handlers) GetMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	msgs, err := h.relay.History(c.Request.Context(), roomID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, messagesResponse{RoomID: roomID, Messages: msgs})
}

func (h *Handlers) GetParticipants(c *gin.Context) {
	roomID := c.Param("room_id")
	c.JSON(http.StatusOK, participantsResponse{
		RoomID:       roomID,
		Participants: h.relay.Participants(roomID),
	})
}
