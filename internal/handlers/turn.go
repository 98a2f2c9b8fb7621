package handlers

import (
	"net"
	"net/http"

	"github.com/tariel-x/pinroom/internal/turn"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE servers clients should use. With TURN
// disabled the list is empty and clients fall back to their defaults.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	if h.turnServer == nil {
		c.JSON(http.StatusOK, gin.H{"iceServers": []turn.ICEServer{}})
		return
	}

	host := c.Request.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}

	iceServers := h.turnServer.ICEServers(host)
	h.log.Debug("turn config requested", "ice_servers", len(iceServers), "host", host)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": iceServers,
	})
}
