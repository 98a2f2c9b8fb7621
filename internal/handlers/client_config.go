package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug           bool  `json:"debug"`
	MaxMessageBytes int64 `json:"maxMessageBytes"`
	TURN            bool  `json:"turn"`
	RingTimeoutSecs int   `json:"ringTimeoutSeconds"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, clientConfigResponse{
		Debug:           h.config.LogLevel == "debug",
		MaxMessageBytes: h.config.MaxMessageBytes,
		TURN:            h.turnServer != nil,
		RingTimeoutSecs: int(h.config.CallRingTimeout.Seconds()),
	})
}
