package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthStats interface {
	NodeID() string
	Pending() int
}

type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	Relay   HealthStats
	Sockets ConnectionCounter
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"node_id":     h.Relay.NodeID(),
		"pending":     h.Relay.Pending(),
		"connections": h.Sockets.ConnectionCount(),
	})
}
