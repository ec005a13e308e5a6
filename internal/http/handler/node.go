package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NodeStatus is the operator-facing view of this worker's identity.
type NodeStatus struct {
	NodeID         int64     `json:"node_id"`
	Degraded       bool      `json:"degraded"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	ClockDrift     int64     `json:"clock_drift"`
}

type StatusProvider interface {
	Status() NodeStatus
}

type NodeHandler struct {
	provider StatusProvider
}

func NewNodeHandler(provider StatusProvider) *NodeHandler {
	return &NodeHandler{provider: provider}
}

// Get handles GET /v1/node.
func (h *NodeHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Status())
}
