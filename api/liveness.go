package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type heartbeatRequest struct {
	NetworkIP string `json:"network_ip"`
}

func machineID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("machine_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid machine id"})
		return 0, false
	}
	return uint(id), true
}

// HandleHeartbeat  godoc
//
//	@Summary		Records a machine heartbeat.
//	@Description	The machine token must belong to the machine id in the path. Returns the interval the machine must beat within.
//	@Tags			liveness
//	@Success		200
//	@Router			/liveness/{machine_id} [post]
func (h *Handlers) HandleHeartbeat(c *gin.Context) {
	id, ok := machineID(c)
	if !ok {
		return
	}
	if credential(c).MachineID != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not belong to this machine"})
		return
	}

	// Body is optional; machines behind NAT may omit their address and
	// let the directory entry win.
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	ttl, err := h.tracker.Heartbeat(c.Request.Context(), id, req.NetworkIP)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ttl_seconds": ttl.Seconds()})
}

// HandleLivenessStatus  godoc
//
//	@Summary	Reports whether a machine is currently online.
//	@Tags		liveness
//	@Success	200
//	@Router		/liveness/{machine_id} [get]
func (h *Handlers) HandleLivenessStatus(c *gin.Context) {
	id, ok := machineID(c)
	if !ok {
		return
	}
	online, err := h.tracker.IsOnline(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"machine_id": id, "online": online}
	if lastSeen, known, err := h.tracker.LastSeen(c.Request.Context(), id); err == nil && known {
		resp["last_seen"] = lastSeen.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
