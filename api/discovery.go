package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// discoveryTarget is one Prometheus HTTP service discovery entry.
type discoveryTarget struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// HandleDiscoveryTargets  godoc
//
//	@Summary		Lists online machines in Prometheus HTTP SD format.
//	@Description	Machines whose address cannot be resolved are omitted rather than failing the whole scrape.
//	@Tags			discovery
//	@Success		200	{array}	discoveryTarget
//	@Router			/discovery/targets [get]
func (h *Handlers) HandleDiscoveryTargets(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.tracker.OnlineSet(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	targets := make([]discoveryTarget, 0, len(ids))
	for _, id := range ids {
		addr, err := h.tracker.Addresses().Address(ctx, id)
		if err != nil {
			// A machine that heartbeated but lost its address entry is
			// skipped; the next heartbeat restores it.
			continue
		}
		targets = append(targets, discoveryTarget{
			Targets: []string{addr},
			Labels: map[string]string{
				"machine_id": strconv.FormatUint(uint64(id), 10),
				"job":        "inference-machine",
			},
		})
	}
	c.JSON(http.StatusOK, targets)
}
