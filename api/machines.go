package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/inference-grid/routing-service/models"
	"gitlab.com/inference-grid/routing-service/registry"
)

// machineView decorates a directory row with its current liveness state.
type machineView struct {
	models.Machine
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
}

func (h *Handlers) machineView(c *gin.Context, machine models.Machine) machineView {
	view := machineView{Machine: machine}
	view.Online, _ = h.tracker.IsOnline(c.Request.Context(), machine.ID)
	if seen, known, err := h.tracker.LastSeen(c.Request.Context(), machine.ID); err == nil && known {
		view.LastSeen = seen.Format(time.RFC3339)
	}
	return view
}

// resolveMachine looks up the machine named by the path parameter. The
// network address is the primary handle; a numeric id is accepted too.
func (h *Handlers) resolveMachine(c *gin.Context) (models.Machine, bool) {
	ref := c.Param("machine_ref")
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		machine, err := h.registry.Get(c.Request.Context(), uint(id))
		if err != nil {
			respondError(c, err)
			return models.Machine{}, false
		}
		return machine, true
	}

	machine, err := h.registry.GetByAddress(c.Request.Context(), ref)
	if err != nil {
		respondError(c, err)
		return models.Machine{}, false
	}
	return machine, true
}

// HandleRegisterMachine  godoc
//
//	@Summary		Registers a machine with the fleet.
//	@Description	Creates the directory row, the gateway deployments and the first machine token. The token is returned exactly once.
//	@Tags			machines
//	@Param			request	body		registry.RegisterRequest	true	"Machine Registration"
//	@Success		201		{object}	registry.RegisterResult
//	@Router			/machines [post]
func (h *Handlers) HandleRegisterMachine(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Existing {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// HandleListMachines  godoc
//
//	@Summary	Lists registered machines. Admins may pass include_disabled=true.
//	@Tags		machines
//	@Success	200	{array}	models.Machine
//	@Router		/machines [get]
func (h *Handlers) HandleListMachines(c *gin.Context) {
	includeDisabled := c.Query("include_disabled") == "true" && credential(c).Admin
	machines, err := h.registry.List(c.Request.Context(), includeDisabled)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]machineView, 0, len(machines))
	for _, machine := range machines {
		views = append(views, h.machineView(c, machine))
	}
	c.JSON(http.StatusOK, views)
}

// HandleGetMachine  godoc
//
//	@Summary	Returns one machine's directory row.
//	@Tags		machines
//	@Success	200	{object}	models.Machine
//	@Router		/machines/{machine_ref} [get]
func (h *Handlers) HandleGetMachine(c *gin.Context) {
	machine, ok := h.resolveMachine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.machineView(c, machine))
}

// HandleUpdateMachine  godoc
//
//	@Summary		Updates a machine's directory row and reconciles the gateway.
//	@Description	Admins may update any machine; a machine token may only update its own machine.
//	@Tags			machines
//	@Param			request	body		registry.UpdateRequest	true	"Machine Update"
//	@Success		200		{object}	models.Machine
//	@Router			/machines/{machine_ref} [put]
func (h *Handlers) HandleUpdateMachine(c *gin.Context) {
	target, ok := h.resolveMachine(c)
	if !ok {
		return
	}
	id := target.ID
	cred := credential(c)
	if !cred.Admin && !(cred.Kind == CredentialMachine && cred.MachineID == id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to update this machine"})
		return
	}

	var req registry.UpdateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	machine, synced, err := h.registry.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": machine, "synced": synced})
}

// HandleDeleteMachine  godoc
//
//	@Summary	Removes a machine from the fleet and cleans up its state.
//	@Tags		machines
//	@Success	204
//	@Router		/machines/{machine_ref} [delete]
func (h *Handlers) HandleDeleteMachine(c *gin.Context) {
	machine, ok := h.resolveMachine(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), machine.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type issueTokenRequest struct {
	Description string `json:"description"`
}

// HandleIssueMachineToken  godoc
//
//	@Summary	Mints an additional token for a machine.
//	@Tags		machines
//	@Success	201	{object}	models.MachineToken
//	@Router		/machines/{machine_ref}/tokens [post]
func (h *Handlers) HandleIssueMachineToken(c *gin.Context) {
	machine, ok := h.resolveMachine(c)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, err := h.registry.IssueToken(c.Request.Context(), machine.ID, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

// HandleListMachineTokens  godoc
//
//	@Summary	Lists a machine's active tokens.
//	@Tags		machines
//	@Success	200	{array}	models.MachineToken
//	@Router		/machines/{machine_ref}/tokens [get]
func (h *Handlers) HandleListMachineTokens(c *gin.Context) {
	machine, ok := h.resolveMachine(c)
	if !ok {
		return
	}
	tokens, err := h.registry.Tokens(c.Request.Context(), machine.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// HandleRevokeMachineToken  godoc
//
//	@Summary	Revokes a machine token.
//	@Tags		machines
//	@Success	204
//	@Router		/machine-tokens/{token_id} [delete]
func (h *Handlers) HandleRevokeMachineToken(c *gin.Context) {
	if err := h.registry.RevokeToken(c.Request.Context(), c.Param("token_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
