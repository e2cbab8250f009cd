package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// HandleGetCredits  godoc
//
//	@Summary	Returns the caller's credit balance.
//	@Tags		credits
//	@Success	200
//	@Router		/credits [get]
func (h *Handlers) HandleGetCredits(c *gin.Context) {
	subject := credential(c).SubjectID
	balance, err := h.ledger.Balance(c.Request.Context(), subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subject, "credits": balance})
}

// HandleCreditHistory  godoc
//
//	@Summary	Returns the caller's ledger entries, newest first.
//	@Tags		credits
//	@Param		limit	query	int	false	"page size (default 50, max 200)"
//	@Param		offset	query	int	false	"page offset"
//	@Success	200		{array}	models.CreditHistory
//	@Router		/credits/history [get]
func (h *Handlers) HandleCreditHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := h.ledger.History(c.Request.Context(), credential(c).SubjectID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type adjustCreditsRequest struct {
	Amount      float64 `json:"amount" binding:"required"`
	Description string  `json:"description"`
}

// HandleAdjustCredits  godoc
//
//	@Summary		Credits or debits a subject's balance (admin).
//	@Description	Positive amounts top the subject up, negative amounts charge them.
//	@Tags			credits
//	@Param			request	body	adjustCreditsRequest	true	"Adjustment"
//	@Success		200
//	@Router			/credits/{subject_id} [post]
func (h *Handlers) HandleAdjustCredits(c *gin.Context) {
	var req adjustCreditsRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	subject := c.Param("subject_id")
	description := req.Description
	if description == "" {
		description = "manual adjustment"
	}

	var (
		balance float64
		err     error
	)
	if req.Amount >= 0 {
		balance, err = h.ledger.Credit(c.Request.Context(), subject, req.Amount, description)
	} else {
		balance, err = h.ledger.Debit(c.Request.Context(), subject, -req.Amount, description)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subject, "credits": balance})
}

type autoRefillRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetAutoRefill  godoc
//
//	@Summary	Toggles low-balance webhook notifications for a subject (admin).
//	@Tags		credits
//	@Success	200
//	@Router		/credits/{subject_id}/auto-refill [put]
func (h *Handlers) HandleSetAutoRefill(c *gin.Context) {
	var req autoRefillRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	subject := c.Param("subject_id")
	if err := h.ledger.SetAutoRefill(c.Request.Context(), subject, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subject, "auto_refill": req.Enabled})
}
