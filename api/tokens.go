package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/models"
)

type createAPITokenRequest struct {
	Description string `json:"description"`
}

// HandleCreateAPIToken  godoc
//
//	@Summary		Issues an API key for the caller.
//	@Description	The plaintext key is returned exactly once.
//	@Tags			auth-tokens
//	@Success		201	{object}	models.APIToken
//	@Router			/auth-tokens [post]
func (h *Handlers) HandleCreateAPIToken(c *gin.Context) {
	var req createAPITokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		respondError(c, err)
		return
	}

	token, err := h.apiTokens.Create(c.Request.Context(), models.APIToken{
		ID:          uuid.NewString(),
		SubjectID:   credential(c).SubjectID,
		Token:       apiKeyPrefix + hex.EncodeToString(raw),
		Description: req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

// HandleListAPITokens  godoc
//
//	@Summary	Lists the caller's active API keys with the secret redacted.
//	@Tags		auth-tokens
//	@Success	200	{array}	models.APIToken
//	@Router		/auth-tokens [get]
func (h *Handlers) HandleListAPITokens(c *gin.Context) {
	query := h.apiTokens.GetQuery()
	query.Conditions = []repositories.QueryCondition{
		repositories.EQ("subject_id", credential(c).SubjectID),
		repositories.IsNull("deleted_at"),
	}
	query.SortBy = "created_at"

	tokens, err := h.apiTokens.FindAll(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	for i := range tokens {
		tokens[i].Token = redact(tokens[i].Token)
	}
	c.JSON(http.StatusOK, tokens)
}

// HandleRevokeAPIToken  godoc
//
//	@Summary	Revokes one of the caller's API keys.
//	@Tags		auth-tokens
//	@Success	204
//	@Router		/auth-tokens/{token_id} [delete]
func (h *Handlers) HandleRevokeAPIToken(c *gin.Context) {
	ctx := c.Request.Context()
	token, err := h.apiTokens.Get(ctx, c.Param("token_id"))
	if err != nil {
		if errors.Is(err, repositories.NotFoundError) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		respondError(c, err)
		return
	}
	if token.SubjectID != credential(c).SubjectID || token.DeletedAt != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}

	now := time.Now()
	token.DeletedAt = &now
	if _, err := h.apiTokens.Update(ctx, token.ID, token); err != nil {
		respondError(c, err)
		return
	}

	// Drop the cached credential so the key stops working immediately.
	if err := h.auth.store.Delete(ctx, "token:"+token.Token); err != nil {
		zlog.Sugar().Warnf("failed to evict token cache: %v", err)
	}
	c.Status(http.StatusNoContent)
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
