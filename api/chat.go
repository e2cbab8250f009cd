package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gitlab.com/inference-grid/routing-service/dispatch"
	"gitlab.com/inference-grid/routing-service/models"
)

// HandleChatCompletion  godoc
//
//	@Summary		Routes a chat completion to an online machine.
//	@Description	Admits the request against the caller's credit balance, forwards it to a selector-chosen machine and bills the returned token usage. Set "stream" for SSE output.
//	@Tags			chat
//	@Param			request	body	models.ChatRequest	true	"Chat Completion Request"
//	@Success		200
//	@Router			/chat/completions [post]
func (h *Handlers) HandleChatCompletion(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(attribute.String("URL", "/chat/completions"))

	var req models.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and messages are required"})
		return
	}

	cred := credential(c)
	caller := dispatch.Caller{SubjectID: cred.SubjectID, APIKeyID: cred.APIKeyID}

	if req.Stream {
		h.streamCompletion(c, caller, req)
		return
	}

	result, err := h.dispatcher.Route(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result.Body)
}

func (h *Handlers) streamCompletion(c *gin.Context, caller dispatch.Caller, req models.ChatRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	started := false
	_, err := h.dispatcher.RouteStream(c.Request.Context(), caller, req, func(event []byte) error {
		started = true
		if _, err := c.Writer.Write(append(event, '\n', '\n')); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		// Headers are gone once the first event went out; mid-stream
		// failures can only terminate the stream.
		if !started {
			respondError(c, err)
		}
		return
	}
}

// HandleVerify  godoc
//
//	@Summary		Fans a question out to several models and aggregates yes/no verdicts.
//	@Tags			chat
//	@Param			request	body		models.VerifyRequest	true	"Verification Request"
//	@Success		200		{object}	models.VerifyResponse
//	@Router			/verify [post]
func (h *Handlers) HandleVerify(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(attribute.String("URL", "/verify"))

	var req models.VerifyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cred := credential(c)
	resp, err := h.dispatcher.Verify(c.Request.Context(), dispatch.Caller{
		SubjectID: cred.SubjectID, APIKeyID: cred.APIKeyID,
	}, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListModels  godoc
//
//	@Summary	Lists the models the fleet serves, in OpenAI list format.
//	@Tags		chat
//	@Success	200
//	@Router		/models [get]
func (h *Handlers) HandleListModels(c *gin.Context) {
	names := h.ledger.Pricing().Names()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{"id": name, "object": "model", "owned_by": "inference-grid"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
