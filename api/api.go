// Package api exposes the routing service over HTTP: OpenAI-compatible
// chat endpoints for clients, lifecycle and liveness endpoints for
// machines, and fleet/ledger administration.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"gitlab.com/inference-grid/routing-service/cache"
	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/dispatch"
	"gitlab.com/inference-grid/routing-service/internal/config"
	"gitlab.com/inference-grid/routing-service/internal/logger"
	"gitlab.com/inference-grid/routing-service/internal/tracing"
	"gitlab.com/inference-grid/routing-service/ledger"
	"gitlab.com/inference-grid/routing-service/liveness"
	"gitlab.com/inference-grid/routing-service/registry"
)

var zlog *zap.Logger

func init() {
	zlog = logger.New("api")
}

// Handlers bundles the services the HTTP layer fronts.
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	tracker    *liveness.Tracker
	ledger     *ledger.Ledger
	apiTokens  repositories.APITokenRepository
	auth       *authenticator
}

func NewHandlers(dispatcher *dispatch.Dispatcher, reg *registry.Registry, tracker *liveness.Tracker,
	led *ledger.Ledger, apiTokens repositories.APITokenRepository, store cache.Store, cfg config.Credit) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		registry:   reg,
		tracker:    tracker,
		ledger:     led,
		apiTokens:  apiTokens,
		auth: &authenticator{
			apiTokens: apiTokens,
			machines:  reg,
			store:     store,
			jwtSecret: cfg.JWTSecret,
		},
	}
}

// SetupRouter wires all endpoints onto a gin engine.
func (h *Handlers) SetupRouter() *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(DefaultConfig()))
	router.Use(otelgin.Middleware(tracing.ServiceName))

	// Prometheus HTTP service discovery scrapes without credentials.
	router.GET("/discovery/targets", h.HandleDiscoveryTargets)

	v1 := router.Group("/api/v1")
	v1.Use(h.auth.Authenticate)

	v1.POST("/chat/completions", requireSubject, h.HandleChatCompletion)
	v1.POST("/verify", requireSubject, h.HandleVerify)
	v1.GET("/models", h.HandleListModels)

	credits := v1.Group("/credits")
	{
		credits.GET("", requireSubject, h.HandleGetCredits)
		credits.GET("/history", requireSubject, h.HandleCreditHistory)
		credits.POST("/:subject_id", requireAdmin, h.HandleAdjustCredits)
		credits.PUT("/:subject_id/auto-refill", requireAdmin, h.HandleSetAutoRefill)
	}

	tokens := v1.Group("/auth-tokens")
	{
		tokens.POST("", requireSubject, h.HandleCreateAPIToken)
		tokens.GET("", requireSubject, h.HandleListAPITokens)
		tokens.DELETE("/:token_id", requireSubject, h.HandleRevokeAPIToken)
	}

	machines := v1.Group("/machines")
	{
		machines.POST("", requireAdmin, h.HandleRegisterMachine)
		machines.GET("", h.HandleListMachines)
		// Machines are addressed by network address or numeric id.
		machines.GET("/:machine_ref", h.HandleGetMachine)
		machines.PUT("/:machine_ref", h.HandleUpdateMachine)
		machines.DELETE("/:machine_ref", requireAdmin, h.HandleDeleteMachine)
		machines.POST("/:machine_ref/tokens", requireAdmin, h.HandleIssueMachineToken)
		machines.GET("/:machine_ref/tokens", requireAdmin, h.HandleListMachineTokens)
	}
	v1.DELETE("/machine-tokens/:token_id", requireAdmin, h.HandleRevokeMachineToken)

	v1.POST("/liveness/:machine_id", requireMachine, h.HandleHeartbeat)
	v1.GET("/liveness/:machine_id", h.HandleLivenessStatus)

	return router
}

// DefaultConfig returns the CORS policy applied to every endpoint.
func DefaultConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	return config
}
