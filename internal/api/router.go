package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Orbo/internal/handler"
	logger "github.com/Gopher0727/Orbo/middleware/log"
	"github.com/Gopher0727/Orbo/utils/ratelimit"
)

// Handlers groups the HTTP handlers served by the router.
type Handlers struct {
	Auth    *handler.AuthHandler
	Group   *handler.GroupHandler
	Health  *handler.HealthHandler
	Webhook *handler.WebhookHandler
}

// NewRouter builds the engine with global middleware and every route.
func NewRouter(mw *MiddlewareManager, h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(logger.TraceMiddleware(), mw.Recovery(), mw.Logger(), mw.CORS())
	RegisterRoutes(r, mw, h)
	return r
}

// RegisterRoutes registers all API routes
func RegisterRoutes(r *gin.Engine, mw *MiddlewareManager, h Handlers) {
	r.GET("/health", h.Health.Liveness)

	r.POST("/webhook/telegram/:bot", mw.RateLimitByEndpoint(ratelimit.ClassWebhook), h.Webhook.HandleUpdate)

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth", mw.RateLimitByEndpoint(ratelimit.ClassAuth))
		{
			auth.POST("/telegram", h.Auth.AuthenticateTelegram)
			auth.POST("/refresh", h.Auth.RefreshToken)
		}
	}

	protected := api.Group("", mw.JWTAuth(), mw.RateLimitByEndpoint(ratelimit.ClassAPI), mw.Async())
	{
		orgGroups := protected.Group("/orgs/:org_id/groups")
		{
			orgGroups.GET("", h.Group.ListMappings)
			orgGroups.POST("", h.Group.AddMapping)
			orgGroups.DELETE("/:chat_id", h.Group.RemoveMapping)
			orgGroups.POST("/:chat_id/archive", h.Group.ArchiveMapping)
			orgGroups.POST("/:chat_id/restore", h.Group.RestoreMapping)
			orgGroups.GET("/:chat_id/access", h.Group.GetAccess)
		}

		groups := protected.Group("/groups")
		{
			groups.POST("/check", h.Group.CheckGroups)
			groups.GET("/health", h.Health.GetHealthSummary)
			groups.GET("/:chat_id/health", h.Health.GetHealth)
		}
	}
}
