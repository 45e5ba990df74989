// Package router wires the gateway's routes and middleware onto a gin
// engine.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/visiodeibc/omnirelay/internal/gateway/handler"
)

// SetupRouter configures and returns the gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := handler.New(deps)

	r.GET("/health", h.Health)

	// Platform webhooks. GETs are the verification handshakes the
	// platforms perform when the endpoint is registered.
	api := r.Group("/api")
	{
		api.POST("/tg", h.TelegramWebhook)

		api.GET("/instagram", h.InstagramVerify)
		api.POST("/instagram", h.InstagramWebhook)

		api.GET("/tiktok", h.TikTokVerify)
		api.POST("/tiktok", h.TikTokWebhook)

		// Unified test ingress, no signature validation.
		api.POST("/message", h.IngestMessage)
	}

	// Jobs ops API.
	v1 := r.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("", h.CreateJob)
			jobsGroup.GET("", h.ListJobs)
			jobsGroup.GET("/:job_id", h.GetJob)
		}
	}

	return r
}
