package handler

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/taxdesk/taxdesk-api/internal/middleware"
	"github.com/taxdesk/taxdesk-api/internal/service"
	"github.com/taxdesk/taxdesk-api/pkg/config"
)

// Handlers bundles the HTTP handlers registered on the router.
type Handlers struct {
	Auth          *AuthHandler
	Filings       *FilingHandler
	Documents     *DocumentHandler
	Notifications *NotificationHandler
	Metrics       *MetricsHandler
}

// RegisterRoutes mounts every endpoint on the engine. Authentication and
// role guards live here; handlers assume claims are present and services
// re-check ownership and role on every operation.
func RegisterRoutes(r *gin.Engine, cfg *config.Config, auth *service.AuthService, h Handlers) {
	if h.Metrics != nil {
		r.GET("/health", h.Metrics.Health)
		r.GET("/ready", h.Metrics.Health)
		r.GET("/metrics", h.Metrics.Prometheus)
	}

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	if h.Auth != nil {
		authGroup := api.Group("/auth")
		authGroup.POST("/login", h.Auth.Login)
		authGroup.POST("/refresh", h.Auth.Refresh)
		authGroup.POST("/logout", middleware.JWT(auth), h.Auth.Logout)
		authGroup.GET("/me", middleware.JWT(auth), h.Auth.Me)
	}

	// Signed-token download sits outside the JWT group: the token itself
	// is the credential, so links can be opened from a browser.
	if h.Documents != nil {
		api.GET("/documents/download", h.Documents.Download)
	}

	protected := api.Group("", middleware.JWT(auth))
	staff := protected.Group("", middleware.RequireStaff())

	if h.Filings != nil {
		protected.POST("/filings", h.Filings.Create)
		protected.GET("/filings", h.Filings.List)
		protected.GET("/filings/:id", h.Filings.Get)
		protected.GET("/filings/:id/checklist", h.Filings.Checklist)

		staff.POST("/filings/:id/transition", h.Filings.Transition)
		staff.PUT("/filings/:id/advisor", h.Filings.AssignAdvisor)
		staff.PATCH("/filings/:id/financials", h.Filings.UpdateFinancials)
		staff.GET("/filings/stats", h.Filings.Stats)
	}

	if h.Documents != nil {
		protected.POST("/documents", h.Documents.Upload)
		protected.GET("/documents/me", h.Documents.ListMine)
		protected.GET("/documents/:id", h.Documents.Get)
		protected.GET("/documents/:id/versions", h.Documents.Versions)
		protected.GET("/documents/:id/download-url", h.Documents.DownloadRef)
		protected.POST("/documents/:id/reupload", h.Documents.Reupload)
		protected.DELETE("/documents/:id", h.Documents.Delete)
		protected.GET("/filings/:id/documents", h.Documents.ListForFiling)

		staff.GET("/documents", h.Documents.ListAll)
		staff.POST("/documents/:id/review", h.Documents.Review)
		staff.POST("/documents/requests", h.Documents.RequestAdditional)
	}

	if h.Notifications != nil {
		protected.GET("/notifications", h.Notifications.List)
		protected.POST("/notifications/:id/read", h.Notifications.MarkRead)
		protected.POST("/notifications/read-all", h.Notifications.MarkAllRead)
	}
}
