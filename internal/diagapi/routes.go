package diagapi

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Config selects optional protections for the diagnostics API.
type Config struct {
	APIKey string
}

// RegisterRoutes mounts the Swagger UI plus an /api/v1 group, optionally
// behind an API key.
func RegisterRoutes(r *gin.Engine, h *Handler, cfg Config) {
	r.GET("/swagger/doc.json", serveSwaggerDoc)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	if cfg.APIKey != "" {
		api.Use(RequireAPIKey(cfg.APIKey))
	}

	api.GET("/stats", h.Stats)
	api.GET("/discovery/participants", h.Participants)
	api.GET("/discovery/endpoints", h.Endpoints)
	api.GET("/discovery/audit", h.Audit)
	api.GET("/qos-profiles", h.QoSProfiles)
	api.GET("/writers/:guid/history", h.WriterHistory)
	api.GET("/readers/:guid/samples", h.ReaderSamples)
}
