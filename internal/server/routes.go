package server

import (
	"net/http"

	"github.com/dreamforge/dream-server/internal/api"
	"github.com/dreamforge/dream-server/internal/app"

	"github.com/gin-gonic/gin"
)

func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Not an API, just a simple file server endpoint
	s.ginEngine.GET("/file/:filename", handlerWrapper(app, api.GetFile))

	apiV1 := s.ginEngine.Group("/api/v1")

	apiV1.POST("/generate", handlerWrapper(app, api.GenerateImageSync))
	apiV1.POST("/generate_async", handlerWrapper(app, api.GenerateImageAsync))
	apiV1.GET("/jobs", handlerWrapper(app, api.ListJobs))
	apiV1.GET("/jobs/:id", handlerWrapper(app, api.GetJob))

	apiV1.GET("/modes", handlerWrapper(app, api.ListModes))
	apiV1.POST("/modes/switch", handlerWrapper(app, api.SwitchMode))
	apiV1.POST("/models/unload", handlerWrapper(app, api.UnloadModel))
	apiV1.GET("/models/status", handlerWrapper(app, api.ModelStatus))
	apiV1.GET("/vram", handlerWrapper(app, api.VRAMStats))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}
