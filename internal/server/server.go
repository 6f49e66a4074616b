package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gcli2api/internal/config"
	"gcli2api/internal/handlers/admin"
	"gcli2api/internal/handlers/openai"
	"gcli2api/internal/imagehost"
	"gcli2api/internal/middleware"
	"gcli2api/internal/storage"
	"gcli2api/internal/upstream/gemini"
)

// Build assembles the gin engine: the OpenAI-compatible surface under /v1,
// the same surface for the antigravity pool under /antigravity/v1, and the
// operational endpoints.
func Build(settings *config.Settings, store storage.Store) *gin.Engine {
	if !settings.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	dyn := config.NewDynamic(store)
	uploader := imagehost.NewUploader(settings.PicGoEnabled, settings.PicGoURL, settings.PicGoAPIKey)
	client := gemini.NewClient(settings.CodeAssistEndpoint, settings.RequestTimeout)
	h := openai.New(settings, dyn, store, uploader, client)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(settings.APIPassword, settings.APIPasswordHash)
	limit := middleware.RateLimit(settings.RateLimitRPS, settings.RateLimitBurst)

	mount := func(group *gin.RouterGroup, ns storage.Namespace) {
		group.GET("/models", h.ListModels(ns))
		group.POST("/chat/completions", h.ChatCompletions(ns))
	}
	mount(r.Group("/v1", auth, limit), storage.NamespaceDefault)
	mount(r.Group("/antigravity/v1", auth, limit), storage.NamespaceAntigravity)

	admin.New(store).Register(r.Group("/admin", auth))

	return r
}
