package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gcli2api/internal/config"
	"gcli2api/internal/credential"
	"gcli2api/internal/imagehost"
	"gcli2api/internal/storage"
	"gcli2api/internal/upstream/gemini"
)

// Handler serves the OpenAI-compatible surface for one or more credential
// namespaces.
type Handler struct {
	settings    *config.Settings
	dyn         *config.Dynamic
	store       storage.Store
	uploader    *imagehost.Uploader
	dispatchers map[storage.Namespace]*gemini.Dispatcher
}

func New(settings *config.Settings, dyn *config.Dynamic, store storage.Store, uploader *imagehost.Uploader, client *gemini.Client) *Handler {
	dispatchers := map[storage.Namespace]*gemini.Dispatcher{}
	for _, ns := range []storage.Namespace{storage.NamespaceDefault, storage.NamespaceAntigravity} {
		pool := credential.NewPool(store, ns, dyn)
		dispatchers[ns] = gemini.NewDispatcher(client, pool, settings.MaxRetries)
	}
	return &Handler{
		settings:    settings,
		dyn:         dyn,
		store:       store,
		uploader:    uploader,
		dispatchers: dispatchers,
	}
}

func errorJSON(c *gin.Context, status int, message, errType string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message, "type": errType}})
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}
