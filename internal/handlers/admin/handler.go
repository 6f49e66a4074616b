package admin

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"gcli2api/internal/storage"
)

// Handler exposes the JSON management surface: pool overview, credential
// toggling and dynamic configuration.
type Handler struct {
	store storage.Store
}

func New(store storage.Store) *Handler {
	return &Handler{store: store}
}

// Register mounts the management routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/credentials", h.listCredentials)
	g.PATCH("/credentials/:filename", h.patchCredential)
	g.DELETE("/credentials/:filename", h.deleteCredential)

	g.GET("/config", h.getConfig)
	g.PUT("/config/:key", h.setConfig)
	g.DELETE("/config/:key", h.deleteConfig)
	g.POST("/config/reload", h.reloadConfig)
}

func namespaceOf(c *gin.Context) storage.Namespace {
	if c.Query("namespace") == string(storage.NamespaceAntigravity) {
		return storage.NamespaceAntigravity
	}
	return storage.NamespaceDefault
}

func (h *Handler) listCredentials(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	summary := h.store.GetCredentialsSummary(c.Request.Context(), namespaceOf(c), storage.SummaryFilter{
		Offset: offset,
		Limit:  limit,
		Status: c.Query("status"),
	})
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) patchCredential(c *gin.Context) {
	filename := c.Param("filename")
	ns := namespaceOf(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	disabled := gjson.GetBytes(body, "disabled")
	if !disabled.Exists() || !disabled.IsBool() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a boolean \"disabled\" field"})
		return
	}
	if h.store.GetCredential(c.Request.Context(), ns, filename) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}

	updates := map[string]any{"disabled": disabled.Bool()}
	if !disabled.Bool() {
		// Re-enabling also clears the failure history that disabled it.
		updates["error_codes"] = []int{}
	}
	if !h.store.UpdateCredentialState(c.Request.Context(), ns, filename, updates) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "disabled": disabled.Bool()})
}

func (h *Handler) deleteCredential(c *gin.Context) {
	filename := c.Param("filename")
	if !h.store.DeleteCredential(c.Request.Context(), namespaceOf(c), filename) {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": filename})
}

func (h *Handler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.AllConfig())
}

func (h *Handler) setConfig(c *gin.Context) {
	var value any
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON value"})
		return
	}
	key := c.Param("key")
	if !h.store.SetConfig(c.Request.Context(), key, value) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{key: value})
}

func (h *Handler) deleteConfig(c *gin.Context) {
	key := c.Param("key")
	if !h.store.DeleteConfig(c.Request.Context(), key) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) reloadConfig(c *gin.Context) {
	if err := h.store.ReloadConfigCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true, "keys": len(h.store.AllConfig())})
}
