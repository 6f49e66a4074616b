package openai

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gcli2api/internal/models"
	"gcli2api/internal/storage"
)

// ListModels handles GET /v1/models. Clients authenticating with ?key= are
// Gemini SDKs and get the Gemini-shaped listing; everyone else gets the
// OpenAI-shaped one.
func (h *Handler) ListModels(ns storage.Namespace) gin.HandlerFunc {
	return func(c *gin.Context) {
		variants := models.Variants(h.baseModels())

		if c.Query("key") != "" {
			out := make([]map[string]any, 0, len(variants))
			for _, m := range variants {
				out = append(out, map[string]any{
					"name":        "models/" + m,
					"displayName": m,
					"supportedGenerationMethods": []string{
						"generateContent", "streamGenerateContent",
					},
				})
			}
			c.JSON(http.StatusOK, gin.H{"models": out})
			return
		}

		created := time.Now().Unix()
		out := make([]map[string]any, 0, len(variants))
		for _, m := range variants {
			out = append(out, map[string]any{
				"id":       m,
				"object":   "model",
				"created":  created,
				"owned_by": "google",
			})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": out})
	}
}

// baseModels reads the exposed base models from dynamic config, falling
// back to the built-in list.
func (h *Handler) baseModels() []string {
	v, ok := h.store.GetConfig("base_models")
	if !ok {
		return models.DefaultBaseModels()
	}
	items, ok := v.([]any)
	if !ok {
		return models.DefaultBaseModels()
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return models.DefaultBaseModels()
	}
	return out
}
