package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gcli2api/internal/models"
	"gcli2api/internal/storage"
	"gcli2api/internal/streaming"
	"gcli2api/internal/translator"
	"gcli2api/internal/upstream/gemini"
)

// healthMessage answers health-probe requests without spending a backend
// call or touching the credential pool.
const healthMessage = "gcli2api正常工作中"

const maxRequestBody = 32 << 20

// ChatCompletions handles POST /v1/chat/completions for one namespace.
func (h *Handler) ChatCompletions(ns storage.Namespace) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
			return
		}
		if translator.IsGeminiRequest(body) {
			if body, err = translator.GeminiToOpenAIRequest(body); err != nil {
				errorJSON(c, http.StatusBadRequest, "failed to convert request: "+err.Error(), "invalid_request_error")
				return
			}
		}

		root := gjson.ParseBytes(body)
		modelName := root.Get("model").String()
		if modelName == "" {
			errorJSON(c, http.StatusBadRequest, "model is required", "invalid_request_error")
			return
		}
		id := "chatcmpl-" + uuid.NewString()

		if isHealthProbe(root) {
			c.JSON(http.StatusOK, healthResponse(modelName, id))
			return
		}

		features := models.Decode(modelName)
		req, err := translator.OpenAIToGemini(body, translator.Options{
			CompatibilityMode: h.dyn.CompatibilityMode(),
			Features:          features,
		})
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return
		}

		disp := h.dispatchers[ns]
		stream := root.Get("stream").Bool()

		switch {
		case stream && features.FakeStreaming:
			h.fakeStream(c, disp, req, modelName, id)
		case stream:
			h.stream(c, disp, req, modelName, id, features.AntiTruncation)
		default:
			h.unary(c, disp, req, modelName, id)
		}
	}
}

func isHealthProbe(root gjson.Result) bool {
	msgs := root.Get("messages").Array()
	if len(msgs) != 1 {
		return false
	}
	// Exact match only; "hi" or " Hi " are real messages.
	return msgs[0].Get("role").String() == "user" &&
		msgs[0].Get("content").String() == "Hi"
}

func healthResponse(model, id string) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": healthMessage,
			},
			"finish_reason": "stop",
		}},
	}
}

func (h *Handler) unary(c *gin.Context, disp *gemini.Dispatcher, req *translator.Request, model, id string) {
	resp, _, err := disp.Do(c.Request.Context(), req.Model, req.Payload, false)
	if err != nil {
		dispatchError(c, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "failed to read backend response", "upstream_error")
		return
	}
	if resp.StatusCode != http.StatusOK {
		forwardUpstreamError(c, resp.StatusCode, body)
		return
	}

	out := translator.GeminiToOpenAI(body, model, id)
	h.rehostResponseImages(c.Request.Context(), out)
	c.JSON(http.StatusOK, out)
}

func (h *Handler) stream(c *gin.Context, disp *gemini.Dispatcher, req *translator.Request, model, id string, antiTrunc bool) {
	ctx := c.Request.Context()

	resp, _, err := disp.Do(ctx, req.Model, req.Payload, true)
	if err != nil {
		dispatchError(c, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		forwardUpstreamError(c, resp.StatusCode, body)
		return
	}

	upstream := io.ReadCloser(resp.Body)
	if antiTrunc {
		send := func(ctx context.Context, payload map[string]any) (io.ReadCloser, error) {
			next, _, err := disp.Do(ctx, req.Model, payload, true)
			if err != nil {
				return nil, err
			}
			if next.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(next.Body, 1<<20))
				next.Body.Close()
				return nil, fmt.Errorf("continuation rejected with status %d: %s", next.StatusCode, body)
			}
			return next.Body, nil
		}
		upstream = streaming.WithContinuation(ctx, resp.Body, send, req.Payload, streaming.ContinuationConfig{
			MaxAttempts:    h.dyn.AntiTruncationMaxAttempts(),
			Prompt:         h.dyn.ContinuationPrompt(),
			TriggerReasons: h.dyn.TruncationReasons(),
		})
	}
	defer upstream.Close()

	sseHeaders(c)
	cv := streaming.NewConverter(model, id, h.uploader)
	if err := cv.Run(ctx, upstream, c.Writer, c.Writer.Flush); err != nil {
		log.WithError(err).Debug("stream ended early")
	}
}

func (h *Handler) fakeStream(c *gin.Context, disp *gemini.Dispatcher, req *translator.Request, model, id string) {
	call := func(ctx context.Context) ([]byte, int, error) {
		resp, _, err := disp.Do(ctx, req.Model, req.Payload, false)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, err
		}
		return body, resp.StatusCode, nil
	}

	sseHeaders(c)
	err := streaming.FakeStream(c.Request.Context(), call, model, id,
		h.dyn.HeartbeatInterval(), h.uploader, c.Writer, c.Writer.Flush)
	if err != nil {
		log.WithError(err).Debug("fake stream ended early")
	}
}

// rehostResponseImages rewrites inline data-URI images in a unary response.
func (h *Handler) rehostResponseImages(ctx context.Context, out map[string]any) {
	if h.uploader == nil || !h.uploader.Enabled() {
		return
	}
	choices, ok := out["choices"].([]map[string]any)
	if !ok || len(choices) == 0 {
		return
	}
	message, ok := choices[0]["message"].(map[string]any)
	if !ok {
		return
	}
	if content, ok := message["content"].(string); ok && content != "" {
		message["content"] = h.uploader.RewriteDataURIs(ctx, content)
	}
}

func dispatchError(c *gin.Context, err error) {
	if errors.Is(err, gemini.ErrNoCredentials) {
		errorJSON(c, http.StatusInternalServerError, "no credentials available", "no_credentials")
		return
	}
	if errors.Is(err, context.Canceled) {
		c.Abort()
		return
	}
	errorJSON(c, http.StatusBadGateway, err.Error(), "upstream_error")
}

func forwardUpstreamError(c *gin.Context, status int, body []byte) {
	message := strings.TrimSpace(string(body))
	if m := gjson.GetBytes(body, "error.message").String(); m != "" {
		message = m
	}
	c.JSON(status, gin.H{"error": gin.H{
		"message": message,
		"type":    "upstream_error",
		"code":    status,
	}})
}
