package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gcli2api/internal/config"
	"gcli2api/internal/imagehost"
	"gcli2api/internal/storage"
	"gcli2api/internal/upstream/gemini"
)

func newTestRouter(t *testing.T, backend http.HandlerFunc) (*gin.Engine, storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := storage.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	settings := &config.Settings{
		CodeAssistEndpoint: srv.URL,
		RequestTimeout:     10 * time.Second,
		MaxRetries:         3,
	}
	dyn := config.NewDynamic(store)
	uploader := imagehost.NewUploader(false, "", "")
	client := gemini.NewClient(srv.URL, settings.RequestTimeout)
	h := New(settings, dyn, store, uploader, client)

	r := gin.New()
	r.GET("/v1/models", h.ListModels(storage.NamespaceDefault))
	r.POST("/v1/chat/completions", h.ChatCompletions(storage.NamespaceDefault))
	return r, store
}

func seedCredential(t *testing.T, store storage.Store, filename string) {
	t.Helper()
	ok := store.StoreCredential(context.Background(), storage.NamespaceDefault, filename, map[string]any{
		"refresh_token": "rt-" + filename,
		"access_token":  "at-" + filename,
		"expiry":        time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.True(t, ok)
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthProbeShortCircuit(t *testing.T) {
	backendCalls := 0
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		backendCalls++
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "a real answer"}]}, "finishReason": "STOP"}]}`))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "messages": [{"role": "user", "content": "Hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "gcli2api正常工作中", body.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	assert.True(t, strings.HasPrefix(body.Get("id").String(), "chatcmpl-"))
	assert.Equal(t, 0, backendCalls, "the probe must not reach the backend")

	t.Run("only the exact probe text short-circuits", func(t *testing.T) {
		for _, content := range []string{"hi", "HI", " Hi "} {
			w := doJSON(r, http.MethodPost, "/v1/chat/completions",
				`{"model": "gemini-2.5-pro", "messages": [{"role": "user", "content": "`+content+`"}]}`)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "a real answer",
				gjson.Get(w.Body.String(), "choices.0.message.content").String(), content)
		}
		assert.Equal(t, 3, backendCalls)
	})
}

func TestChatCompletionsUnary(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/models/gemini-2.5-pro:generateContent", req.URL.Path)
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "Hello there"}]}, "finishReason": "STOP"}], "usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5}}`))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "messages": [{"role": "user", "content": "tell me something"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Equal(t, "gemini-2.5-pro", body.Get("model").String())
	assert.Equal(t, "Hello there", body.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), body.Get("usage.total_tokens").Int())
}

func TestChatCompletionsModelRequired(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "hello"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestChatCompletionsNoCredentials(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "messages": [{"role": "user", "content": "hello"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "no_credentials", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, "no credentials available", gjson.Get(w.Body.String(), "error.message").String())
}

func TestChatCompletionsForwardsUpstreamError(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid argument"}}`))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "messages": [{"role": "user", "content": "hello"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "invalid argument", body.Get("error.message").String())
	assert.Equal(t, "upstream_error", body.Get("error.type").String())
	assert.Equal(t, int64(400), body.Get("error.code").Int())
}

func TestChatCompletionsStream(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/models/gemini-2.5-pro:streamGenerateContent", req.URL.Path)
		assert.Equal(t, "alt=sse", req.URL.RawQuery)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"candidates": [{"content": {"parts": [{"text": "Hello"}]}}]}` + "\n\n"))
		w.Write([]byte(`data: {"candidates": [{"content": {"parts": [{"text": " world"}]}, "finishReason": "STOP"}]}` + "\n\n"))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "stream": true, "messages": [{"role": "user", "content": "hello"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var contents []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			contents = append(contents, payload)
			continue
		}
		if c := gjson.Get(payload, "choices.0.delta.content"); c.Exists() {
			contents = append(contents, c.String())
		}
	}
	assert.Equal(t, []string{"Hello", " world", "[DONE]"}, contents)
}

func TestChatCompletionsStreamDispatchError(t *testing.T) {
	// Errors on the first upstream call must surface as HTTP status codes,
	// not as SSE frames.
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "stream": true, "messages": [{"role": "user", "content": "hello"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Header().Get("Content-Type"), "text/event-stream")
}

func TestChatCompletionsAcceptsGeminiShape(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "converted"}]}, "finishReason": "STOP"}]}`))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "gemini-2.5-pro", "contents": [{"role": "user", "parts": [{"text": "hello"}]}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "converted", gjson.Get(w.Body.String(), "choices.0.message.content").String())
}

func TestChatCompletionsFakeStream(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		// Feature markers are stripped before the backend sees the model.
		assert.Equal(t, "/v1/models/gemini-2.5-pro:generateContent", req.URL.Path)
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "slow answer"}]}, "finishReason": "STOP"}]}`))
	})
	seedCredential(t, store, "a.json")

	w := doJSON(r, http.MethodPost, "/v1/chat/completions",
		`{"model": "假流式/gemini-2.5-pro", "stream": true, "messages": [{"role": "user", "content": "hello"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"slow answer"`)
	assert.Contains(t, body, "data: [DONE]")
	assert.Equal(t, "假流式/gemini-2.5-pro", gjson.Get(strings.TrimPrefix(strings.Split(body, "\n")[0], "data: "), "model").String())
}

func TestListModelsOpenAIShape(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "list", body.Get("object").String())

	ids := map[string]bool{}
	for _, m := range body.Get("data").Array() {
		assert.Equal(t, "model", m.Get("object").String())
		ids[m.Get("id").String()] = true
	}
	assert.True(t, ids["gemini-2.5-pro"])
	assert.True(t, ids["假流式/gemini-2.5-pro"])
	assert.True(t, ids["流式抗截断/gemini-2.5-pro"])
}

func TestListModelsGeminiShape(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/v1/models?key=whatever", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	first := body.Get("models.0")
	assert.True(t, strings.HasPrefix(first.Get("name").String(), "models/"))
	assert.NotEmpty(t, first.Get("displayName").String())
}

func TestListModelsFromDynamicConfig(t *testing.T) {
	r, store := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {})
	require.True(t, store.SetConfig(context.Background(), "base_models", []any{"gemini-exp-1206"}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "gemini-exp-1206")
	assert.NotContains(t, body, "gemini-2.5-pro")
}
