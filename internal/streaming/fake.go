package streaming

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gcli2api/internal/imagehost"
	"gcli2api/internal/translator"
)

// Placeholders shown when a unary response has no usable text.
const (
	thinkingOnlyPlaceholder = "[模型正在思考中，请稍后再试或重新提问]"
	emptyPlaceholder        = "[响应为空，请重新尝试]"
)

// UnaryFunc performs the backend call backing a fake stream and returns the
// response body and HTTP status.
type UnaryFunc func(ctx context.Context) (body []byte, status int, err error)

// FakeStream emulates streaming over a unary backend call: an empty
// assistant delta goes out immediately, heartbeats keep the connection warm
// while the call runs, and the full response is delivered as a single final
// delta. Cancelling ctx aborts the backend call.
func FakeStream(ctx context.Context, call UnaryFunc, model, id string, heartbeat time.Duration, uploader *imagehost.Uploader, w io.Writer, flush func()) error {
	defer func() {
		_, _ = w.Write(doneFrame)
		flush()
	}()

	if err := writeChunk(w, heartbeatChunk(model, id)); err != nil {
		return err
	}
	flush()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		body   []byte
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		body, status, err := call(callCtx)
		done <- result{body, status, err}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("client disconnected during fake stream")
			return ctx.Err()
		case <-ticker.C:
			if err := writeChunk(w, heartbeatChunk(model, id)); err != nil {
				return err
			}
			flush()
		case res := <-done:
			if res.err != nil {
				log.WithError(res.err).Warn("fake stream backend call failed")
				return writeErrorChunk(w, flush, res.err.Error())
			}
			if res.status != 200 {
				log.WithField("status", res.status).Warn("fake stream backend returned error")
				return writeErrorChunk(w, flush, string(res.body))
			}
			err := writeChunk(w, finalChunk(ctx, res.body, model, id, uploader))
			flush()
			return err
		}
	}
}

func heartbeatChunk(model, id string) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"role": "assistant", "content": ""},
			"finish_reason": nil,
		}},
	}
}

// finalChunk flattens the unary response into one terminal delta.
func finalChunk(ctx context.Context, body []byte, model, id string, uploader *imagehost.Uploader) map[string]any {
	delta := map[string]any{"role": "assistant"}

	if !gjson.ValidBytes(body) {
		// An unparseable body still reaches the client, verbatim.
		delta["content"] = string(body)
	} else {
		full := translator.GeminiToOpenAI(body, model, id)
		message := full["choices"].([]map[string]any)[0]["message"].(map[string]any)
		content, _ := message["content"].(string)
		reasoning, _ := message["reasoning_content"].(string)
		toolCalls, hasTools := message["tool_calls"]

		if content == "" && !hasTools {
			if reasoning != "" {
				content = thinkingOnlyPlaceholder
			} else {
				content = emptyPlaceholder
			}
		}
		if uploader != nil {
			content = uploader.RewriteDataURIs(ctx, content)
		}
		delta["content"] = content
		if reasoning != "" {
			delta["reasoning_content"] = reasoning
		}
		if hasTools {
			delta["tool_calls"] = toolCalls
		}
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": "stop",
		}},
	}
}

func writeErrorChunk(w io.Writer, flush func(), message string) error {
	err := writeChunk(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "upstream_error",
		},
	})
	flush()
	return err
}
