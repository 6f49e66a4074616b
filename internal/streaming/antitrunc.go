package streaming

import (
	"bufio"
	"bytes"
	"context"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestFunc issues one streaming backend call for payload and returns its
// SSE body.
type RequestFunc func(ctx context.Context, payload map[string]any) (io.ReadCloser, error)

// ContinuationConfig tunes the anti-truncation loop.
type ContinuationConfig struct {
	// MaxAttempts is the number of continuation rounds after the initial
	// stream; 0 disables continuation entirely.
	MaxAttempts int
	// Prompt is the user turn asking the model to resume.
	Prompt string
	// TriggerReasons are the upstream finish reasons treated as truncation.
	TriggerReasons []string
}

// WithContinuation splices continuation rounds onto a truncated stream.
// first is the already-open initial SSE body; when a round ends with a
// trigger finish reason and attempts remain, the original payload is
// re-sent with the accumulated model text and a resume prompt appended, and
// the next round's frames flow through the same pipe. The reader yields raw
// Gemini SSE frames; overlap de-duplication happens downstream.
func WithContinuation(ctx context.Context, first io.ReadCloser, send RequestFunc, payload map[string]any, cfg ContinuationConfig) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		accumulated := ""
		body := first
		for attempt := 0; ; attempt++ {
			// A trigger finish reason is hidden from the client while a
			// continuation round can still follow; otherwise clients that
			// stop at the first finish_reason never see the resumed text.
			strip := func(reason string) bool {
				return attempt < cfg.MaxAttempts && contains(cfg.TriggerReasons, reason)
			}
			text, finish, err := forward(ctx, body, pw, strip)
			_ = body.Close()
			accumulated += text
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if !contains(cfg.TriggerReasons, finish) || attempt >= cfg.MaxAttempts {
				return
			}

			log.WithFields(log.Fields{"attempt": attempt + 1, "finish": finish}).
				Info("response truncated, requesting continuation")
			payload = continuationPayload(payload, accumulated, cfg.Prompt)
			body, err = send(ctx, payload)
			if err != nil {
				log.WithError(err).Warn("continuation request failed")
				return
			}
		}
	}()

	return pr
}

// forward copies SSE data frames from body to w, tracking the candidate
// text and final finish reason. Frames whose finish reason matches strip
// are forwarded without it.
func forward(ctx context.Context, body io.Reader, w io.Writer, strip func(string) bool) (text, finish string, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return text, finish, ctx.Err()
		}
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		frame := bytes.TrimPrefix(line, dataPrefix)
		if bytes.EqualFold(bytes.TrimSpace(frame), []byte("[DONE]")) {
			break
		}

		candPath := "candidates.0"
		if gjson.GetBytes(frame, "response.candidates.0").Exists() {
			candPath = "response.candidates.0"
		}
		cand := gjson.GetBytes(frame, candPath)
		for _, part := range cand.Get("content.parts").Array() {
			if part.Get("thought").Bool() {
				continue
			}
			text += part.Get("text").String()
		}
		if fr := cand.Get("finishReason").String(); fr != "" {
			finish = fr
			if strip != nil && strip(fr) {
				if cleaned, err := sjson.DeleteBytes(frame, candPath+".finishReason"); err == nil {
					frame = cleaned
				}
			}
		}

		if _, err := w.Write(dataPrefix); err != nil {
			return text, finish, err
		}
		if _, err := w.Write(frame); err != nil {
			return text, finish, err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return text, finish, err
		}
	}
	return text, finish, scanner.Err()
}

// continuationPayload clones payload with the accumulated model text and a
// resume prompt appended to the conversation.
func continuationPayload(payload map[string]any, accumulated, prompt string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	var contents []any
	switch cs := payload["contents"].(type) {
	case []any:
		contents = append(contents, cs...)
	case []map[string]any:
		for _, c := range cs {
			contents = append(contents, c)
		}
	}
	if accumulated != "" {
		contents = append(contents, map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": accumulated}},
		})
	}
	contents = append(contents, map[string]any{
		"role":  "user",
		"parts": []map[string]any{{"text": prompt}},
	})
	out["contents"] = contents
	return out
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
