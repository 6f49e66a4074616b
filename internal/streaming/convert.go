package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"gcli2api/internal/imagehost"
	"gcli2api/internal/translator"
)

var (
	dataPrefix = []byte("data: ")
	doneFrame  = []byte("data: [DONE]\n\n")
)

// Converter turns a Gemini SSE stream into OpenAI chat.completion.chunk
// frames. Text deltas are de-duplicated against everything already emitted:
// continuation rounds re-send overlapping text, so each delta is trimmed by
// the longest suffix of the accumulated output that prefixes it.
type Converter struct {
	model    string
	id       string
	uploader *imagehost.Uploader
	acc      strings.Builder
}

func NewConverter(model, id string, uploader *imagehost.Uploader) *Converter {
	return &Converter{model: model, id: id, uploader: uploader}
}

// Accumulated returns all content text emitted so far.
func (cv *Converter) Accumulated() string { return cv.acc.String() }

// Run pumps upstream into w until the stream ends, then writes the [DONE]
// terminator. The terminator is written even when upstream fails mid-way so
// clients always see a well-formed stream.
func (cv *Converter) Run(ctx context.Context, upstream io.Reader, w io.Writer, flush func()) error {
	defer func() {
		_, _ = w.Write(doneFrame)
		flush()
	}()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		frame := bytes.TrimPrefix(line, dataPrefix)
		if bytes.EqualFold(bytes.TrimSpace(frame), []byte("[DONE]")) {
			break
		}

		chunk, ok := translator.GeminiChunkToOpenAI(frame, cv.model, cv.id)
		if !ok {
			continue
		}
		if !cv.dedupe(ctx, chunk) {
			continue
		}
		if err := writeChunk(w, chunk); err != nil {
			return err
		}
		flush()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("upstream stream ended abnormally")
		return err
	}
	return nil
}

// dedupe trims the chunk's content delta against accumulated output and
// reports whether the chunk still carries anything worth sending.
func (cv *Converter) dedupe(ctx context.Context, chunk map[string]any) bool {
	choices := chunk["choices"].([]map[string]any)
	choice := choices[0]
	delta := choice["delta"].(map[string]any)

	content, _ := delta["content"].(string)
	if content != "" {
		trimmed := overlapTrim(cv.acc.String(), content)
		if trimmed == "" {
			delete(delta, "content")
		} else {
			cv.acc.WriteString(trimmed)
			if cv.uploader != nil {
				trimmed = cv.uploader.RewriteDataURIs(ctx, trimmed)
			}
			delta["content"] = trimmed
		}
	}

	_, hasContent := delta["content"]
	_, hasReasoning := delta["reasoning_content"]
	_, hasTools := delta["tool_calls"]
	return hasContent || hasReasoning || hasTools || choice["finish_reason"] != nil
}

// overlapTrim drops the longest prefix of next that is already a suffix of
// acc, so repeated text from continuation rounds is emitted exactly once.
func overlapTrim(acc, next string) string {
	max := len(next)
	if len(acc) < max {
		max = len(acc)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(acc, next[:n]) {
			return next[n:]
		}
	}
	return next
}

func writeChunk(w io.Writer, chunk map[string]any) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := w.Write(dataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
