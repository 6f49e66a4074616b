package translator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// finishReason maps Gemini finish reasons onto OpenAI values. Unknown and
// absent reasons stay null so clients keep reading.
func finishReason(r string) any {
	switch r {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return nil
	}
}

// extracted is the flattened view of one Gemini candidate.
type extracted struct {
	Content      string
	Reasoning    string
	ToolCalls    []map[string]any
	FinishReason any
}

func extractCandidate(cand gjson.Result) extracted {
	var e extracted
	imageSeen := false

	for _, part := range cand.Get("content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				e.Reasoning += text.String()
			} else {
				e.Content += text.String()
			}
			continue
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := "{}"
			if a := fc.Get("args"); a.Exists() {
				args = a.Raw
			}
			e.ToolCalls = append(e.ToolCalls, map[string]any{
				"id":   "call_" + uuid.NewString()[:8],
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": args,
				},
			})
			continue
		}
		// Only the first returned image is surfaced, as inline Markdown.
		if inline := part.Get("inlineData"); inline.Exists() && !imageSeen {
			imageSeen = true
			e.Content += fmt.Sprintf("\n\n![image](data:%s;base64,%s)",
				inline.Get("mimeType").String(), inline.Get("data").String())
			continue
		}
		if file := part.Get("fileData"); file.Exists() && !imageSeen {
			imageSeen = true
			e.Content += fmt.Sprintf("\n\n![image](%s)", file.Get("fileUri").String())
		}
	}

	e.FinishReason = finishReason(cand.Get("finishReason").String())
	return e
}

func usageFrom(root gjson.Result) map[string]any {
	meta := root.Get("usageMetadata")
	if !meta.Exists() {
		return nil
	}
	prompt := meta.Get("promptTokenCount").Int()
	completion := meta.Get("candidatesTokenCount").Int()
	total := meta.Get("totalTokenCount").Int()
	if total == 0 {
		total = prompt + completion
	}
	return map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}
}

// GeminiToOpenAI converts a unary generateContent response body into an
// OpenAI chat.completion object.
func GeminiToOpenAI(body []byte, model, id string) map[string]any {
	root := gjson.ParseBytes(body)
	e := extractCandidate(root.Get("response.candidates.0"))
	if !root.Get("response").Exists() {
		e = extractCandidate(root.Get("candidates.0"))
	}

	message := map[string]any{
		"role":    "assistant",
		"content": e.Content,
	}
	if e.Reasoning != "" {
		message["reasoning_content"] = e.Reasoning
	}
	if len(e.ToolCalls) > 0 {
		message["tool_calls"] = e.ToolCalls
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": e.FinishReason,
		}},
	}
	if usage := usageFrom(root); usage != nil {
		out["usage"] = usage
	} else if usage := usageFrom(root.Get("response")); usage != nil {
		out["usage"] = usage
	}
	return out
}

// GeminiChunkToOpenAI converts one streamed generateContent frame into an
// OpenAI chat.completion.chunk. ok is false when the frame carries nothing
// to forward.
func GeminiChunkToOpenAI(chunk []byte, model, id string) (map[string]any, bool) {
	root := gjson.ParseBytes(chunk)
	cand := root.Get("candidates.0")
	if r := root.Get("response.candidates.0"); r.Exists() {
		cand = r
	}
	if !cand.Exists() {
		return nil, false
	}
	e := extractCandidate(cand)
	if e.Content == "" && e.Reasoning == "" && len(e.ToolCalls) == 0 && e.FinishReason == nil {
		return nil, false
	}

	delta := map[string]any{"role": "assistant"}
	if e.Content != "" {
		delta["content"] = e.Content
	}
	if e.Reasoning != "" {
		delta["reasoning_content"] = e.Reasoning
	}
	if len(e.ToolCalls) > 0 {
		for i, call := range e.ToolCalls {
			call["index"] = i
		}
		delta["tool_calls"] = e.ToolCalls
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": e.FinishReason,
		}},
	}, true
}
