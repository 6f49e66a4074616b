package translator

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// IsGeminiRequest reports whether an inbound body is Gemini-shaped rather
// than OpenAI-shaped. Gemini requests carry contents, OpenAI requests carry
// messages.
func IsGeminiRequest(body []byte) bool {
	root := gjson.ParseBytes(body)
	return root.Get("contents").Exists() && !root.Get("messages").Exists()
}

// GeminiToOpenAIRequest rewrites a Gemini-shaped request body into the
// normalized OpenAI chat-completions shape the rest of the pipeline expects.
func GeminiToOpenAIRequest(body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	out := []byte(`{}`)
	var err error

	if model := root.Get("model").String(); model != "" {
		if out, err = sjson.SetBytes(out, "model", model); err != nil {
			return nil, err
		}
	}

	idx := 0
	if sys := flattenGeminiParts(root.Get("systemInstruction.parts")); sys != "" {
		if out, err = sjson.SetBytes(out, "messages.0", map[string]any{
			"role": "system", "content": sys,
		}); err != nil {
			return nil, err
		}
		idx = 1
	}

	for _, content := range root.Get("contents").Array() {
		role := "user"
		if content.Get("role").String() == "model" {
			role = "assistant"
		}
		value := openAIContent(content.Get("parts"))
		if value == nil {
			continue
		}
		if out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d", idx), map[string]any{
			"role": role, "content": value,
		}); err != nil {
			return nil, err
		}
		idx++
	}

	gc := root.Get("generationConfig")
	if v := gc.Get("temperature"); v.Exists() {
		if out, err = sjson.SetBytes(out, "temperature", v.Float()); err != nil {
			return nil, err
		}
	}
	if v := gc.Get("topP"); v.Exists() {
		if out, err = sjson.SetBytes(out, "top_p", v.Float()); err != nil {
			return nil, err
		}
	}
	if v := gc.Get("maxOutputTokens"); v.Exists() {
		if out, err = sjson.SetBytes(out, "max_tokens", v.Int()); err != nil {
			return nil, err
		}
	}
	if stops := gc.Get("stopSequences"); stops.IsArray() {
		var list []string
		for _, s := range stops.Array() {
			list = append(list, s.String())
		}
		if out, err = sjson.SetBytes(out, "stop", list); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenGeminiParts(parts gjson.Result) string {
	text := ""
	for _, part := range parts.Array() {
		if t := part.Get("text"); t.Exists() {
			text += t.String()
		}
	}
	return text
}

// openAIContent converts Gemini parts into an OpenAI content value: a plain
// string for text-only turns, the multi-part array form when images are
// present, nil when the turn is empty.
func openAIContent(parts gjson.Result) any {
	var items []map[string]any
	hasImage := false
	for _, part := range parts.Array() {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			items = append(items, map[string]any{"type": "text", "text": t.String()})
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			hasImage = true
			items = append(items, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": fmt.Sprintf("data:%s;base64,%s",
						inline.Get("mimeType").String(), inline.Get("data").String()),
				},
			})
		}
	}
	if len(items) == 0 {
		return nil
	}
	if !hasImage {
		text := ""
		for _, item := range items {
			text += item["text"].(string)
		}
		return text
	}
	return items
}
