package translator

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gcli2api/internal/models"
)

// placeholderPrompt stands in when every user message was filtered out, so
// the backend still receives a user turn to answer.
const placeholderPrompt = "请根据系统指令回答。"

const maxOutputTokensCap = 65535

// Options tunes request translation.
type Options struct {
	// CompatibilityMode folds system messages into user turns instead of a
	// systemInstruction block, for backends that reject the latter.
	CompatibilityMode bool
	Features          models.Features
}

// Request is a translated backend call: the bare model name and the
// generateContent payload.
type Request struct {
	Model   string
	Payload map[string]any
}

// OpenAIToGemini converts an OpenAI chat-completions body into a Gemini
// generateContent payload.
func OpenAIToGemini(body []byte, opts Options) (*Request, error) {
	root := gjson.ParseBytes(body)
	msgs := root.Get("messages").Array()
	if len(msgs) == 0 {
		return nil, errors.New("messages is required")
	}

	var systemTexts []string
	start := 0
	if !opts.CompatibilityMode {
		for _, msg := range msgs {
			if msg.Get("role").String() != "system" {
				break
			}
			if text := flattenText(msg.Get("content")); text != "" {
				systemTexts = append(systemTexts, text)
			}
			start++
		}
	}

	contents := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs[start:] {
		role := msg.Get("role").String()
		parts := buildParts(msg)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  mapRole(role),
			"parts": parts,
		})
	}
	if len(contents) == 0 {
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": placeholderPrompt}},
		})
	}

	payload := map[string]any{
		"contents":         contents,
		"generationConfig": buildGenerationConfig(root, opts.Features),
		"safetySettings":   permissiveSafetySettings(),
	}
	if len(systemTexts) > 0 {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemTexts, "\n\n")}},
		}
	}
	if tools := buildTools(root, opts.Features); len(tools) > 0 {
		payload["tools"] = tools
	}

	return &Request{Model: opts.Features.BaseModel, Payload: payload}, nil
}

func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	// system (in compatibility mode or after the leading block), user and
	// tool all map to user turns.
	return "user"
}

// flattenText joins the text of a string or multi-part content value.
func flattenText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var sb strings.Builder
	for _, item := range content.Array() {
		if item.Get("type").String() == "text" {
			sb.WriteString(item.Get("text").String())
		}
	}
	return sb.String()
}

func buildParts(msg gjson.Result) []map[string]any {
	var parts []map[string]any

	if msg.Get("role").String() == "assistant" {
		if calls := msg.Get("tool_calls"); calls.IsArray() {
			for _, call := range calls.Array() {
				name := call.Get("function.name").String()
				if name == "" {
					continue
				}
				args := map[string]any{}
				if raw := call.Get("function.arguments").String(); raw != "" {
					parsed := gjson.Parse(raw)
					if parsed.IsObject() {
						args = parsed.Value().(map[string]any)
					}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": name, "args": args},
				})
			}
		}
	}

	if msg.Get("role").String() == "tool" {
		name := msg.Get("name").String()
		if name == "" {
			name = msg.Get("tool_call_id").String()
		}
		if text := flattenText(msg.Get("content")); text != "" {
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     name,
					"response": map[string]any{"result": text},
				},
			})
		}
		return parts
	}

	content := msg.Get("content")
	if content.Type == gjson.String {
		if text := content.String(); text != "" {
			parts = append(parts, map[string]any{"text": text})
		}
		return parts
	}
	if !content.IsArray() {
		return parts
	}
	for _, item := range content.Array() {
		switch item.Get("type").String() {
		case "text":
			if text := item.Get("text").String(); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		case "image_url":
			if part, ok := dataURIPart(item.Get("image_url.url").String()); ok {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// dataURIPart decodes a data: URI into an inlineData part. Malformed URIs
// and remote URLs are dropped.
func dataURIPart(url string) (map[string]any, bool) {
	if !strings.HasPrefix(url, "data:") {
		log.WithField("scheme", "remote").Debug("dropping non-data image url")
		return nil, false
	}
	rest := strings.TrimPrefix(url, "data:")
	mime, b64, found := strings.Cut(rest, ";base64,")
	if !found || mime == "" || b64 == "" {
		log.Debug("dropping malformed data uri")
		return nil, false
	}
	return map[string]any{
		"inlineData": map[string]any{"mimeType": mime, "data": b64},
	}, true
}

func buildGenerationConfig(root gjson.Result, f models.Features) map[string]any {
	gc := map[string]any{"topK": 64}

	if v := root.Get("temperature"); v.Exists() {
		gc["temperature"] = v.Float()
	}
	if v := root.Get("top_p"); v.Exists() {
		gc["topP"] = v.Float()
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := v.Int()
		if n > maxOutputTokensCap {
			n = maxOutputTokensCap
		}
		gc["maxOutputTokens"] = n
	}
	if v := root.Get("frequency_penalty"); v.Exists() {
		gc["frequencyPenalty"] = v.Float()
	}
	if v := root.Get("presence_penalty"); v.Exists() {
		gc["presencePenalty"] = v.Float()
	}
	if v := root.Get("seed"); v.Exists() {
		gc["seed"] = v.Int()
	}
	if v := root.Get("n"); v.Exists() {
		gc["candidateCount"] = v.Int()
	}
	if v := root.Get("stop"); v.Exists() {
		if v.Type == gjson.String {
			gc["stopSequences"] = []string{v.String()}
		} else if v.IsArray() {
			var stops []string
			for _, s := range v.Array() {
				stops = append(stops, s.String())
			}
			gc["stopSequences"] = stops
		}
	}
	if root.Get("response_format.type").String() == "json_object" {
		gc["responseMimeType"] = "application/json"
	}
	if f.ThinkingBudget != nil {
		gc["thinkingConfig"] = map[string]any{
			"thinkingBudget":  *f.ThinkingBudget,
			"includeThoughts": f.IncludeThoughts,
		}
	}
	return gc
}

func buildTools(root gjson.Result, f models.Features) []map[string]any {
	var tools []map[string]any

	if decls := functionDeclarations(root); len(decls) > 0 {
		tools = append(tools, map[string]any{"functionDeclarations": decls})
	}
	if f.Search {
		tools = append(tools, map[string]any{"googleSearch": map[string]any{}})
	}
	return tools
}

func functionDeclarations(root gjson.Result) []map[string]any {
	var decls []map[string]any
	for _, tool := range root.Get("tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		name := fn.Get("name").String()
		if name == "" {
			continue
		}
		decl := map[string]any{"name": name}
		if desc := fn.Get("description").String(); desc != "" {
			decl["description"] = desc
		}
		if params := fn.Get("parameters"); params.IsObject() {
			decl["parameters"] = params.Value()
		}
		decls = append(decls, decl)
	}
	return decls
}

func permissiveSafetySettings() []map[string]any {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	settings := make([]map[string]any, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, map[string]any{
			"category":  c,
			"threshold": "BLOCK_NONE",
		})
	}
	return settings
}
