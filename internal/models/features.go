package models

import (
	"regexp"
	"strconv"
	"strings"
)

// Features are the request-handling switches encoded in a model name.
// Marker prefixes and suffixes stack, so e.g.
// "假流式/gemini-2.5-pro-thinking-8192-search" decodes to fake streaming plus
// a thinking budget plus grounded search over the base model.
type Features struct {
	BaseModel       string
	FakeStreaming   bool
	AntiTruncation  bool
	Search          bool
	ThinkingBudget  *int
	IncludeThoughts bool
}

// Markers defines the recognized model-name decorations. The defaults carry
// both the ASCII suffix forms and the legacy CJK prefixes.
type Markers struct {
	FakeStreamPrefix string
	AntiTruncPrefix  string
	FakeStreamSuffix string
	AntiTruncSuffix  string
	SearchSuffix     string
	NoThinkingSuffix string
}

func DefaultMarkers() Markers {
	return Markers{
		FakeStreamPrefix: "假流式/",
		AntiTruncPrefix:  "流式抗截断/",
		FakeStreamSuffix: "-fake-stream",
		AntiTruncSuffix:  "-anti-trunc",
		SearchSuffix:     "-search",
		NoThinkingSuffix: "-nothinking",
	}
}

var thinkingBudgetRe = regexp.MustCompile(`-thinking-(\d+)$`)

// Decode parses a model name with the default markers.
func Decode(name string) Features {
	return DecodeWith(name, DefaultMarkers())
}

// DecodeWith strips recognized markers from name in any order and returns
// the accumulated features. Unrecognized decorations stay in BaseModel.
func DecodeWith(name string, m Markers) Features {
	f := Features{}
	rest := name

	for {
		switch {
		case m.FakeStreamPrefix != "" && strings.HasPrefix(rest, m.FakeStreamPrefix):
			f.FakeStreaming = true
			rest = strings.TrimPrefix(rest, m.FakeStreamPrefix)
		case m.AntiTruncPrefix != "" && strings.HasPrefix(rest, m.AntiTruncPrefix):
			f.AntiTruncation = true
			rest = strings.TrimPrefix(rest, m.AntiTruncPrefix)
		case m.FakeStreamSuffix != "" && strings.HasSuffix(rest, m.FakeStreamSuffix):
			f.FakeStreaming = true
			rest = strings.TrimSuffix(rest, m.FakeStreamSuffix)
		case m.AntiTruncSuffix != "" && strings.HasSuffix(rest, m.AntiTruncSuffix):
			f.AntiTruncation = true
			rest = strings.TrimSuffix(rest, m.AntiTruncSuffix)
		case m.SearchSuffix != "" && strings.HasSuffix(rest, m.SearchSuffix):
			f.Search = true
			rest = strings.TrimSuffix(rest, m.SearchSuffix)
		case m.NoThinkingSuffix != "" && strings.HasSuffix(rest, m.NoThinkingSuffix):
			zero := 0
			f.ThinkingBudget = &zero
			f.IncludeThoughts = false
			rest = strings.TrimSuffix(rest, m.NoThinkingSuffix)
		default:
			if match := thinkingBudgetRe.FindStringSubmatch(rest); match != nil {
				if budget, err := strconv.Atoi(match[1]); err == nil {
					f.ThinkingBudget = &budget
					f.IncludeThoughts = budget > 0
					rest = strings.TrimSuffix(rest, match[0])
					continue
				}
			}
			f.BaseModel = rest
			return f
		}
	}
}
