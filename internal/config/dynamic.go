package config

import (
	"time"

	"gcli2api/internal/storage"
)

// Dynamic reads hot-reloadable settings from the storage config cache.
// Values are plain JSON documents set through the storage adapter, so they
// can be changed at runtime without a restart.
type Dynamic struct {
	store storage.Store
}

func NewDynamic(store storage.Store) *Dynamic {
	return &Dynamic{store: store}
}

func (d *Dynamic) boolValue(key string, def bool) bool {
	v, ok := d.store.GetConfig(key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func (d *Dynamic) intValue(key string, def int) int {
	v, ok := d.store.GetConfig(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

func (d *Dynamic) stringValue(key, def string) string {
	v, ok := d.store.GetConfig(key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func (d *Dynamic) stringsValue(key string, def []string) []string {
	v, ok := d.store.GetConfig(key)
	if !ok {
		return def
	}
	items, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// CompatibilityMode converts system messages to user messages instead of
// emitting a systemInstruction block.
func (d *Dynamic) CompatibilityMode() bool {
	return d.boolValue("compatibility_mode", false)
}

// Cooldown429 is how long a credential sits out a model after a 429.
func (d *Dynamic) Cooldown429() time.Duration {
	return time.Duration(d.intValue("cooldown_429_seconds", 60)) * time.Second
}

// HeartbeatInterval paces keep-alive chunks during fake streaming.
func (d *Dynamic) HeartbeatInterval() time.Duration {
	return time.Duration(d.intValue("fake_stream_heartbeat_seconds", 3)) * time.Second
}

// AntiTruncationMaxAttempts bounds continuation rounds per request.
func (d *Dynamic) AntiTruncationMaxAttempts() int {
	n := d.intValue("anti_truncation_max_attempts", 3)
	if n < 0 {
		return 0
	}
	return n
}

// ContinuationPrompt is the user turn appended when resuming a truncated
// response.
func (d *Dynamic) ContinuationPrompt() string {
	return d.stringValue("continuation_prompt", "continue")
}

// TruncationReasons is the finish-reason set that triggers continuation.
func (d *Dynamic) TruncationReasons() []string {
	return d.stringsValue("truncation_finish_reasons", []string{"MAX_TOKENS"})
}
