package storage

import (
	"context"
	"errors"
)

// Namespace separates independent credential pools sharing one backend.
type Namespace string

const (
	// NamespaceDefault holds the primary Gemini CLI credential pool.
	NamespaceDefault Namespace = "default"
	// NamespaceAntigravity holds the secondary pool served under /antigravity.
	NamespaceAntigravity Namespace = "antigravity"
)

// ErrNotFound is returned by backend internals when a record does not exist.
// It never crosses the Store boundary; methods surface zero values instead.
var ErrNotFound = errors.New("storage: not found")

// CredentialState is the mutable runtime state tracked alongside each
// credential: health history, cooldowns and ownership metadata.
type CredentialState struct {
	Disabled       bool               `json:"disabled"`
	ErrorCodes     []int              `json:"error_codes"`
	LastSuccess    float64            `json:"last_success"`
	UserEmail      string             `json:"user_email,omitempty"`
	ModelCooldowns map[string]float64 `json:"model_cooldowns,omitempty"`
}

// CredentialRecord is a full credential row: the stored token bundle plus its
// runtime state and rotation bookkeeping.
type CredentialRecord struct {
	Filename      string
	Data          map[string]any
	State         CredentialState
	RotationOrder int
	CallCount     int64
}

// SummaryFilter narrows and pages a credentials summary listing.
type SummaryFilter struct {
	Offset int
	Limit  int
	Status string // "", "enabled" or "disabled"
}

// CredentialSummary is one row of the admin-facing pool overview.
type CredentialSummary struct {
	Filename    string  `json:"filename"`
	Disabled    bool    `json:"disabled"`
	ErrorCount  int     `json:"error_count"`
	LastSuccess float64 `json:"last_success"`
	UserEmail   string  `json:"user_email,omitempty"`
	CallCount   int64   `json:"call_count"`
}

// Summary is a paged credentials overview with pool-level counters.
type Summary struct {
	Items    []CredentialSummary `json:"items"`
	Total    int                 `json:"total"`
	Offset   int                 `json:"offset"`
	Limit    int                 `json:"limit"`
	Enabled  int                 `json:"enabled"`
	Disabled int                 `json:"disabled"`
}

// Store is the storage adapter over PostgreSQL, Redis/Valkey or the local
// filesystem. Backend failures are logged inside the implementation and
// surface as zero values; callers never see backend errors except from
// Init, Close and ReloadConfigCache.
//
// Dynamic configuration reads are served from an in-memory cache populated
// at Init; SetConfig and DeleteConfig write through to the backend and the
// cache atomically.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// StoreCredential upserts a token bundle. A bundle whose refresh_token
	// already exists under a different filename is rejected (returns false).
	StoreCredential(ctx context.Context, ns Namespace, filename string, data map[string]any) bool
	GetCredential(ctx context.Context, ns Namespace, filename string) map[string]any
	ListCredentials(ctx context.Context, ns Namespace) []string
	DeleteCredential(ctx context.Context, ns Namespace, filename string) bool
	GetAllCredentials(ctx context.Context, ns Namespace) []CredentialRecord

	GetCredentialState(ctx context.Context, ns Namespace, filename string) CredentialState
	// UpdateCredentialState applies a partial update. Recognized keys:
	// disabled, error_codes, last_success, user_email, model_cooldowns.
	UpdateCredentialState(ctx context.Context, ns Namespace, filename string, updates map[string]any) bool
	// SetModelCooldown sets the per-model cooldown deadline (unix seconds);
	// until <= 0 clears the entry.
	SetModelCooldown(ctx context.Context, ns Namespace, filename, model string, until float64) bool
	IncrementCallCount(ctx context.Context, ns Namespace, filename string)
	GetCredentialsSummary(ctx context.Context, ns Namespace, f SummaryFilter) Summary

	GetConfig(key string) (any, bool)
	SetConfig(ctx context.Context, key string, value any) bool
	DeleteConfig(ctx context.Context, key string) bool
	AllConfig() map[string]any
	ReloadConfigCache(ctx context.Context) error
}

func summarize(records []CredentialRecord, f SummaryFilter) Summary {
	s := Summary{Offset: f.Offset, Limit: f.Limit}
	filtered := make([]CredentialRecord, 0, len(records))
	for _, r := range records {
		if r.State.Disabled {
			s.Disabled++
		} else {
			s.Enabled++
		}
		switch f.Status {
		case "enabled":
			if r.State.Disabled {
				continue
			}
		case "disabled":
			if !r.State.Disabled {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	s.Total = len(filtered)

	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	for _, r := range filtered[start:end] {
		s.Items = append(s.Items, CredentialSummary{
			Filename:    r.Filename,
			Disabled:    r.State.Disabled,
			ErrorCount:  len(r.State.ErrorCodes),
			LastSuccess: r.State.LastSuccess,
			UserEmail:   r.State.UserEmail,
			CallCount:   r.CallCount,
		})
	}
	return s
}

func refreshTokenOf(data map[string]any) string {
	if rt, ok := data["refresh_token"].(string); ok {
		return rt
	}
	return ""
}
