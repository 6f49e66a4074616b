package credential

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"gcli2api/internal/config"
	"gcli2api/internal/storage"
)

const (
	// maxErrorHistory bounds the per-credential error log.
	maxErrorHistory = 10
	// autoDisableStreak is how many consecutive fatal codes disable a
	// credential.
	autoDisableStreak = 3
)

// fatalCodes are authentication failures that indicate a dead credential
// rather than a transient upstream problem.
var fatalCodes = map[int]bool{401: true, 403: true}

// Credential is a selected pool entry: the stored filename and its token
// bundle.
type Credential struct {
	Filename string
	Data     map[string]any
}

// Pool selects and tracks credentials for one namespace. Selection is
// uniformly random among enabled credentials that are not cooling down for
// the requested model, so load spreads without coordination.
type Pool struct {
	store storage.Store
	ns    storage.Namespace
	dyn   *config.Dynamic
}

func NewPool(store storage.Store, ns storage.Namespace, dyn *config.Dynamic) *Pool {
	return &Pool{store: store, ns: ns, dyn: dyn}
}

// Get returns a usable credential for modelKey, or false when every
// credential is disabled, cooling down or missing.
func (p *Pool) Get(ctx context.Context, modelKey string) (*Credential, bool) {
	records := p.store.GetAllCredentials(ctx, p.ns)
	if len(records) == 0 {
		return nil, false
	}
	rand.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})

	now := float64(time.Now().Unix())
	for _, r := range records {
		if r.State.Disabled {
			continue
		}
		if until, ok := r.State.ModelCooldowns[modelKey]; ok && until > now {
			continue
		}
		return &Credential{Filename: r.Filename, Data: r.Data}, true
	}
	return nil, false
}

// RecordError appends status to the credential's error history. A 429 puts
// the credential on a per-model cooldown; a streak of fatal auth codes
// disables it outright.
func (p *Pool) RecordError(ctx context.Context, filename, modelKey string, status int) {
	state := p.store.GetCredentialState(ctx, p.ns, filename)
	codes := append(state.ErrorCodes, status)
	if len(codes) > maxErrorHistory {
		codes = codes[len(codes)-maxErrorHistory:]
	}
	updates := map[string]any{"error_codes": codes}

	if streak := trailingFatalStreak(codes); streak >= autoDisableStreak {
		updates["disabled"] = true
		log.WithFields(log.Fields{"filename": filename, "streak": streak}).
			Warn("credential disabled after repeated auth failures")
	}
	p.store.UpdateCredentialState(ctx, p.ns, filename, updates)

	if status == 429 {
		until := float64(time.Now().Add(p.dyn.Cooldown429()).Unix())
		p.store.SetModelCooldown(ctx, p.ns, filename, modelKey, until)
		log.WithFields(log.Fields{"filename": filename, "model": modelKey}).
			Info("credential cooling down after rate limit")
	}
}

// RecordSuccess clears the error history and stamps the last success time.
func (p *Pool) RecordSuccess(ctx context.Context, filename string) {
	p.store.UpdateCredentialState(ctx, p.ns, filename, map[string]any{
		"error_codes":  []int{},
		"last_success": float64(time.Now().Unix()),
	})
}

// IncrementCallCount bumps the usage counter, best effort.
func (p *Pool) IncrementCallCount(ctx context.Context, filename string) {
	p.store.IncrementCallCount(ctx, p.ns, filename)
}

// UpdateData persists a token bundle after a refresh.
func (p *Pool) UpdateData(ctx context.Context, filename string, data map[string]any) {
	if !p.store.StoreCredential(ctx, p.ns, filename, data) {
		log.WithField("filename", filename).Warn("persisting refreshed credential failed")
	}
}

func trailingFatalStreak(codes []int) int {
	streak := 0
	for i := len(codes) - 1; i >= 0; i-- {
		if !fatalCodes[codes[i]] {
			break
		}
		streak++
	}
	return streak
}
