package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcli2api/internal/config"
	"gcli2api/internal/storage"
)

func newTestPool(t *testing.T) (*Pool, storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewPool(store, storage.NamespaceDefault, config.NewDynamic(store)), store
}

func bundle(rt string) map[string]any {
	return map[string]any{"refresh_token": rt, "access_token": "at"}
}

func TestPoolGetSkipsDisabled(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()

	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))
	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "b.json", bundle("rt-b")))
	require.True(t, store.UpdateCredentialState(ctx, storage.NamespaceDefault, "a.json",
		map[string]any{"disabled": true}))

	for i := 0; i < 20; i++ {
		cred, ok := pool.Get(ctx, "gemini-2.5-pro")
		require.True(t, ok)
		assert.Equal(t, "b.json", cred.Filename)
	}
}

func TestPoolGetSkipsCooldown(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()

	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))
	future := float64(time.Now().Add(time.Hour).Unix())
	require.True(t, store.SetModelCooldown(ctx, storage.NamespaceDefault, "a.json", "gemini-2.5-pro", future))

	_, ok := pool.Get(ctx, "gemini-2.5-pro")
	assert.False(t, ok, "credential on cooldown must not be selected")

	// A different model key is unaffected.
	cred, ok := pool.Get(ctx, "gemini-2.5-flash")
	require.True(t, ok)
	assert.Equal(t, "a.json", cred.Filename)

	// An elapsed cooldown no longer blocks selection.
	past := float64(time.Now().Add(-time.Minute).Unix())
	require.True(t, store.SetModelCooldown(ctx, storage.NamespaceDefault, "a.json", "gemini-2.5-pro", past))
	_, ok = pool.Get(ctx, "gemini-2.5-pro")
	assert.True(t, ok)
}

func TestPoolGetEmpty(t *testing.T) {
	pool, _ := newTestPool(t)
	_, ok := pool.Get(context.Background(), "gemini-2.5-pro")
	assert.False(t, ok)
}

func TestRecordError429SetsCooldown(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()
	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))

	pool.RecordError(ctx, "a.json", "gemini-2.5-pro", 429)

	state := store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.Equal(t, []int{429}, state.ErrorCodes)
	assert.False(t, state.Disabled)
	until := state.ModelCooldowns["gemini-2.5-pro"]
	assert.Greater(t, until, float64(time.Now().Unix()))

	_, ok := pool.Get(ctx, "gemini-2.5-pro")
	assert.False(t, ok)
}

func TestRecordErrorAuthStreakDisables(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()
	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))

	pool.RecordError(ctx, "a.json", "m", 401)
	pool.RecordError(ctx, "a.json", "m", 403)
	state := store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.False(t, state.Disabled, "two fatal codes are not enough")

	// A success in between resets the streak.
	pool.RecordSuccess(ctx, "a.json")
	pool.RecordError(ctx, "a.json", "m", 401)
	pool.RecordError(ctx, "a.json", "m", 401)
	pool.RecordError(ctx, "a.json", "m", 500)
	pool.RecordError(ctx, "a.json", "m", 401)
	state = store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.False(t, state.Disabled, "streak interrupted by non-fatal code")

	pool.RecordError(ctx, "a.json", "m", 403)
	pool.RecordError(ctx, "a.json", "m", 401)
	state = store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.True(t, state.Disabled, "three consecutive fatal codes disable")
}

func TestRecordErrorHistoryBounded(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()
	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))

	for i := 0; i < 15; i++ {
		pool.RecordError(ctx, "a.json", "m", 500)
	}
	state := store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.Len(t, state.ErrorCodes, 10)
}

func TestRecordSuccessClearsHistory(t *testing.T) {
	pool, store := newTestPool(t)
	ctx := context.Background()
	require.True(t, store.StoreCredential(ctx, storage.NamespaceDefault, "a.json", bundle("rt-a")))

	pool.RecordError(ctx, "a.json", "m", 500)
	pool.RecordSuccess(ctx, "a.json")

	state := store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.Empty(t, state.ErrorCodes)
	assert.Greater(t, state.LastSuccess, 0.0)
}
