package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gcli2api/internal/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := storage.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	r := gin.New()
	New(store).Register(r.Group("/admin"))
	return r, store
}

func seed(t *testing.T, store storage.Store, ns storage.Namespace, filename string) {
	t.Helper()
	require.True(t, store.StoreCredential(context.Background(), ns, filename, map[string]any{
		"refresh_token": "rt-" + string(ns) + "-" + filename,
		"access_token":  "at",
	}))
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListCredentials(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()
	seed(t, store, storage.NamespaceDefault, "a.json")
	seed(t, store, storage.NamespaceDefault, "b.json")
	require.True(t, store.UpdateCredentialState(ctx, storage.NamespaceDefault, "b.json", map[string]any{"disabled": true}))
	seed(t, store, storage.NamespaceAntigravity, "c.json")

	w := do(r, http.MethodGet, "/admin/credentials", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), body.Get("total").Int())
	assert.Equal(t, int64(1), body.Get("enabled").Int())
	assert.Equal(t, int64(1), body.Get("disabled").Int())

	t.Run("status filter", func(t *testing.T) {
		w := do(r, http.MethodGet, "/admin/credentials?status=disabled", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := gjson.Parse(w.Body.String())
		require.Equal(t, int64(1), body.Get("total").Int())
		assert.Equal(t, "b.json", body.Get("items.0.filename").String())
	})

	t.Run("antigravity namespace", func(t *testing.T) {
		w := do(r, http.MethodGet, "/admin/credentials?namespace=antigravity", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := gjson.Parse(w.Body.String())
		require.Equal(t, int64(1), body.Get("total").Int())
		assert.Equal(t, "c.json", body.Get("items.0.filename").String())
	})

	t.Run("paging", func(t *testing.T) {
		w := do(r, http.MethodGet, "/admin/credentials?limit=1&offset=1", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := gjson.Parse(w.Body.String())
		assert.Equal(t, int64(2), body.Get("total").Int())
		assert.Len(t, body.Get("items").Array(), 1)
	})
}

func TestPatchCredential(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()
	seed(t, store, storage.NamespaceDefault, "a.json")
	require.True(t, store.UpdateCredentialState(ctx, storage.NamespaceDefault, "a.json", map[string]any{
		"disabled":    true,
		"error_codes": []int{401, 401, 401},
	}))

	w := do(r, http.MethodPatch, "/admin/credentials/a.json", `{"disabled": false}`)
	require.Equal(t, http.StatusOK, w.Code)

	state := store.GetCredentialState(ctx, storage.NamespaceDefault, "a.json")
	assert.False(t, state.Disabled)
	assert.Empty(t, state.ErrorCodes, "re-enabling clears failure history")

	t.Run("missing credential", func(t *testing.T) {
		w := do(r, http.MethodPatch, "/admin/credentials/nope.json", `{"disabled": true}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		w := do(r, http.MethodPatch, "/admin/credentials/a.json", `{"disabled": "yes"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeleteCredential(t *testing.T) {
	r, store := newTestRouter(t)
	seed(t, store, storage.NamespaceDefault, "a.json")

	w := do(r, http.MethodDelete, "/admin/credentials/a.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, store.ListCredentials(context.Background(), storage.NamespaceDefault))

	w = do(r, http.MethodDelete, "/admin/credentials/a.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	r, store := newTestRouter(t)

	w := do(r, http.MethodPut, "/admin/config/compatibility_mode", `true`)
	require.Equal(t, http.StatusOK, w.Code)

	v, ok := store.GetConfig("compatibility_mode")
	require.True(t, ok)
	assert.Equal(t, true, v)

	w = do(r, http.MethodGet, "/admin/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "compatibility_mode").Bool())

	w = do(r, http.MethodDelete, "/admin/config/compatibility_mode", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	_, ok = store.GetConfig("compatibility_mode")
	assert.False(t, ok)
}

func TestConfigReload(t *testing.T) {
	r, store := newTestRouter(t)
	require.True(t, store.SetConfig(context.Background(), "continuation_prompt", "keep going"))

	w := do(r, http.MethodPost, "/admin/config/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "keys").Int())

	v, ok := store.GetConfig("continuation_prompt")
	require.True(t, ok)
	assert.Equal(t, "keep going", v)
}
