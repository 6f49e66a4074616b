package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func authRouter(password, hash string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", Auth(password, hash), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestAuth(t *testing.T) {
	r := authRouter("secret", "")

	do := func(setup func(*http.Request)) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if setup != nil {
			setup(req)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("missing key is 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do(nil))
	})

	t.Run("wrong key is 403", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, do(func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer nope")
		}))
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer secret")
		}))
	})

	t.Run("goog api key header accepted", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(func(req *http.Request) {
			req.Header.Set("x-goog-api-key", "secret")
		}))
	})

	t.Run("x-api-key header accepted", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(func(req *http.Request) {
			req.Header.Set("x-api-key", "secret")
		}))
	})

	t.Run("query key accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping?key=secret", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	assert.NoError(t, err)
	r := authRouter("ignored-plaintext", string(hash))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer ignored-plaintext")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code, "plaintext is ignored when a hash is configured")
}
