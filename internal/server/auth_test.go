package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	h := NewRouter(&fakeSource{}, "", http.NotFoundHandler(), WithTokenHash(hash)).Handler()

	get := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz", ""), "healthz stays open")
	assert.Equal(t, http.StatusUnauthorized, get("/status", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/status", "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, get("/status", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/status", "Bearer s3cret"))
}

func TestTokenAuthDisabled(t *testing.T) {
	assert.False(t, NewTokenAuth("  ").Enabled())
	var a *TokenAuth
	assert.False(t, a.Enabled())
}
