package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenFromRequest(t *testing.T) {
	t.Run("bearer header wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		r.Header.Set("Authorization", "Bearer from-header")
		assert.Equal(t, "from-header", TokenFromRequest(r))
	})

	t.Run("query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		assert.Equal(t, "from-query", TokenFromRequest(r))
	})

	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: CookieToken, Value: "from-cookie"})
		assert.Equal(t, "from-cookie", TokenFromRequest(r))
	})

	t.Run("none", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Basic abc")
		assert.Empty(t, TokenFromRequest(r))
	})
}

func TestSetTokenCookie(t *testing.T) {
	rec := httptest.NewRecorder()

	SetTokenCookie(rec, "abc", time.Hour)

	cookies := rec.Result().Cookies()
	if assert.Len(t, cookies, 1) {
		assert.Equal(t, CookieToken, cookies[0].Name)
		assert.Equal(t, "abc", cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	}
}
