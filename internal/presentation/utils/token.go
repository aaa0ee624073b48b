package utils

import (
	"net/http"
	"strings"
	"time"
)

const (
	CookieToken = "ephemera_token"
	QueryToken  = "token"
)

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenFromRequest looks for a token in the Authorization header, then the
// query string, then the session cookie.
func TokenFromRequest(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	if token := r.URL.Query().Get(QueryToken); token != "" {
		return token
	}
	if cookie, err := r.Cookie(CookieToken); err == nil {
		return cookie.Value
	}
	return ""
}

// SetTokenCookie stores token for browsers that cannot set headers on a
// websocket handshake.
func SetTokenCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieToken,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(ttl),
	})
}
