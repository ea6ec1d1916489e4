package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Cookie names used by the login/refresh flow. The CSRF cookie is readable
// by scripts (double-submit pattern); the refresh cookie never is.
const (
	RefreshCookieName = "trust_refresh"
	CSRFCookieName    = "trust_csrf"
	CSRFHeaderName    = "X-CSRF-Token"
)

var (
	ErrCSRFMismatch   = errors.New("httpx: csrf token mismatch")
	ErrOriginMismatch = errors.New("httpx: origin not allowed")
)

// VerifyDoubleSubmit enforces the CSRF double-submit contract on a request:
// the X-CSRF-Token header must equal the CSRF cookie, and when an Origin
// header is present it must be in allowedOrigins. Both checks fail closed.
func VerifyDoubleSubmit(r *http.Request, allowedOrigins []string) error {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return ErrCSRFMismatch
	}

	header := r.Header.Get(CSRFHeaderName)
	if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return ErrCSRFMismatch
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if !originAllowed(origin, allowedOrigins) {
			return ErrOriginMismatch
		}
	}
	return nil
}

func originAllowed(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	normalized := u.Scheme + "://" + u.Host
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimRight(a, "/"), normalized) {
			return true
		}
	}
	return false
}

// SetSessionCookies writes the refresh and CSRF cookies after a successful
// login or rotation. Secure is set when the request arrived over TLS (or a
// trusted proxy said so).
func SetSessionCookies(w http.ResponseWriter, r *http.Request, refreshToken, csrfToken string, maxAge int) {
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    refreshToken,
		Path:     "/v1/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false, // double-submit: the SPA reads this and echoes it in the header
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookies expires both cookies on logout or revocation.
func ClearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Path: "/v1/auth", MaxAge: -1, HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookieName, Path: "/", MaxAge: -1})
}
