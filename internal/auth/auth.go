package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// TokenVerifier accepts exactly one static token.
type TokenVerifier struct {
	Expected string
}

func (v TokenVerifier) Verify(token string) error {
	if token == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest returns the bearer token from the Authorization
// header, falling back to the token query parameter for scrapers that
// cannot set headers.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Require wraps next so that only requests carrying a credential accepted
// by v reach it.
func Require(v Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := CredentialFromRequest(r)
		if err == nil {
			err = v.Verify(cred)
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kvs-webrtc-signaling"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
