// Package auth gates access to the relay with an optional shared API key.
//
// It does not authenticate identities: any client that passes the gate may
// register under any name.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return Open{}, nil
	case config.AuthModeAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("auth mode %q requires an API key", cfg.AuthMode)
		}
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the presented API key. Browsers cannot set
// headers on a WebSocket upgrade, so the apiKey query parameter is accepted
// alongside X-API-Key and a bearer Authorization header.
func CredentialFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.URL.Query().Get("apiKey")); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok && strings.EqualFold(scheme, "bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}

// Authorize verifies the request's credential. Open verifiers accept requests
// that present nothing.
func Authorize(v Verifier, r *http.Request) error {
	if _, open := v.(Open); open {
		return nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
