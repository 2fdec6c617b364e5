// Package intake resolves what a request needs before the workflow drafts
// anything: the caller's identity, the payment and any uploaded reference
// documents.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// HTTPAuthenticator validates bearer tokens against an external auth service.
// The service answers GET <endpoint> with {"user_id": "..."}.
type HTTPAuthenticator struct {
	endpoint   string
	httpClient *http.Client
}

type authResponse struct {
	UserID string `json:"user_id"`
}

// NewHTTPAuthenticator creates an authenticator for the given endpoint
func NewHTTPAuthenticator(endpoint string, timeout time.Duration) *HTTPAuthenticator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAuthenticator{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Validate resolves a token to a user id
func (a *HTTPAuthenticator) Validate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.NewError(domain.ErrUnauthorized, "missing auth token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", domain.ProviderFailure("auth", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", domain.NewError(domain.ErrUnauthorized, "auth token rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", domain.ProviderFailure("auth", fmt.Errorf("auth service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.ProviderFailure("auth", fmt.Errorf("failed to decode auth response: %w", err))
	}
	if out.UserID == "" {
		return "", domain.NewError(domain.ErrUnauthorized, "auth service returned no user")
	}
	return out.UserID, nil
}

// TokenAuthenticator accepts any non-empty token and derives a stable user id
// from it. It is used when no auth service is configured.
type TokenAuthenticator struct{}

// Validate derives the user id for a token
func (TokenAuthenticator) Validate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.NewError(domain.ErrUnauthorized, "missing auth token")
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(token)).String(), nil
}
