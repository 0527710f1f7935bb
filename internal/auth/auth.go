// Package auth resolves bearer tokens to principals. Token verification
// itself belongs to an external service; this package only adapts it.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/logging"
)

// ErrAuthFailed means the token was rejected.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator resolves a token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (principal string, err error)
}

// StaticTokens maps tokens to principals.
type StaticTokens map[string]string

// Authenticate compares token against every configured token in constant
// time.
func (s StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	var principal string
	for t, p := range s {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			principal = p
		}
	}
	if principal == "" {
		return "", fmt.Errorf("%w: unknown token", ErrAuthFailed)
	}
	return principal, nil
}

// Anonymous accepts any non-empty token. Used when no auth is configured.
type Anonymous struct{}

func (Anonymous) Authenticate(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	return "anonymous", nil
}

// Remote asks an HTTP service to resolve the token. The service receives
// the token as a bearer credential and answers 200 with
// {"principal": "..."}; 401 and 403 mean the token is invalid.
type Remote struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

type remoteReply struct {
	Principal string `json:"principal"`
}

func (r *Remote) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: rejected by auth service", ErrAuthFailed)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth service: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reply remoteReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&reply); err != nil {
		return "", fmt.Errorf("auth service reply: %w", err)
	}
	if reply.Principal == "" {
		return "", fmt.Errorf("%w: no principal in reply", ErrAuthFailed)
	}
	return reply.Principal, nil
}

// FromConfig picks the remote service when a URL is set, otherwise the
// static token table, otherwise Anonymous.
func FromConfig(cfg config.AuthConfig, timeout time.Duration) Authenticator {
	switch {
	case cfg.URL != "":
		logging.Auth("resolving tokens via %s", cfg.URL)
		return &Remote{URL: cfg.URL, Timeout: timeout}
	case len(cfg.Tokens) > 0:
		logging.Auth("using %d static tokens", len(cfg.Tokens))
		return StaticTokens(cfg.Tokens)
	default:
		logging.AuthWarn("no auth configured, accepting any token as anonymous")
		return Anonymous{}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
