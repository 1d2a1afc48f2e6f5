package transport

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"fraudalert/internal/config"
)

var (
	// ErrUnauthenticated indicates no credential is available; no dial is attempted.
	ErrUnauthenticated = errors.New("unauthenticated: no transport credential")
	// ErrConnectTimeout indicates the auth handshake missed its deadline.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrConnectFailed indicates a recoverable dial or handshake failure.
	ErrConnectFailed = errors.New("connect failed")
	// ErrSubscriptionTimeout indicates a subscribe ack missed its deadline.
	ErrSubscriptionTimeout = errors.New("subscription timeout")
	// ErrNotConnected indicates an operation that requires a live connection.
	ErrNotConnected = errors.New("transport is not connected")
)

// TokenSource resolves one bearer credential for the transport handshake.
// Params: none.
// Returns: non-empty token or resolution error.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource returns a fixed configured token.
// Params: token literal from the primary config store.
// Returns: token source.
type StaticTokenSource string

// Token returns the configured literal.
// Params: none.
// Returns: token or error when empty.
func (s StaticTokenSource) Token() (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", errors.New("static token is empty")
	}
	return token, nil
}

// EnvTokenSource reads the token from a process environment variable.
// Params: environment variable name (session-scoped credential).
// Returns: token source.
type EnvTokenSource string

// Token reads the environment variable.
// Params: none.
// Returns: token or error when unset.
func (s EnvTokenSource) Token() (string, error) {
	token := strings.TrimSpace(os.Getenv(string(s)))
	if token == "" {
		return "", fmt.Errorf("env %q has no token", string(s))
	}
	return token, nil
}

// FileTokenSource reads the token from a credential file.
// Params: file path (cookie-style persisted credential).
// Returns: token source.
type FileTokenSource string

// Token reads and trims the credential file.
// Params: none.
// Returns: token or read error.
func (s FileTokenSource) Token() (string, error) {
	body, err := os.ReadFile(string(s))
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("token file %q is empty", string(s))
	}
	return token, nil
}

// ChainTokenSource probes sources in priority order.
// Params: ordered token sources.
// Returns: first resolvable token.
type ChainTokenSource []TokenSource

// Token resolves the first available credential.
// Params: none.
// Returns: token or ErrUnauthenticated when every source fails.
func (c ChainTokenSource) Token() (string, error) {
	for _, source := range c {
		if source == nil {
			continue
		}
		token, err := source.Token()
		if err == nil && token != "" {
			return token, nil
		}
	}
	return "", ErrUnauthenticated
}

// TokensFromConfig builds the prioritized source chain from transport config.
// Params: transport config with static/env/file credential settings.
// Returns: chain probing static, then env, then file sources.
func TokensFromConfig(cfg config.TransportConfig) TokenSource {
	chain := make(ChainTokenSource, 0, 3)
	if strings.TrimSpace(cfg.Token) != "" {
		chain = append(chain, StaticTokenSource(cfg.Token))
	}
	if strings.TrimSpace(cfg.TokenEnv) != "" {
		chain = append(chain, EnvTokenSource(cfg.TokenEnv))
	}
	if strings.TrimSpace(cfg.TokenFile) != "" {
		chain = append(chain, FileTokenSource(cfg.TokenFile))
	}
	return chain
}
