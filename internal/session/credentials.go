package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/transport"
)

// tokenLeeway is how close to expiry a cached token may get before it
// is treated as stale and refetched.
const tokenLeeway = 30 * time.Second

// CachingCredentials wraps a token fetcher so that repeated dial
// attempts reuse a still-valid token but never a stale one: the cached
// token's exp claim is inspected locally before each use and the inner
// provider is called again once it nears expiry.
func CachingCredentials(fetch transport.CredentialProvider) transport.CredentialProvider {
	var (
		mu     sync.Mutex
		cached string
	)

	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		if cached != "" && tokenFresh(cached, time.Now()) {
			return cached, nil
		}

		token, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		cached = token
		return token, nil
	}
}

// backendCredentials adapts the REST token endpoint to a credential
// provider. A 401 or 403 from the backend means the session itself is
// no longer valid; that must surface as an auth rejection so the
// transport stops retrying and reports StateFailed.
func backendCredentials(b backend.Client) transport.CredentialProvider {
	return func(ctx context.Context) (string, error) {
		token, err := b.RealtimeToken(ctx)
		if err != nil {
			var statusErr *backend.StatusError
			if errors.As(err, &statusErr) &&
				(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
				return "", &transport.AuthError{Reason: "session token rejected", Err: err}
			}
			return "", err
		}
		return token, nil
	}
}

// tokenFresh reports whether the token's exp claim is comfortably in
// the future. Tokens that do not parse as JWTs or carry no exp claim
// are treated as stale so the provider is always consulted for them.
func tokenFresh(tokenString string, now time.Time) bool {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}

	return claims.VerifyExpiresAt(now.Add(tokenLeeway).Unix(), true)
}
