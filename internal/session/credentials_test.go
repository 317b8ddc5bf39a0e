package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/transport"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": expiresAt.Unix(),
	})
	s, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestCachingCredentials_ReusesFreshToken(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))

	fetches := 0
	creds := CachingCredentials(func(ctx context.Context) (string, error) {
		fetches++
		return fresh, nil
	})

	for i := 0; i < 3; i++ {
		token, err := creds(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fresh, token)
	}
	assert.Equal(t, 1, fetches, "expected the fresh token to be reused")
}

func TestCachingCredentials_RefetchesNearExpiry(t *testing.T) {
	// Expires inside the leeway window, so it counts as stale.
	stale := signedToken(t, time.Now().Add(5*time.Second))
	fresh := signedToken(t, time.Now().Add(time.Hour))

	fetches := 0
	creds := CachingCredentials(func(ctx context.Context) (string, error) {
		fetches++
		if fetches == 1 {
			return stale, nil
		}
		return fresh, nil
	})

	token, err := creds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stale, token)

	token, err = creds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, token, "expected a stale token to be refetched")
	assert.Equal(t, 2, fetches)
}

func TestCachingCredentials_OpaqueTokenNotCached(t *testing.T) {
	// Tokens without a readable exp claim cannot be vetted locally, so
	// the provider is consulted every time.
	fetches := 0
	creds := CachingCredentials(func(ctx context.Context) (string, error) {
		fetches++
		return "opaque-token", nil
	})

	for i := 0; i < 2; i++ {
		token, err := creds(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "opaque-token", token)
	}
	assert.Equal(t, 2, fetches)
}

func TestCachingCredentials_FetchError(t *testing.T) {
	creds := CachingCredentials(func(ctx context.Context) (string, error) {
		return "", assert.AnError
	})

	_, err := creds(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestBackendCredentials(t *testing.T) {
	bc := &backend.MockClient{}
	bc.On("RealtimeToken", mock.Anything).Return("rt-token", nil)

	token, err := backendCredentials(bc)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-token", token)
}

func TestBackendCredentials_SessionRejected(t *testing.T) {
	// An expired session token makes the backend refuse to mint a
	// realtime token. That must surface as an auth rejection so the
	// transport lands in the failed state instead of retrying forever.
	tcases := []struct {
		name         string
		statusCode   int
		expectedAuth bool
	}{
		{
			name:         "unauthorized",
			statusCode:   http.StatusUnauthorized,
			expectedAuth: true,
		},
		{
			name:         "forbidden",
			statusCode:   http.StatusForbidden,
			expectedAuth: true,
		},
		{
			name:       "server error stays retryable",
			statusCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			bc := &backend.MockClient{}
			bc.On("RealtimeToken", mock.Anything).Return("", &backend.StatusError{StatusCode: tc.statusCode})

			_, err := backendCredentials(bc)(context.Background())
			require.Error(t, err)

			var authErr *transport.AuthError
			if tc.expectedAuth {
				require.ErrorAs(t, err, &authErr)

				var statusErr *backend.StatusError
				require.ErrorAs(t, err, &statusErr, "expected the backend status to stay inspectable")
				assert.Equal(t, tc.statusCode, statusErr.StatusCode)
			} else {
				assert.NotErrorAs(t, err, &authErr)
			}
		})
	}
}

func TestTokenFresh(t *testing.T) {
	now := time.Now()

	assert.True(t, tokenFresh(signedToken(t, now.Add(time.Hour)), now))
	assert.False(t, tokenFresh(signedToken(t, now.Add(10*time.Second)), now), "expected a token inside the leeway window to be stale")
	assert.False(t, tokenFresh(signedToken(t, now.Add(-time.Hour)), now))
	assert.False(t, tokenFresh("not-a-jwt", now))
}
