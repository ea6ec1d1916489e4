package cryptox

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	for _, size := range []int{TokenSize128, TokenSize256} {
		token, err := GenerateToken(size)
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		require.Len(t, raw, size)
	}

	_, err := GenerateToken(0)
	require.Error(t, err)
	_, err = GenerateToken(-1)
	require.Error(t, err)
}

func TestGenerateTokenUniqueness(t *testing.T) {
	seen := make(map[string]bool, 100)
	for range 100 {
		token, err := GenerateToken(TokenSize128)
		require.NoError(t, err)
		require.NotContains(t, seen, token)
		seen[token] = true
	}
}

func TestFingerprintTokenIsDeterministic(t *testing.T) {
	a := FingerprintToken("some-token")
	b := FingerprintToken("some-token")
	c := FingerprintToken("other-token")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, "some-token", a)

	// SHA-256 output, base64url without padding.
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	require.Len(t, raw, 32)
}
