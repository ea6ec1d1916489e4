package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox([]byte("some key material"))
	require.NoError(t, err)

	plaintext := []byte("JBSWY3DPEHPK3PXP")
	sealed, err := box.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSecretBoxNoncesDiffer(t *testing.T) {
	box, err := NewSecretBox([]byte("some key material"))
	require.NoError(t, err)

	a, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSecretBoxRejectsWrongKey(t *testing.T) {
	box1, err := NewSecretBox([]byte("key one"))
	require.NoError(t, err)
	box2, err := NewSecretBox([]byte("key two"))
	require.NoError(t, err)

	sealed, err := box1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = box2.Open(sealed)
	require.Error(t, err)
}

func TestSecretBoxRejectsTamperedAndTruncatedData(t *testing.T) {
	box, err := NewSecretBox([]byte("some key material"))
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = box.Open(tampered)
	require.Error(t, err)

	_, err = box.Open(sealed[:4])
	require.Error(t, err)
}

func TestNewSecretBoxRejectsEmptyKey(t *testing.T) {
	_, err := NewSecretBox(nil)
	require.Error(t, err)
}
