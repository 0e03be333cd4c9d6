package e2ee

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/supportchat/internal/errs"
)

func TestDeriveSharedSecretIsSymmetric(t *testing.T) {
	for i := 0; i < 20; i++ {
		a, err := GenerateKeyPair()
		require.NoError(t, err)
		b, err := GenerateKeyPair()
		require.NoError(t, err)

		ab, err := DeriveSharedSecret(b.Public, a.Private)
		require.NoError(t, err)
		ba, err := DeriveSharedSecret(a.Public, b.Private)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}
}

func TestDeriveSharedSecretDiffersPerPeer(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	c, _ := GenerateKeyPair()

	ab, err := DeriveSharedSecret(b.Public, a.Private)
	require.NoError(t, err)
	ac, err := DeriveSharedSecret(c.Public, a.Private)
	require.NoError(t, err)
	assert.NotEqual(t, ab, ac)
}

func TestDeriveSharedSecretRejectsLowOrderPoint(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)

	var zero [KeySize]byte
	_, err = DeriveSharedSecret(&zero, a.Private)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestPublicKeyFromBytes(t *testing.T) {
	_, err := PublicKeyFromBytes(make([]byte, 31))
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	key, err := PublicKeyFromBytes(make([]byte, 32))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
}
