package e2ee

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

var testParams = models.KDFParams{Algorithm: KDFAlgorithm, Iterations: MinIterations}

func TestDeriveMasterKeyIsDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveMasterKey("hunter2", salt, testParams)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("hunter2", salt, testParams)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := NewSalt()
	require.NoError(t, err)
	k3, err := DeriveMasterKey("hunter2", other, testParams)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveMasterKeyRejectsWeakParams(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	_, err = DeriveMasterKey("pw", salt, models.KDFParams{Algorithm: KDFAlgorithm, Iterations: 1000})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = DeriveMasterKey("pw", salt, models.KDFParams{Algorithm: "md5", Iterations: DefaultIterations})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = DeriveMasterKey("pw", salt[:16], testParams)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestWrapRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	salt, err := NewSalt()
	require.NoError(t, err)
	master, err := DeriveMasterKey("correct horse", salt, testParams)
	require.NoError(t, err)

	wrapped, nonce, err := Wrap(kp.Private, master)
	require.NoError(t, err)
	require.Len(t, nonce, WrapNonceSize)
	assert.False(t, bytes.Contains(wrapped, kp.Private[:]))

	priv, err := Unwrap(wrapped, nonce, master)
	require.NoError(t, err)
	assert.Equal(t, kp.Private, priv)
}

func TestUnwrapWrongPasswordFails(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	salt, err := NewSalt()
	require.NoError(t, err)

	right, err := DeriveMasterKey("hunter2", salt, testParams)
	require.NoError(t, err)
	wrong, err := DeriveMasterKey("hunter3", salt, testParams)
	require.NoError(t, err)

	wrapped, nonce, err := Wrap(kp.Private, right)
	require.NoError(t, err)

	priv, err := Unwrap(wrapped, nonce, wrong)
	assert.Nil(t, priv)
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))
}

func TestUnwrapCorruptedInputFails(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	var master [KeySize]byte
	master[0] = 1

	wrapped, nonce, err := Wrap(kp.Private, &master)
	require.NoError(t, err)

	tampered := append([]byte(nil), wrapped...)
	tampered[5] ^= 0xff
	_, err = Unwrap(tampered, nonce, &master)
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))

	_, err = Unwrap(wrapped[:10], nonce, &master)
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))

	_, err = Unwrap(wrapped, nonce[:12], &master)
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))
}

func TestSealAndOpenBackup(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	backup, master, err := SealBackup(kp, "hunter2", testParams)
	require.NoError(t, err)
	assert.Len(t, backup.KDFSalt, SaltSize)

	opened, reMaster, err := OpenBackup(backup, kp.Public[:], "hunter2")
	require.NoError(t, err)
	assert.Equal(t, kp.Private, opened.Private)
	assert.Equal(t, kp.Public, opened.Public)
	assert.Equal(t, master, reMaster)

	_, _, err = OpenBackup(backup, kp.Public[:], "wrong")
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))
}

func TestOpenBackupRejectsForeignPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	backup, master, err := SealBackup(kp, "hunter2", testParams)
	require.NoError(t, err)

	_, err = OpenBackupWithKey(backup, other.Public[:], master)
	assert.True(t, errors.Is(err, errs.ErrAuthFailure))
}
