// Package e2ee holds the client-side cryptography of support chat: key
// custody, key agreement and the per-message cipher. Nothing in here logs.
package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
)

const (
	KeySize       = 32
	SaltSize      = 32
	WrapNonceSize = 24

	KDFAlgorithm      = "pbkdf2-sha256"
	MinIterations     = 100_000
	DefaultIterations = 600_000
)

type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// DefaultKDFParams are the parameters used for new enrollments.
func DefaultKDFParams() models.KDFParams {
	return models.KDFParams{Algorithm: KDFAlgorithm, Iterations: DefaultIterations}
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveMasterKey stretches password into a 256-bit key. It is slow on
// purpose and must be kept off latency-sensitive paths.
func DeriveMasterKey(password string, salt []byte, params models.KDFParams) (*[KeySize]byte, error) {
	if params.Algorithm != KDFAlgorithm {
		return nil, errs.InvalidArg("unsupported kdf algorithm")
	}
	if params.Iterations < MinIterations {
		return nil, errs.InvalidArg("kdf iterations below minimum")
	}
	if len(salt) != SaltSize {
		return nil, errs.InvalidArg("kdf salt must be 32 bytes")
	}

	dk := pbkdf2.Key([]byte(password), salt, params.Iterations, KeySize, sha256.New)
	var key [KeySize]byte
	copy(key[:], dk)
	Zero(dk)
	return &key, nil
}

// Wrap seals the raw private key under masterKey with a fresh random nonce.
func Wrap(privateKey, masterKey *[KeySize]byte) (wrapped, nonce []byte, err error) {
	var n [WrapNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, err
	}
	return secretbox.Seal(nil, privateKey[:], &n, masterKey), n[:], nil
}

// Unwrap reverses Wrap. A wrong master key and corrupted input both yield
// errs.ErrAuthFailure; nothing else does.
func Unwrap(wrapped, nonce []byte, masterKey *[KeySize]byte) (*[KeySize]byte, error) {
	if len(nonce) != WrapNonceSize || len(wrapped) != KeySize+secretbox.Overhead {
		return nil, errs.ErrAuthFailure
	}
	var n [WrapNonceSize]byte
	copy(n[:], nonce)

	raw, ok := secretbox.Open(nil, wrapped, &n, masterKey)
	if !ok {
		return nil, errs.ErrAuthFailure
	}
	var key [KeySize]byte
	copy(key[:], raw)
	Zero(raw)
	return &key, nil
}

// SealBackup wraps kp.Private under a key derived from password with a new
// salt. The returned master key may be cached by the caller for silent
// recovery; it must never be persisted or logged.
func SealBackup(kp *KeyPair, password string, params models.KDFParams) (*models.KeyBackup, *[KeySize]byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, nil, err
	}
	master, err := DeriveMasterKey(password, salt, params)
	if err != nil {
		return nil, nil, err
	}
	wrapped, nonce, err := Wrap(kp.Private, master)
	if err != nil {
		return nil, nil, err
	}
	return &models.KeyBackup{
		WrappedPrivateKey: wrapped,
		WrapNonce:         nonce,
		KDFSalt:           salt,
		KDFParams:         params,
	}, master, nil
}

// OpenBackup derives the master key from password and unwraps the backup.
func OpenBackup(backup *models.KeyBackup, publicKey []byte, password string) (*KeyPair, *[KeySize]byte, error) {
	master, err := DeriveMasterKey(password, backup.KDFSalt, backup.KDFParams)
	if err != nil {
		return nil, nil, err
	}
	kp, err := OpenBackupWithKey(backup, publicKey, master)
	if err != nil {
		return nil, nil, err
	}
	return kp, master, nil
}

// OpenBackupWithKey unwraps the backup with an already derived master key
// and checks the result against the published public key.
func OpenBackupWithKey(backup *models.KeyBackup, publicKey []byte, master *[KeySize]byte) (*KeyPair, error) {
	priv, err := Unwrap(backup.WrappedPrivateKey, backup.WrapNonce, master)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.ErrAuthFailure
	}
	if subtle.ConstantTimeCompare(pub, publicKey) != 1 {
		// the backup decrypts but belongs to a different enrollment
		return nil, errs.ErrAuthFailure
	}
	var public [KeySize]byte
	copy(public[:], pub)
	return &KeyPair{Public: &public, Private: priv}, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
