package e2ee

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/pliu/supportchat/internal/errs"
)

const (
	NonceSize       = 24
	noncePrefixSize = 16
)

// Encrypt seals plaintext under secret. The nonce is 16 random bytes
// followed by the big-endian counter, so nonces from one sender never repeat
// while the counter does not.
func Encrypt(plaintext []byte, secret *[KeySize]byte, counter uint64) (ciphertext, nonce []byte, err error) {
	return encrypt(rand.Reader, plaintext, secret, counter)
}

func encrypt(random io.Reader, plaintext []byte, secret *[KeySize]byte, counter uint64) ([]byte, []byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(random, n[:noncePrefixSize]); err != nil {
		return nil, nil, err
	}
	binary.BigEndian.PutUint64(n[noncePrefixSize:], counter)
	return secretbox.Seal(nil, plaintext, &n, secret), n[:], nil
}

// Decrypt opens a message sealed by Encrypt. Any failure is reported as
// errs.ErrDecryptFailure; callers drop the message and carry on.
func Decrypt(ciphertext, nonce []byte, secret *[KeySize]byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errs.ErrDecryptFailure
	}
	var n [NonceSize]byte
	copy(n[:], nonce)

	plaintext, ok := secretbox.Open(nil, ciphertext, &n, secret)
	if !ok {
		return nil, errs.ErrDecryptFailure
	}
	return plaintext, nil
}

// NonceCounter returns the counter suffix of a nonce built by Encrypt.
func NonceCounter(nonce []byte) (uint64, error) {
	if len(nonce) != NonceSize {
		return 0, errs.InvalidArg("nonce must be 24 bytes")
	}
	return binary.BigEndian.Uint64(nonce[noncePrefixSize:]), nil
}
