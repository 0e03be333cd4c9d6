package e2ee

import (
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/pliu/supportchat/internal/errs"
)

// DeriveSharedSecret computes the conversation secret from the peer's public
// key and our private key. Both sides get the same value. The result is
// X25519 passed through the NaCl box precomputation, so it can be used
// directly as a secretbox key.
func DeriveSharedSecret(theirPublic, myPrivate *[KeySize]byte) (*[KeySize]byte, error) {
	// X25519 rejects low-order points, which would make the secret predictable.
	if _, err := curve25519.X25519(myPrivate[:], theirPublic[:]); err != nil {
		return nil, errs.InvalidArg("invalid peer public key")
	}
	var shared [KeySize]byte
	box.Precompute(&shared, theirPublic, myPrivate)
	return &shared, nil
}

// PublicKeyFromBytes validates and converts a wire public key.
func PublicKeyFromBytes(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, errs.InvalidArg("public key must be 32 bytes")
	}
	var key [KeySize]byte
	copy(key[:], b)
	return &key, nil
}
