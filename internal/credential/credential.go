// Package credential hashes and verifies user passwords. Passwords are
// stored as a per-record random salt plus a PBKDF2-SHA256 digest; the
// plaintext never touches the store.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// Fixed on purpose: weakening either would weaken every record at rest.
const (
	saltSize   = 16
	digestSize = 32
	iterations = 200_000
)

// ErrCorrupt reports stored credential material that cannot be verified
// against (missing or truncated salt/digest).
var ErrCorrupt = errors.New("corrupt credential")

// Credential is the salt+digest pair stored in place of a password.
type Credential struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
}

// Hash derives a credential for password under a fresh random salt.
func Hash(password string) (Credential, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, err
	}
	return Credential{Salt: salt, Hash: derive(password, salt)}, nil
}

// Verify reports whether password matches the stored credential. The
// comparison is constant-time.
func Verify(password string, c Credential) (bool, error) {
	if len(c.Salt) != saltSize || len(c.Hash) != digestSize {
		return false, ErrCorrupt
	}
	return subtle.ConstantTimeCompare(derive(password, c.Salt), c.Hash) == 1, nil
}

func derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, digestSize, sha256.New)
}
