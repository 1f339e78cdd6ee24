// Package crypto provides the keyed-hash and randomness primitives used by
// the license client.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the size of a derived scheme salt (32 bytes).
	SaltSize = 32

	// SchemeAuth is the salt scheme used for license signatures and device IDs.
	SchemeAuth = "auth"
)

const passwordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()-_ []{}<>~`+=,.;:/?|"

var (
	// ErrEmptySecret indicates no site secret material was supplied.
	ErrEmptySecret = errors.New("site secret material is empty")
)

// Hasher is the site-wide keyed hash. Salts are derived per scheme from the
// site's auth key and salt so different purposes never share a key. The
// auth scheme salt is derived once, when the Hasher is created.
type Hasher struct {
	secret   []byte
	salt     []byte
	authSalt []byte
}

// NewHasher creates a Hasher seeded with the site's auth key and salt.
func NewHasher(authKey, authSalt string) (*Hasher, error) {
	if authKey == "" && authSalt == "" {
		return nil, ErrEmptySecret
	}
	h := &Hasher{
		secret: []byte(authKey),
		salt:   []byte(authSalt),
	}
	derived, err := h.Salt(SchemeAuth)
	if err != nil {
		return nil, err
	}
	h.authSalt = derived
	return h, nil
}

// Salt derives the salt for a scheme.
func (h *Hasher) Salt(scheme string) ([]byte, error) {
	r := hkdf.New(sha256.New, h.secret, h.salt, []byte("seatkeeper:"+scheme))
	out := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s salt: %w", scheme, err)
	}
	return out, nil
}

// Hash returns hex(HMAC-SHA256(data)) keyed with the auth scheme salt.
func (h *Hasher) Hash(data string) string {
	return hmacHex(h.authSalt, data)
}

// HashScheme is Hash with an explicit salt scheme.
func (h *Hasher) HashScheme(data, scheme string) (string, error) {
	if scheme == SchemeAuth {
		return h.Hash(data), nil
	}
	salt, err := h.Salt(scheme)
	if err != nil {
		return "", err
	}
	return hmacHex(salt, data), nil
}

func hmacHex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// RandomString generates a cryptographically secure random string of n
// characters drawn from letters, digits and punctuation.
func RandomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(passwordChars)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		out[i] = passwordChars[idx.Int64()]
	}
	return string(out), nil
}
