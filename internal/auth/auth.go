// Package auth implements the relay's RSA challenge: the client encrypts a
// random challenge under the relay's public key and accepts the relay only
// if it echoes the plaintext back.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrChallengeMismatch = errors.New("auth: rsa challenge mismatch")
	ErrInvalidKey        = errors.New("auth: invalid rsa public key")
	ErrEmptyChallenge    = errors.New("auth: empty challenge")
)

// ChallengeBytes is the entropy in one challenge, before hex encoding.
const ChallengeBytes = 16

// NewChallenge returns a random hex challenge.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// EncryptChallenge seals challenge with RSA-OAEP(SHA-256).
func EncryptChallenge(pub *rsa.PublicKey, challenge string) ([]byte, error) {
	if pub == nil {
		return nil, ErrInvalidKey
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(challenge), nil)
	if err != nil {
		return nil, fmt.Errorf("auth: encrypt challenge: %w", err)
	}
	return out, nil
}

// DecryptChallenge is the relay side of EncryptChallenge.
func DecryptChallenge(priv *rsa.PrivateKey, sealed []byte) (string, error) {
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("auth: decrypt challenge: %w", err)
	}
	return string(plain), nil
}

// VerifyChallenge compares the relay's echo with the challenge sent, in
// constant time.
func VerifyChallenge(sent, echoed string) error {
	if sent == "" {
		return ErrEmptyChallenge
	}
	if subtle.ConstantTimeCompare([]byte(sent), []byte(echoed)) != 1 {
		return ErrChallengeMismatch
	}
	return nil
}

// ParsePublicKeyPEM accepts a PKIX or PKCS#1 RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no pem block", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidKey)
	}
	return key, nil
}
