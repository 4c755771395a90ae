// Package vault seals private key material at rest and hands out signing keys
// for user accounts and escrow vaults.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	MasterKeySize = 32
	hkdfSalt      = "chatpay-settlement-vault-v1"
)

var ErrSealedTooShort = errors.New("sealed blob is shorter than its nonce")

// Sealer encrypts secrets with XChaCha20-Poly1305 under a key derived per scope
// from a master key. The blob layout is nonce || ciphertext.
type Sealer struct {
	master []byte
}

func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	return &Sealer{master: append([]byte(nil), masterKey...)}, nil
}

// Seal encrypts plaintext for scope, binding aad to the ciphertext.
func (s *Sealer) Seal(scope string, aad, plaintext []byte) ([]byte, error) {
	aead, err := s.aead(scope)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same scope and aad.
func (s *Sealer) Open(scope string, aad, sealed []byte) ([]byte, error) {
	aead, err := s.aead(scope)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(scope string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer Zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, []byte(hkdfSalt), []byte(scope)), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
