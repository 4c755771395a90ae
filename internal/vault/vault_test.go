package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{7}, MasterKeySize))
	require.NoError(t, err)
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)
	secret := []byte("vault private key bytes")

	sealed, err := s.Seal(EscrowScope("e1"), []byte("VaultAddr"), secret)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(secret))

	plain, err := s.Open(EscrowScope("e1"), []byte("VaultAddr"), sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)
}

func TestSealer_BindsScopeAndAAD(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal(EscrowScope("e1"), []byte("VaultAddr"), []byte("k"))
	require.NoError(t, err)

	_, err = s.Open(EscrowScope("e2"), []byte("VaultAddr"), sealed)
	assert.Error(t, err, "other escrow scope")
	_, err = s.Open(EscrowScope("e1"), []byte("OtherAddr"), sealed)
	assert.Error(t, err, "other vault address")
	_, err = s.Open(EscrowScope("e1"), []byte("VaultAddr"), sealed[:10])
	assert.ErrorIs(t, err, ErrSealedTooShort)
}

func TestSealer_NoncesDiffer(t *testing.T) {
	s := testSealer(t)
	a, err := s.Seal("scope", nil, []byte("same"))
	require.NoError(t, err)
	b, err := s.Seal("scope", nil, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewSealer_RejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func TestKeyring_PersistsAndUnseals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	s := testSealer(t)
	ring, err := OpenKeyring(path, s)
	require.NoError(t, err)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	address, err := ring.Put(key, "treasury")
	require.NoError(t, err)
	require.NoError(t, ring.Save())

	reopened, err := OpenKeyring(path, s)
	require.NoError(t, err)
	assert.Equal(t, address, reopened.Resolve("treasury"))

	got, err := reopened.SigningKey(context.Background(), "treasury")
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, address, got.PublicKey().String())
}

func TestKeyring_UnknownAccount(t *testing.T) {
	ring, err := OpenKeyring("", testSealer(t))
	require.NoError(t, err)

	_, err = ring.SigningKey(context.Background(), "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	assert.ErrorIs(t, err, failure.NotFound)
}

func TestKeyring_WrongMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	ring, err := OpenKeyring(path, testSealer(t))
	require.NoError(t, err)
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	address, err := ring.Put(key, "")
	require.NoError(t, err)
	require.NoError(t, ring.Save())

	other, err := NewSealer(bytes.Repeat([]byte{9}, MasterKeySize))
	require.NoError(t, err)
	reopened, err := OpenKeyring(path, other)
	require.NoError(t, err)

	_, err = reopened.SigningKey(context.Background(), address)
	assert.ErrorIs(t, err, failure.InternalInconsistency)
}
