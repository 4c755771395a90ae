package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/gagliardetto/solana-go"
)

// AccountVault yields signing keys for custodied user and operator accounts.
// Callers must Zero the returned key once the transaction is signed.
type AccountVault interface {
	SigningKey(ctx context.Context, address string) (solana.PrivateKey, error)
}

// Keyring is a file-backed AccountVault. Keys are sealed per address; the file
// holds only ciphertext. Names alias addresses, e.g. "treasury".
type Keyring struct {
	mu     sync.RWMutex
	path   string
	sealer *Sealer
	sealed map[string][]byte
	names  map[string]string
}

var _ AccountVault = (*Keyring)(nil)

type keyringFile struct {
	Version int               `json:"version"`
	Keys    map[string]string `json:"keys"`
	Names   map[string]string `json:"names"`
}

// OpenKeyring loads path, or starts empty when path does not exist yet.
func OpenKeyring(path string, sealer *Sealer) (*Keyring, error) {
	k := &Keyring{
		path:   path,
		sealer: sealer,
		sealed: make(map[string][]byte),
		names:  make(map[string]string),
	}
	if path == "" {
		return k, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var file keyringFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	for address, blob := range file.Keys {
		sealed, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("keyring entry %s: %w", address, err)
		}
		k.sealed[address] = sealed
	}
	for name, address := range file.Names {
		k.names[name] = address
	}
	return k, nil
}

// Put seals key under its public address and optionally binds a name to it.
func (k *Keyring) Put(key solana.PrivateKey, name string) (string, error) {
	address := key.PublicKey().String()
	sealed, err := k.sealer.Seal(accountScope(address), []byte(address), key)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sealed[address] = sealed
	if name != "" {
		k.names[name] = address
	}
	return address, nil
}

// Resolve maps a name to its address. Unknown names are returned unchanged.
func (k *Keyring) Resolve(nameOrAddress string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if address, ok := k.names[nameOrAddress]; ok {
		return address
	}
	return nameOrAddress
}

// Lookup returns the address bound to name.
func (k *Keyring) Lookup(_ context.Context, name string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	address, ok := k.names[name]
	return address, ok, nil
}

func (k *Keyring) SigningKey(_ context.Context, address string) (solana.PrivateKey, error) {
	address = k.Resolve(address)
	k.mu.RLock()
	sealed, ok := k.sealed[address]
	k.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.NotFound, "no signing key held for account %s", address)
	}
	plain, err := k.sealer.Open(accountScope(address), []byte(address), sealed)
	if err != nil {
		return nil, failure.Wrap(failure.InternalInconsistency, err, "signing key for %s cannot be unsealed", address)
	}
	return solana.PrivateKey(plain), nil
}

// Save writes the keyring atomically.
func (k *Keyring) Save() error {
	if k.path == "" {
		return fmt.Errorf("keyring has no backing file")
	}
	k.mu.RLock()
	file := keyringFile{Version: 1, Keys: make(map[string]string, len(k.sealed)), Names: make(map[string]string, len(k.names))}
	for address, sealed := range k.sealed {
		file.Keys[address] = base64.StdEncoding.EncodeToString(sealed)
	}
	for name, address := range k.names {
		file.Names[name] = address
	}
	k.mu.RUnlock()

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(k.path), ".keyring-*")
	if err != nil {
		return fmt.Errorf("create keyring temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write keyring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keyring: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod keyring: %w", err)
	}
	return os.Rename(tmp.Name(), k.path)
}

func accountScope(address string) string { return "account:" + address }

// EscrowScope is the key-derivation scope for an escrow vault secret.
func EscrowScope(escrowID string) string { return "escrow:" + escrowID }
