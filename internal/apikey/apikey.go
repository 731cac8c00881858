// Package apikey manages the secp256k1 keys that sign vault API requests.
// Keys live on disk as lowercase hex without a 0x prefix, mode 0600.
package apikey

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidPath = errors.New("apikey: key path required")

// Load reads the key at path. A missing file is an error.
func Load(path string) (*ecdsa.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apikey: read key %s: %w", path, err)
	}
	return parse(path, raw)
}

// LoadOrCreate loads the key at path, generating and writing one if the file
// does not exist. The bool reports whether a key was created.
func LoadOrCreate(path string) (*ecdsa.PrivateKey, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, ErrInvalidPath
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := parse(path, raw)
		return key, false, err
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("apikey: read key %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("apikey: generate key: %w", err)
	}
	keyHex := strings.ToLower(common.Bytes2Hex(crypto.FromECDSA(key)))

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("apikey: create key dir: %w", err)
	}
	if err := writeFile0600(path, []byte(keyHex+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func parse(path string, raw []byte) (*ecdsa.PrivateKey, error) {
	keyHex := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("apikey: parse key %s: %w", path, err)
	}
	return key, nil
}

func writeFile0600(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("apikey: open key for write %s: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("apikey: write key %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("apikey: sync key %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("apikey: close key %s: %w", path, err)
	}
	return nil
}
