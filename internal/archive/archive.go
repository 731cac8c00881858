// Package archive keeps point-in-time vault snapshots in object storage.
//
// Snapshots live under vaults/<id>/snapshots/<seq>.json, with seq zero-padded
// so lexical order matches version order. vaults/<id>/latest.json points at
// the newest one.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/yield-vault/internal/vault"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	pointerVersion = "vault.archive.latest.v1"
)

var (
	ErrInvalidConfig = errors.New("archive: invalid config")
	ErrInvalidKey    = errors.New("archive: invalid key")
	ErrNotFound      = errors.New("archive: not found")
	ErrTooLarge      = errors.New("archive: object too large")
)

// Objects is the byte-level backend.
type Objects interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read back. Defaults to 16 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

// Record is an archived snapshot as stored.
type Record struct {
	Vault string
	Seq   uint64
	Key   string
	Data  json.RawMessage
}

type Archive struct {
	objects Objects
	now     func() time.Time
}

func New(cfg Config) (*Archive, error) {
	var (
		objects Objects
		err     error
	)
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		objects = newMemoryObjects(cfg.Prefix)
	case DriverS3:
		objects, err = newS3Objects(cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Archive{objects: objects, now: now}, nil
}

func SnapshotKey(vaultID string, seq uint64) string {
	return fmt.Sprintf("vaults/%s/snapshots/%020d.json", vaultID, seq)
}

func latestKey(vaultID string) string {
	return "vaults/" + vaultID + "/latest.json"
}

type pointer struct {
	Version    string `json:"version"`
	Vault      string `json:"vault"`
	Seq        uint64 `json:"seq"`
	Key        string `json:"key"`
	ArchivedAt string `json:"archivedAt"`
}

// Save writes snap and moves the latest pointer to it. Saving a seq that is
// already archived only rewrites the pointer.
func (a *Archive) Save(ctx context.Context, snap vault.Snapshot) (string, error) {
	if err := validVaultID(snap.Vault); err != nil {
		return "", err
	}
	key := SnapshotKey(snap.Vault, snap.Seq)

	ok, err := a.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		data, err := json.Marshal(snap)
		if err != nil {
			return "", fmt.Errorf("archive: encode snapshot: %w", err)
		}
		if err := a.objects.Put(ctx, key, data); err != nil {
			return "", err
		}
	}

	p, err := json.Marshal(pointer{
		Version:    pointerVersion,
		Vault:      snap.Vault,
		Seq:        snap.Seq,
		Key:        key,
		ArchivedAt: a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("archive: encode pointer: %w", err)
	}
	if err := a.objects.Put(ctx, latestKey(snap.Vault), p); err != nil {
		return "", err
	}
	return key, nil
}

func (a *Archive) Get(ctx context.Context, vaultID string, seq uint64) (Record, error) {
	if err := validVaultID(vaultID); err != nil {
		return Record{}, err
	}
	key := SnapshotKey(vaultID, seq)
	data, err := a.objects.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	return Record{Vault: vaultID, Seq: seq, Key: key, Data: data}, nil
}

// Latest returns the snapshot the latest pointer names.
func (a *Archive) Latest(ctx context.Context, vaultID string) (Record, error) {
	if err := validVaultID(vaultID); err != nil {
		return Record{}, err
	}
	raw, err := a.objects.Get(ctx, latestKey(vaultID))
	if err != nil {
		return Record{}, err
	}
	var p pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return Record{}, fmt.Errorf("archive: decode pointer for %q: %w", vaultID, err)
	}
	if p.Version != pointerVersion || p.Vault != vaultID {
		return Record{}, fmt.Errorf("archive: unexpected pointer for %q: version=%q vault=%q", vaultID, p.Version, p.Vault)
	}
	return a.Get(ctx, vaultID, p.Seq)
}

func validVaultID(id string) error {
	if id == "" || id != strings.TrimSpace(id) || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: vault id %q", ErrInvalidKey, id)
	}
	return nil
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func checkKey(key string) error {
	if key == "" || key != strings.TrimSpace(key) || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return nil
}
