// Package keystore persists long-term peer identities the directory
// controller trusts, one JSON file per tag, and exposes a lookup usable
// directly as a handshake.KeystoreFunc.
package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arcan-os/a12/internal/a12/handshake"
)

// Entry is one keystore record: the tag a peer is known by, its x25519
// long-term public key, and an optional secret the caller associates
// with it (returned to the handshake as KeystoreResult.Secret).
type Entry struct {
	Tag       string `json:"tag"`
	PublicKey string `json:"public_key"` // hex-encoded 32 bytes
	Secret    string `json:"secret,omitempty"`
}

// Store is a directory of `<tag>.json` files, one per trusted peer.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(tag string) string {
	return filepath.Join(s.dir, tag+".json")
}

// Put writes (or overwrites) the entry for tag, replacing any existing
// file atomically via temp-file + os.Rename so a crash mid-write never
// leaves a torn JSON file behind.
func (s *Store) Put(tag string, pub [32]byte, secret []byte) error {
	entry := Entry{
		Tag:       tag,
		PublicKey: hex.EncodeToString(pub[:]),
	}
	if len(secret) > 0 {
		entry.Secret = hex.EncodeToString(secret)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal %s: %w", tag, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, tag+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("keystore: tempfile %s: %w", tag, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: write %s: %w", tag, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: close %s: %w", tag, err)
	}
	if err := os.Rename(tmpPath, s.path(tag)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: rename %s: %w", tag, err)
	}
	return nil
}

// Get returns the entry stored for tag.
func (s *Store) Get(tag string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readEntry(s.path(tag))
}

func (s *Store) readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	return e, nil
}

// List returns every entry currently on disk.
func (s *Store) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: list %s: %w", s.dir, err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		e, err := s.readEntry(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove deletes the entry for tag, if present.
func (s *Store) Remove(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(tag))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// LookupByTag resolves tag to its stored public key and secret, the form
// LinkDirectory/ReferenceDirectory need for their outbound lookup
// callback.
func (s *Store) LookupByTag(tag string) (secret, public [32]byte, err error) {
	e, err := s.Get(tag)
	if err != nil {
		return secret, public, err
	}
	pubBytes, err := hex.DecodeString(e.PublicKey)
	if err != nil || len(pubBytes) != 32 {
		return secret, public, fmt.Errorf("keystore: %s: malformed public key", tag)
	}
	copy(public[:], pubBytes)
	if e.Secret != "" {
		secretBytes, err := hex.DecodeString(e.Secret)
		if err != nil || len(secretBytes) != 32 {
			return secret, public, fmt.Errorf("keystore: %s: malformed secret", tag)
		}
		copy(secret[:], secretBytes)
	}
	return secret, public, nil
}

// KeystoreFunc returns a handshake.KeystoreFunc backed by this store: a
// connecting peer is authentic if its long-term public key matches any
// stored entry, linear scan over List() being acceptable for the modest
// keystore sizes a single directory instance manages.
func (s *Store) KeystoreFunc() handshake.KeystoreFunc {
	return func(peerPub [32]byte) (handshake.KeystoreResult, error) {
		entries, err := s.List()
		if err != nil {
			return handshake.KeystoreResult{}, err
		}
		want := hex.EncodeToString(peerPub[:])
		for _, e := range entries {
			if e.PublicKey != want {
				continue
			}
			var result handshake.KeystoreResult
			result.Authentic = true
			if e.Secret != "" {
				secretBytes, err := hex.DecodeString(e.Secret)
				if err == nil {
					result.Secret = secretBytes
				}
			}
			return result, nil
		}
		return handshake.KeystoreResult{}, nil
	}
}
