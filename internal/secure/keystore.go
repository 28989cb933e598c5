// Package secure holds the process-wide encryption key and the
// authenticated cipher used to seal audio segments at rest.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
)

// KeySize is the length of the AES-256 key in bytes
const KeySize = 32

// Fixed application-scoped tag under which the key is stored
const (
	KeyringService = "com.lexiqai.session-recorder"
	KeyringUser    = "encryption-key"
)

var (
	// ErrKeyNotFound is returned by a KeyStore that holds no key
	ErrKeyNotFound = errors.New("encryption key not found")
	// ErrKeyStoreUnavailable is returned when the stored key cannot be read
	ErrKeyStoreUnavailable = errors.New("encryption key store unavailable")
)

// KeyStore persists the encryption key outside the application's own data
type KeyStore interface {
	Load() ([]byte, error)
	Save(key []byte) error
}

// KeyringStore keeps the key in the OS credential store
// (Keychain, Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
	user    string
}

// NewKeyringStore creates a keyring-backed store under the fixed tag
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: KeyringService, user: KeyringUser}
}

// Load reads and decodes the key
func (s *KeyringStore) Load() ([]byte, error) {
	encoded, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: stored key is not valid base64: %v", ErrKeyStoreUnavailable, err)
	}
	return key, nil
}

// Save replaces any existing key
func (s *KeyringStore) Save(key []byte) error {
	if err := keyring.Set(s.service, s.user, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("failed to save key to keyring: %w", err)
	}
	return nil
}

// FileStore keeps the key base64-encoded in a 0600 file, for headless hosts
// without a credential service.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and decodes the key file
func (s *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not valid base64: %v", ErrKeyStoreUnavailable, err)
	}
	return key, nil
}

// Save writes the key atomically with owner-only permissions
func (s *FileStore) Save(key []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

// KeyProvider lazily loads or creates the single process-wide key.
// All first calls serialize on one lock, so exactly one key is created.
type KeyProvider struct {
	store      KeyStore
	regenerate bool
	logger     zerolog.Logger

	mu  sync.Mutex
	key []byte
}

// NewKeyProvider creates a provider. With regenerateOnError set, any read
// failure is treated as a missing key and a fresh one is generated, which
// makes previously sealed segments unreadable.
func NewKeyProvider(store KeyStore, regenerateOnError bool, logger zerolog.Logger) *KeyProvider {
	return &KeyProvider{
		store:      store,
		regenerate: regenerateOnError,
		logger:     logger,
	}
}

// GetOrCreateKey returns the stored key, creating and persisting one on first use
func (p *KeyProvider) GetOrCreateKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	key, err := p.store.Load()
	if err == nil && len(key) != KeySize {
		err = fmt.Errorf("%w: stored key has %d bytes, want %d", ErrKeyStoreUnavailable, len(key), KeySize)
	}

	switch {
	case err == nil:
		p.key = key
		return p.key, nil
	case errors.Is(err, ErrKeyNotFound):
		p.logger.Info().Msg("No encryption key found, creating one")
	case p.regenerate:
		p.logger.Warn().Err(err).Msg("Encryption key unreadable, regenerating; earlier segments will not decrypt")
	default:
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := p.store.Save(key); err != nil {
		return nil, err
	}

	p.key = key
	return p.key, nil
}

// Check reports whether the key can be obtained; used by readiness probes
func (p *KeyProvider) Check() error {
	_, err := p.GetOrCreateKey()
	return err
}
