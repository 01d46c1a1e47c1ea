// Package credentials persists the wrapper's access token encrypted at rest.
//
// The file store keeps two files under the state directory:
//
//	credentials.key — a random 32-byte AES-256 key, created on first use
//	                  with mode 0600
//	credentials.enc — base64(nonce + AES-256-GCM ciphertext) of the JSON
//	                  credential record
//
// A unique nonce per encryption is critical for GCM security — never reuse a
// nonce with the same key. Writes go through temp file + rename so a crash
// mid-write never leaves a corrupt store.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCredential is returned by Token when nothing has been stored yet.
// The CLI maps it to the "auth required" exit code.
var ErrNoCredential = errors.New("credentials: no stored credential, run auth login")

const (
	keyFileName  = "credentials.key"
	credFileName = "credentials.enc"
	keySize      = 32 // AES-256
)

// Store is the credential interface the session depends on. Token returns
// the current access token; SetToken replaces it (called on auth login and
// on every token:refresh frame).
type Store interface {
	Token() (string, error)
	SetToken(token string, expiresIn time.Duration) error
}

// record is the JSON document sealed into credentials.enc.
type record struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// FileStore is the on-disk Store implementation.
type FileStore struct {
	dir string
	key []byte
}

// NewFileStore opens (or initialises) the credential store under dir.
// The encryption key is created on first use and reused afterwards.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("credentials: create state dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, key: key}, nil
}

// Token returns the stored access token. Expired tokens are still returned —
// the server refreshes tokens mid-session, and on reconnect an expired token
// is rejected with a clear auth error rather than silently missing.
func (s *FileStore) Token() (string, error) {
	rec, err := s.load()
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ExpiresAt returns when the stored token expires, or the zero time when no
// expiry was recorded.
func (s *FileStore) ExpiresAt() (time.Time, error) {
	rec, err := s.load()
	if err != nil {
		return time.Time{}, err
	}
	return rec.ExpiresAt, nil
}

// SetToken seals and persists a replacement access token. expiresIn <= 0
// stores the token without an expiry.
func (s *FileStore) SetToken(token string, expiresIn time.Duration) error {
	if token == "" {
		return errors.New("credentials: token must not be empty")
	}
	rec := record{AccessToken: token}
	if expiresIn > 0 {
		rec.ExpiresAt = time.Now().Add(expiresIn).UTC()
	}
	return s.save(rec)
}

// Clear removes the stored credential. The key file is kept so the next
// login reuses it.
func (s *FileStore) Clear() error {
	err := os.Remove(filepath.Join(s.dir, credFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials: clear: %w", err)
	}
	return nil
}

func (s *FileStore) load() (record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, credFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return record{}, ErrNoCredential
		}
		return record{}, fmt.Errorf("credentials: read store: %w", err)
	}

	plaintext, err := s.open(string(data))
	if err != nil {
		return record{}, err
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, fmt.Errorf("credentials: corrupted store: %w", err)
	}
	if rec.AccessToken == "" {
		return record{}, ErrNoCredential
	}
	return rec, nil
}

func (s *FileStore) save(rec record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "credentials.*.tmp")
	if err != nil {
		return fmt.Errorf("credentials: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: chmod temp file: %w", err)
	}
	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credentials: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, credFileName)); err != nil {
		return fmt.Errorf("credentials: rename store: %w", err)
	}
	ok = true
	return nil
}

// seal encrypts plaintext with AES-256-GCM and encodes nonce+ciphertext as
// base64.
func (s *FileStore) seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("credentials: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credentials: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credentials: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open decodes and decrypts a sealed value produced by seal.
func (s *FileStore) open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("credentials: decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("credentials: sealed data too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: decrypt store: %w", err)
	}
	return plaintext, nil
}

// loadOrCreateKey reads the AES key file, generating a fresh key on first
// use. The key never leaves this host.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("credentials: key file %q has %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credentials: read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("credentials: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("credentials: write key file: %w", err)
	}
	return key, nil
}
