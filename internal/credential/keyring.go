// Package credential reads and writes secrets in the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "planpal"

// Well-known keys.
const (
	KeyOpenAIAPIKey  = "openai_api_key"
	KeySMTPPassword  = "smtp_password"
	KeyTelegramToken = "telegram_token"
)

var ErrNotFound = errors.New("credential not found")

// Store is a keyring-backed secret store.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store over the first available backend. fileDir is used by
// the encrypted file backend when no system keyring exists.
func Open(fileDir string) (*Store, error) {
	if strings.TrimSpace(fileDir) == "" {
		fileDir = "~/.config/planpal/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("planpal-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an existing keyring.
func NewStore(ring keyring.Keyring) *Store { return &Store{ring: ring} }

func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("setting credential %q: empty value", key)
	}
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "planpal " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Resolve returns value when it is set, otherwise the keyring entry for key.
// A nil Store or a missing entry yields "" without error.
func (s *Store) Resolve(value, key string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if s == nil {
		return "", nil
	}
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return strings.TrimSpace(v), err
}
