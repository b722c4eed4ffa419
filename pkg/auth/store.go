// Package auth stores the API key. The system keychain is preferred;
// the environment serves as the fallback for headless machines.
package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "tumblrbackup"
	keyringUser    = "api_key"
	envKey         = "TUMBLRBACKUP_API_KEY"
)

// ErrNoAPIKey means no key is stored anywhere we looked.
var ErrNoAPIKey = errors.New("no API key found; run 'tumblrbackup auth set' or set " + envKey)

// Store is a credential store for the API key.
type Store interface {
	Set(key string) error
	Get() (string, error)
	Delete() error
}

// KeyringStore keeps the key in the system keychain.
type KeyringStore struct{}

// NewKeyringStore probes keychain availability before returning.
func NewKeyringStore() (*KeyringStore, error) {
	probe := "availability_probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, probe)
	return &KeyringStore{}, nil
}

func (k *KeyringStore) Set(key string) error {
	if key == "" {
		return errors.New("API key must not be empty")
	}
	if err := keyring.Set(keyringService, keyringUser, key); err != nil {
		return fmt.Errorf("failed to store API key: %w", err)
	}
	return nil
}

func (k *KeyringStore) Get() (string, error) {
	key, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoAPIKey
		}
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return key, nil
}

func (k *KeyringStore) Delete() error {
	if err := keyring.Delete(keyringService, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete API key: %w", err)
	}
	return nil
}

// EnvStore reads the key from the environment. Set and Delete are
// unsupported since the process does not own its parent environment.
type EnvStore struct{}

func (e *EnvStore) Set(string) error { return errors.New("cannot store into the environment") }

func (e *EnvStore) Get() (string, error) {
	if key := os.Getenv(envKey); key != "" {
		return key, nil
	}
	return "", ErrNoAPIKey
}

func (e *EnvStore) Delete() error { return errors.New("cannot delete from the environment") }

// ResolveAPIKey returns the configured key, preferring an explicit
// value, then the environment, then the keychain.
func ResolveAPIKey(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key, err := (&EnvStore{}).Get(); err == nil {
		return key, nil
	}
	if ks, err := NewKeyringStore(); err == nil {
		if key, err := ks.Get(); err == nil {
			return key, nil
		}
	}
	return "", ErrNoAPIKey
}
