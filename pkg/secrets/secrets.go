// Package secrets stores container passwords in the operating system's
// keyring (Secret Service, Keychain, or Credential Manager). Entries are
// keyed by the container's configured path so multiple vaults can coexist.
package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// service is the keyring service name all entries live under.
const service = "valise-vault"

// ErrNotFound is returned by Get when no password is stored for the key.
var ErrNotFound = errors.New("no password stored for this container")

// Store reads and writes container passwords.
type Store struct {
	service string
}

// NewStore returns a Store using the default service name.
func NewStore() *Store {
	return &Store{service: service}
}

// Get retrieves the password for containerKey. A missing entry returns
// ErrNotFound; a missing keyring backend surfaces as an ordinary error with
// guidance.
func (s *Store) Get(containerKey string) (string, error) {
	if containerKey == "" {
		return "", fmt.Errorf("container key must not be empty")
	}
	secret, err := keyring.Get(s.service, containerKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading keyring: %w", err)
	}
	return secret, nil
}

// Set saves the password for containerKey, replacing any previous value.
func (s *Store) Set(containerKey, secret string) error {
	if containerKey == "" {
		return fmt.Errorf("container key must not be empty")
	}
	if err := keyring.Set(s.service, containerKey, secret); err != nil {
		return fmt.Errorf("writing keyring (is a keyring service such as GNOME Keyring running?): %w", err)
	}
	return nil
}

// Delete removes the entry for containerKey. Deleting a nonexistent entry is
// not an error; the desired state is reached either way.
func (s *Store) Delete(containerKey string) error {
	if containerKey == "" {
		return nil
	}
	if err := keyring.Delete(s.service, containerKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}
