package keyvault

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringBackend stores entries in the platform keyring via go-keyring.
type KeyringBackend struct{}

func (KeyringBackend) Get(service, account string) (string, error) {
	s, err := keyring.Get(service, account)
	return s, translate(err)
}

func (KeyringBackend) Set(service, account, secret string) error {
	return translate(keyring.Set(service, account, secret))
}

func (KeyringBackend) Delete(service, account string) error {
	return translate(keyring.Delete(service, account))
}

func translate(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
