// Package keyvault keeps the database encryption key in the OS credential
// store (macOS Keychain, Secret Service, Windows Credential Manager).
package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Service and Account identify sigvault's own key.
	Service = "sigvault Safe Storage"
	Account = "sigvault Key"

	// DesktopService and DesktopAccount identify Signal Desktop's entry.
	DesktopService = "Signal Safe Storage"
	DesktopAccount = "Signal Key"

	// DefaultTimeout bounds every credential store call.
	DefaultTimeout = 10 * time.Second

	keySize = 32
)

// ErrNotFound is returned when no entry exists for the service/account pair.
var ErrNotFound = errors.New("keyvault: entry not found")

// Error reports a credential store that could not be read or written.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("keyvault %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend is the raw credential store.
type Backend interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// Vault reads and creates one credential entry.
type Vault struct {
	backend Backend
	service string
	account string
	timeout time.Duration
}

// New returns a vault for the given identity. A zero timeout means DefaultTimeout.
func New(backend Backend, service, account string, timeout time.Duration) *Vault {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Vault{backend: backend, service: service, account: account, timeout: timeout}
}

// Secret returns the raw stored string.
func (v *Vault) Secret(ctx context.Context) (string, error) {
	var secret string
	err := v.call(ctx, "get", func() error {
		s, err := v.backend.Get(v.service, v.account)
		secret = s
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(secret), nil
}

// Key returns the existing key as 64 hex characters. It never creates one.
// An entry that does not decode to a 32-byte key is an *Error.
func (v *Vault) Key(ctx context.Context) (string, error) {
	secret, err := v.Secret(ctx)
	if err != nil {
		return "", err
	}
	key, err := decodeKey(secret)
	if err != nil {
		return "", &Error{Op: "decode", Err: err}
	}
	return key, nil
}

// GetOrCreateKey returns the existing key or generates and stores a new one.
// A malformed entry is treated as absent and overwritten. Only call this
// when creating a database: a regenerated key makes any existing
// ciphertext unreadable.
func (v *Vault) GetOrCreateKey(ctx context.Context) (string, error) {
	secret, err := v.Secret(ctx)
	switch {
	case err == nil:
		if key, err := decodeKey(secret); err == nil {
			return key, nil
		}
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", &Error{Op: "generate", Err: err}
	}

	// Clear any stale entry first; absence is fine.
	if err := v.call(ctx, "delete", func() error {
		return v.backend.Delete(v.service, v.account)
	}); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err := v.call(ctx, "set", func() error {
		return v.backend.Set(v.service, v.account, base64.StdEncoding.EncodeToString(raw))
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func decodeKey(secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", err
	}
	if len(raw) != keySize {
		return "", fmt.Errorf("key is %d bytes, want %d", len(raw), keySize)
	}
	return hex.EncodeToString(raw), nil
}

// call runs fn with the vault timeout. A timeout is reported as *Error,
// like any other backend failure.
func (v *Vault) call(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return &Error{Op: op, Err: err}
	case <-ctx.Done():
		return &Error{Op: op, Err: fmt.Errorf("timed out after %s: %w", v.timeout, ctx.Err())}
	}
}
