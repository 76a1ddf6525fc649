package desktop

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/sigvault/internal/safestorage"
)

// SecretSource returns Signal Desktop's entry from the OS credential store.
type SecretSource interface {
	Secret(ctx context.Context) (string, error)
}

// desktopConfig is the subset of Signal Desktop's config.json we read.
type desktopConfig struct {
	Key          string `json:"key"`
	EncryptedKey string `json:"encryptedKey"`
}

// ResolveKey finds the database key, trying in order: a plain hex key in
// config.json, an encryptedKey in config.json unwrapped with the keychain
// password, and finally a base64 key stored directly in the keychain.
func ResolveKey(ctx context.Context, inst Installation, secrets SecretSource) (string, error) {
	var errs []error

	cfg, err := readConfig(inst.ConfigPath)
	if err != nil {
		errs = append(errs, err)
	}
	if cfg != nil {
		if isHex(cfg.Key) {
			return cfg.Key, nil
		}
		if cfg.EncryptedKey != "" {
			key, err := unwrapKey(ctx, cfg.EncryptedKey, secrets)
			if err == nil {
				return key, nil
			}
			errs = append(errs, fmt.Errorf("encryptedKey: %w", err))
		}
	}

	key, err := keychainKey(ctx, secrets)
	if err == nil {
		return key, nil
	}
	errs = append(errs, fmt.Errorf("keychain: %w", err))

	return "", &ImportError{Kind: KeyUnavailable, Err: errors.Join(errs...)}
}

// readConfig returns nil, nil when config.json does not exist.
func readConfig(path string) (*desktopConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var cfg desktopConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

func unwrapKey(ctx context.Context, encrypted string, secrets SecretSource) (string, error) {
	password, err := secrets.Secret(ctx)
	if err != nil {
		return "", err
	}
	// The keychain password is used as raw bytes, not decoded.
	plain, err := safestorage.DecryptHex(encrypted, []byte(password))
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(plain))
	if !isHex(key) {
		return "", errors.New("decrypted key is not hex")
	}
	return key, nil
}

func keychainKey(ctx context.Context, secrets SecretSource) (string, error) {
	secret, err := secrets.Secret(ctx)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode keychain key: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty keychain key")
	}
	return hex.EncodeToString(raw), nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
