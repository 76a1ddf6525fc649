// Package safestorage decodes secrets wrapped by Electron's safeStorage API,
// which Signal Desktop uses to protect its database key in config.json.
//
// The envelope is a 3-byte ASCII version tag followed by AES-128-CBC
// ciphertext. The AES key is PBKDF2-HMAC-SHA1 of the keychain password with
// the salt "saltysalt"; the IV is 16 spaces.
package safestorage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// V10 is the macOS variant (1003 PBKDF2 iterations).
	V10 = "v10"
	// V11 is the Linux variant (a single PBKDF2 iteration).
	V11 = "v11"

	versionLen = 3
	keyLen     = 16
)

var (
	salt = []byte("saltysalt")
	iv   = bytes.Repeat([]byte{' '}, aes.BlockSize)
)

var (
	// ErrUnsupportedVersion is returned for a version tag other than v10/v11.
	ErrUnsupportedVersion = errors.New("safestorage: unsupported version")
	// ErrPadding is returned when the decrypted block has invalid PKCS#7 padding,
	// which almost always means the password was wrong.
	ErrPadding = errors.New("safestorage: invalid padding")
)

func iterations(version string) (int, error) {
	switch version {
	case V10:
		return 1003, nil
	case V11:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
}

func deriveKey(password []byte, version string) ([]byte, error) {
	iter, err := iterations(version)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(password, salt, iter, keyLen, sha1.New), nil
}

// Decrypt unwraps a version-tagged envelope with the given password.
func Decrypt(data, password []byte) ([]byte, error) {
	if len(data) < versionLen {
		return nil, fmt.Errorf("%w: envelope too short", ErrUnsupportedVersion)
	}
	key, err := deriveKey(password, string(data[:versionLen]))
	if err != nil {
		return nil, err
	}

	ciphertext := data[versionLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrPadding, len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return unpad(plain)
}

// DecryptHex is Decrypt for the hex encoding used in Signal's config.json.
func DecryptHex(encoded string, password []byte) ([]byte, error) {
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return Decrypt(data, password)
}

// Encrypt produces an envelope in the given version that Decrypt accepts.
func Encrypt(plaintext, password []byte, version string) ([]byte, error) {
	key, err := deriveKey(password, version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, versionLen+len(padded))
	copy(out, version)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[versionLen:], padded)
	return out, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n < 1 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: length byte %d", ErrPadding, n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}
