package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// shareSecretBytes is the size of the share-token master secret.
const shareSecretBytes = 32

// GenerateSecret writes a fresh random secret, hex-encoded, to path with
// owner-only permissions.
func GenerateSecret(path string) ([]byte, error) {
	secret := make([]byte, shareSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a hex-encoded secret written by GenerateSecret.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", path, err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("secret %s too short: %d bytes", path, len(secret))
	}
	return secret, nil
}

// EnsureSecret loads the secret at path, generating it on first use.
func EnsureSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return GenerateSecret(path)
}
