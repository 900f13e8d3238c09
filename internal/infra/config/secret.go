package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SecretPrefix marks a config value sealed with EncryptValue.
const SecretPrefix = "enc:"

// Sealed values are base64url(version | salt | nonce | ciphertext). The
// version byte is also the AEAD additional data.
const (
	secretVersion byte = 1
	saltLen            = 16
)

var errSecretFormat = errors.New("malformed sealed value")

// EncryptValue seals plaintext with AES-256-GCM under a key derived from
// passphrase with Argon2id. The result carries no prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	buf := make([]byte, 1+saltLen, 1+saltLen+12+len(plaintext)+16)
	buf[0] = secretVersion
	if _, err := rand.Read(buf[1:]); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	aead, err := secretAEAD(passphrase, buf[1:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, []byte(plaintext), buf[:1])
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecryptValue opens a value produced by EncryptValue.
func DecryptValue(sealed, passphrase string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 1+saltLen || raw[0] != secretVersion {
		return "", errSecretFormat
	}
	aead, err := secretAEAD(passphrase, raw[1:1+saltLen])
	if err != nil {
		return "", err
	}
	rest := raw[1+saltLen:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", errSecretFormat
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, raw[:1])
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

func secretAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// decryptSecrets opens every sealed gateway token in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i, t := range cfg.Gateway.Auth.Tokens {
		sealed, ok := strings.CutPrefix(t.Token, SecretPrefix)
		if !ok {
			continue
		}
		plain, err := DecryptValue(sealed, passphrase)
		if err != nil {
			return fmt.Errorf("gateway.auth.tokens[%d] (%s): %w", i, t.Name, err)
		}
		cfg.Gateway.Auth.Tokens[i].Token = plain
	}
	return nil
}
