package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	credentialKeyEnv = "PROXY_ENCRYPTION_KEY"
	CredentialPrefix = "enc:"

	hkdfInfo = "proxyfleet proxy credentials v1"
)

var (
	credentialCipherOnce sync.Once
	credentialCipherInst cipher.AEAD
	credentialCipherErr  error
)

func credentialCipher() (cipher.AEAD, error) {
	credentialCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(credentialKeyEnv))
		if rawKey == "" {
			credentialCipherErr = errors.New("credential encryption key not set: " + credentialKeyEnv)
			return
		}

		key, err := deriveCredentialKey(rawKey)
		if err != nil {
			credentialCipherErr = fmt.Errorf("derive credential key: %w", err)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}
		credentialCipherInst = gcm
	})

	return credentialCipherInst, credentialCipherErr
}

// deriveCredentialKey stretches whatever the operator configured (base64 or passphrase) into an AES-256 key.
func deriveCredentialKey(raw string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(secret) == 0 {
		secret = []byte(raw)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func EncryptCredential(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	gcm, err := credentialCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return CredentialPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential returns plain values unchanged and reports them as legacy so callers can re-encrypt on save.
func DecryptCredential(value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(value, CredentialPrefix) {
		return value, true, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, CredentialPrefix))
	if err != nil {
		return "", false, fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := credentialCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", false, errors.New("ciphertext too short")
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(plain), false, nil
}

func IsCredentialEncrypted(value string) bool {
	return strings.HasPrefix(value, CredentialPrefix)
}

func ResetCredentialCipherForTests() {
	credentialCipherOnce = sync.Once{}
	credentialCipherInst = nil
	credentialCipherErr = nil
}
