package telephony

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dialvox/dialvox/internal/store"
)

// Credential sealing parameters. Changing any of these invalidates every
// stored ciphertext.
const (
	sealIterations = 100_000
	sealKeyBytes   = 32
	sealSaltBytes  = 16
)

// ErrSealedTooShort is returned when a ciphertext is shorter than its own
// header (salt + nonce).
var ErrSealedTooShort = errors.New("telephony: sealed value too short")

// Seal encrypts plaintext with AES-256-GCM. The key is derived from secret
// via PBKDF2-SHA256 with a fresh per-value salt; salt and nonce are prepended
// to the ciphertext and the whole blob is base64-encoded for JSONB storage.
func Seal(secret, plaintext string) (string, error) {
	salt := make([]byte, sealSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("telephony: seal salt: %w", err)
	}

	gcm, err := sealCipher(secret, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("telephony: seal nonce: %w", err)
	}

	blob := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Unseal reverses [Seal]. An empty input unseals to the empty string, so
// optional credential fields need no special casing.
func Unseal(secret, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("telephony: decode sealed value: %w", err)
	}
	if len(blob) < sealSaltBytes {
		return "", ErrSealedTooShort
	}
	salt, rest := blob[:sealSaltBytes], blob[sealSaltBytes:]

	gcm, err := sealCipher(secret, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrSealedTooShort
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("telephony: unseal: %w", err)
	}
	return string(plaintext), nil
}

func sealCipher(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, sealIterations, sealKeyBytes, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("telephony: seal cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("telephony: seal gcm: %w", err)
	}
	return gcm, nil
}

// UnsealCredentials decrypts every field of a stored credential set.
func UnsealCredentials(secret string, sealed store.SealedCredentials) (Credentials, error) {
	var (
		creds Credentials
		err   error
	)
	if creds.APIKey, err = Unseal(secret, sealed.APIKey); err != nil {
		return Credentials{}, fmt.Errorf("api_key: %w", err)
	}
	if creds.APIToken, err = Unseal(secret, sealed.APIToken); err != nil {
		return Credentials{}, fmt.Errorf("api_token: %w", err)
	}
	if creds.AccountSID, err = Unseal(secret, sealed.AccountSID); err != nil {
		return Credentials{}, fmt.Errorf("account_sid: %w", err)
	}
	if creds.Subdomain, err = Unseal(secret, sealed.Subdomain); err != nil {
		return Credentials{}, fmt.Errorf("subdomain: %w", err)
	}
	if creds.AppID, err = Unseal(secret, sealed.AppID); err != nil {
		return Credentials{}, fmt.Errorf("app_id: %w", err)
	}
	return creds, nil
}

// SealCredentials encrypts a credential set for storage. Used by fixtures
// and the provisioning path.
func SealCredentials(secret string, creds Credentials) (store.SealedCredentials, error) {
	var (
		sealed store.SealedCredentials
		err    error
	)
	if creds.APIKey != "" {
		if sealed.APIKey, err = Seal(secret, creds.APIKey); err != nil {
			return store.SealedCredentials{}, fmt.Errorf("api_key: %w", err)
		}
	}
	if creds.APIToken != "" {
		if sealed.APIToken, err = Seal(secret, creds.APIToken); err != nil {
			return store.SealedCredentials{}, fmt.Errorf("api_token: %w", err)
		}
	}
	if creds.AccountSID != "" {
		if sealed.AccountSID, err = Seal(secret, creds.AccountSID); err != nil {
			return store.SealedCredentials{}, fmt.Errorf("account_sid: %w", err)
		}
	}
	if creds.Subdomain != "" {
		if sealed.Subdomain, err = Seal(secret, creds.Subdomain); err != nil {
			return store.SealedCredentials{}, fmt.Errorf("subdomain: %w", err)
		}
	}
	if creds.AppID != "" {
		if sealed.AppID, err = Seal(secret, creds.AppID); err != nil {
			return store.SealedCredentials{}, fmt.Errorf("app_id: %w", err)
		}
	}
	return sealed, nil
}
