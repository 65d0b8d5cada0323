package canvas

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"coursepilot/internal/models"
)

var (
	// ErrNoCredential is returned when a user has neither an API token nor a
	// session cookie. Callers should surface this as "reconnect Canvas".
	ErrNoCredential = errors.New("no canvas credential on file")

	// ErrSessionExpired indicates the session cookie was rejected or the
	// request landed on a login page. Distinct from an empty result set.
	ErrSessionExpired = errors.New("canvas session expired")
)

// CredentialKind selects which authentication mode a Credential carries.
type CredentialKind int

const (
	CredentialToken CredentialKind = iota
	CredentialCookie
)

// Credential is a validated, usable Canvas access mode: either a bearer API
// token or a decrypted session cookie, plus the instance URL both apply to.
type Credential struct {
	Kind       CredentialKind
	Secret     string
	BaseURL    string
	CookieName string
}

// ResolveCredential picks the access mode for a user. An API token wins over
// a session cookie; the cookie is decrypted before use. Read-only: the user
// record is never mutated here.
func ResolveCredential(user *models.User, secretKey, defaultBaseURL, cookieName string) (Credential, error) {
	baseURL := defaultBaseURL
	if user.InstanceURL.Valid && user.InstanceURL.String != "" {
		baseURL = user.InstanceURL.String
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if user.AccessToken.Valid && strings.TrimSpace(user.AccessToken.String) != "" {
		return Credential{
			Kind:    CredentialToken,
			Secret:  strings.TrimSpace(user.AccessToken.String),
			BaseURL: baseURL,
		}, nil
	}

	if user.SessionCookie.Valid && strings.TrimSpace(user.SessionCookie.String) != "" {
		cookie := DecryptSecret(user.SessionCookie.String, secretKey)
		cookie = strings.Trim(strings.TrimSpace(cookie), `"'`)
		return Credential{
			Kind:       CredentialCookie,
			Secret:     cookie,
			BaseURL:    baseURL,
			CookieName: cookieName,
		}, nil
	}

	return Credential{}, ErrNoCredential
}

func deriveKey(secretKey string) *[32]byte {
	sum := sha256.Sum256([]byte(secretKey))
	var key [32]byte
	copy(key[:], sum[:])
	return &key
}

// EncryptSecret seals a sensitive value (the Canvas session cookie) with a
// key derived from the application secret. Output is base64 with the nonce
// prepended.
func EncryptSecret(plaintext, secretKey string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, deriveKey(secretKey))
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret. Rows written before encryption was
// introduced hold the cookie in cleartext; any decryption failure therefore
// returns the input unchanged instead of erroring.
func DecryptSecret(stored, secretKey string) string {
	raw, err := base64.URLEncoding.DecodeString(stored)
	if err != nil || len(raw) < 25 {
		return stored
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, deriveKey(secretKey))
	if !ok {
		return stored
	}
	return string(plain)
}
