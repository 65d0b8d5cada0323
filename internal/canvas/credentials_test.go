package canvas_test

import (
	"database/sql"
	"errors"
	"testing"

	"coursepilot/internal/canvas"
	"coursepilot/internal/models"
)

const testSecret = "unit-test-secret"

func TestResolveCredential_TokenWins(t *testing.T) {
	user := &models.User{
		AccessToken:   sql.NullString{String: " tok-abc ", Valid: true},
		SessionCookie: sql.NullString{String: "cookie-val", Valid: true},
		InstanceURL:   sql.NullString{String: "https://usf.instructure.com/", Valid: true},
	}

	cred, err := canvas.ResolveCredential(user, testSecret, "https://canvas.instructure.com", "canvas_session")
	if err != nil {
		t.Fatalf("Expected credential, got error: %v", err)
	}
	if cred.Kind != canvas.CredentialToken {
		t.Errorf("Expected token credential when both are present, got %v", cred.Kind)
	}
	if cred.Secret != "tok-abc" {
		t.Errorf("Expected trimmed token, got %q", cred.Secret)
	}
	if cred.BaseURL != "https://usf.instructure.com" {
		t.Errorf("Expected trailing slash stripped from instance URL, got %q", cred.BaseURL)
	}
}

func TestResolveCredential_CookieDecrypted(t *testing.T) {
	sealed, err := canvas.EncryptSecret(`"session-xyz"`, testSecret)
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}
	user := &models.User{
		SessionCookie: sql.NullString{String: sealed, Valid: true},
	}

	cred, err := canvas.ResolveCredential(user, testSecret, "https://canvas.instructure.com", "canvas_session")
	if err != nil {
		t.Fatalf("Expected credential, got error: %v", err)
	}
	if cred.Kind != canvas.CredentialCookie {
		t.Fatalf("Expected cookie credential, got %v", cred.Kind)
	}
	if cred.Secret != "session-xyz" {
		t.Errorf("Expected decrypted cookie with quotes stripped, got %q", cred.Secret)
	}
	if cred.CookieName != "canvas_session" {
		t.Errorf("Expected cookie name passed through, got %q", cred.CookieName)
	}
}

func TestResolveCredential_PlaintextFallback(t *testing.T) {
	// Rows written before encryption hold the raw cookie value.
	user := &models.User{
		SessionCookie: sql.NullString{String: "legacy-plaintext-cookie", Valid: true},
	}

	cred, err := canvas.ResolveCredential(user, testSecret, "https://canvas.instructure.com", "canvas_session")
	if err != nil {
		t.Fatalf("Expected credential, got error: %v", err)
	}
	if cred.Secret != "legacy-plaintext-cookie" {
		t.Errorf("Expected plaintext value passed through, got %q", cred.Secret)
	}
}

func TestResolveCredential_None(t *testing.T) {
	user := &models.User{}

	_, err := canvas.ResolveCredential(user, testSecret, "https://canvas.instructure.com", "canvas_session")
	if !errors.Is(err, canvas.ErrNoCredential) {
		t.Fatalf("Expected ErrNoCredential, got %v", err)
	}
}

func TestEncryptSecret_RoundTrip(t *testing.T) {
	sealed, err := canvas.EncryptSecret("hello", testSecret)
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}
	if sealed == "hello" {
		t.Fatal("Expected ciphertext to differ from plaintext")
	}
	if got := canvas.DecryptSecret(sealed, testSecret); got != "hello" {
		t.Errorf("Round trip failed: got %q", got)
	}
	// Wrong key falls back to returning the stored value untouched.
	if got := canvas.DecryptSecret(sealed, "other-key"); got != sealed {
		t.Errorf("Expected stored value unchanged under wrong key, got %q", got)
	}
}
