package local

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adrianmcphee/polybase"
)

func TestAuth_SignUpSignInVerify(t *testing.T) {
	auth := newTestProvider(t).Auth()
	ctx := context.Background()

	session, err := auth.SignUp(ctx, "Ada@Example.com", "secret1", "Ada")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if session.User.Email != "ada@example.com" {
		t.Errorf("Expected lowercased email, got %q", session.User.Email)
	}
	if session.Token == "" || !session.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected token with future expiry, got %+v", session)
	}

	user, err := auth.VerifyToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if user.ID != session.User.ID {
		t.Errorf("Expected user %s, got %s", session.User.ID, user.ID)
	}

	again, err := auth.SignIn(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if again.Token == session.Token {
		t.Error("Each sign-in should issue a distinct token")
	}

	if _, err := auth.SignIn(ctx, "ada@example.com", "wrong-password"); !errors.Is(err, polybase.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for wrong password, got %v", err)
	}
	if _, err := auth.SignIn(ctx, "nobody@example.com", "secret1"); !errors.Is(err, polybase.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for unknown email, got %v", err)
	}
}

func TestAuth_SignUpValidation(t *testing.T) {
	auth := newTestProvider(t).Auth()
	ctx := context.Background()

	if _, err := auth.SignUp(ctx, "not-an-email", "secret1", ""); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData for bad email, got %v", err)
	}
	if _, err := auth.SignUp(ctx, "a@example.com", "123", ""); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData for short password, got %v", err)
	}
	if _, err := auth.SignUp(ctx, "a@example.com", "secret1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.SignUp(ctx, "A@example.com", "secret2", ""); !errors.Is(err, polybase.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for duplicate email, got %v", err)
	}
}

func TestAuth_SignOutRevokes(t *testing.T) {
	auth := newTestProvider(t).Auth()
	ctx := context.Background()

	session, err := auth.SignUp(ctx, "a@example.com", "secret1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.SignOut(ctx, session.Token); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if _, err := auth.VerifyToken(ctx, session.Token); !errors.Is(err, polybase.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken after sign-out, got %v", err)
	}
	if err := auth.SignOut(ctx, session.Token); err != nil {
		t.Errorf("Second SignOut should succeed, got %v", err)
	}
	if err := auth.SignOut(ctx, "garbage"); !errors.Is(err, polybase.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for garbage token, got %v", err)
	}
}

func TestAuth_TamperedAndExpiredTokens(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	session, err := p.Auth().SignUp(ctx, "a@example.com", "secret1", "")
	if err != nil {
		t.Fatal(err)
	}
	tampered := session.Token[:len(session.Token)-2] + "xx"
	if _, err := p.Auth().VerifyToken(ctx, tampered); !errors.Is(err, polybase.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for tampered token, got %v", err)
	}

	p.auth.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := p.Auth().VerifyToken(ctx, session.Token); !errors.Is(err, polybase.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuth_GetUser(t *testing.T) {
	auth := newTestProvider(t).Auth()
	ctx := context.Background()

	session, err := auth.SignUp(ctx, "a@example.com", "secret1", "A")
	if err != nil {
		t.Fatal(err)
	}
	user, err := auth.GetUser(ctx, session.User.ID)
	if err != nil {
		t.Fatal(err)
	}
	if user.Name != "A" {
		t.Errorf("Expected name A, got %q", user.Name)
	}
	if _, err := auth.GetUser(ctx, "missing"); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAuth_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestProvider(t).Auth()
	dst := newTestProvider(t).Auth()

	if _, err := src.SignUp(ctx, "a@example.com", "secret1", "A"); err != nil {
		t.Fatal(err)
	}
	records, err := src.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].HashAlgorithm != polybase.HashBcrypt {
		t.Fatalf("Expected one bcrypt record, got %+v", records)
	}

	records = append(records,
		polybase.UserRecord{User: polybase.User{ID: "u2", Email: "b@example.com"}, PasswordHash: "scrypt$abc", HashAlgorithm: "scrypt"},
		polybase.UserRecord{User: polybase.User{ID: "u3", Email: "A@EXAMPLE.COM"}},
	)
	res, err := dst.ImportUsers(ctx, records)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 2 || res.Skipped != 1 {
		t.Errorf("Expected 2 imported and 1 skipped, got %+v", res)
	}
	if len(res.Notes) != 1 || !strings.Contains(res.Notes[0], "b@example.com") {
		t.Errorf("Expected a note for the foreign hash, got %v", res.Notes)
	}

	// The migrated bcrypt hash still verifies.
	if _, err := dst.SignIn(ctx, "a@example.com", "secret1"); err != nil {
		t.Errorf("SignIn with migrated hash failed: %v", err)
	}
	if _, err := dst.SignIn(ctx, "b@example.com", "anything"); !errors.Is(err, polybase.ErrAuthentication) {
		t.Errorf("Users imported without password must not sign in, got %v", err)
	}

	// Re-importing is idempotent.
	res, err = dst.ImportUsers(ctx, records)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 0 {
		t.Errorf("Expected nothing imported twice, got %+v", res)
	}
}

func TestAuth_ShortPasswordRoundTrip(t *testing.T) {
	auth := newTestProvider(t).Auth()
	ctx := context.Background()

	session, err := auth.SignUp(ctx, "a@x.com", "p1", "A")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := auth.SignIn(ctx, "a@x.com", "p1"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	user, err := auth.VerifyToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if user.Email != "a@x.com" {
		t.Errorf("Expected a@x.com, got %q", user.Email)
	}
	if _, err := auth.SignIn(ctx, "a@x.com", "wrong"); !errors.Is(err, polybase.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for a wrong password, got %v", err)
	}
	if _, err := auth.SignUp(ctx, "b@x.com", "", "B"); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData for an empty password, got %v", err)
	}
}

func TestAuth_MinPasswordLength(t *testing.T) {
	cfg := testConfig(t)
	cfg.Options[OptMinPasswordLength] = "8"
	p := New()
	if err := p.Initialize(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx := context.Background()
	if _, err := p.Auth().SignUp(ctx, "a@x.com", "short", ""); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected ErrInvalidData below the minimum, got %v", err)
	}
	if _, err := p.Auth().SignUp(ctx, "a@x.com", "long-enough", ""); err != nil {
		t.Errorf("SignUp at the minimum failed: %v", err)
	}
}
