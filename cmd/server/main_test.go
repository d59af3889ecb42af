package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/gonotify/internal/auth"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := runCmd(t, "", "token", "--user-id", "u42", "--role", "admin", "--email", "ops@example.com", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims, err := auth.NewAuthenticator("cli-secret").Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("printed token does not verify: %v", err)
	}
	if claims.UserID != "u42" || claims.Role != "admin" || claims.Email != "ops@example.com" {
		t.Errorf("claims = %+v", claims.Identity)
	}
}

func TestTokenCommandRequiresUserID(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	if _, err := runCmd(t, "", "token", "--role", "admin"); err == nil {
		t.Error("token without --user-id succeeded")
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := runCmd(t, "", "token", "--user-id", "u1"); err == nil {
		t.Error("token without a secret succeeded")
	}
}

func TestHashPasswordCommand(t *testing.T) {
	out, err := runCmd(t, "hunter2\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Errorf("printed hash does not match: %v", err)
	}

	if _, err := runCmd(t, "", "hash-password"); err == nil {
		t.Error("hash-password with empty stdin succeeded")
	}
}
