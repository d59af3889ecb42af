package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer(testSecret)
	token, err := issuer.Issue(Identity{UserID: "u1", Email: "u1@example.com", Username: "u1", Role: "buyer"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := NewAuthenticator(testSecret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "u1" || claims.Role != "buyer" || claims.Email != "u1@example.com" || claims.Username != "u1" {
		t.Errorf("unexpected claims: %+v", claims.Identity)
	}
	if claims.Subject != "u1" {
		t.Errorf("Subject = %q, want u1", claims.Subject)
	}
}

func TestVerifyRejects(t *testing.T) {
	good := NewIssuer(testSecret)
	other := NewIssuer("other-secret")

	expired := NewIssuer(testSecret)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	wrongSecret, _ := other.Issue(Identity{UserID: "u1"}, time.Hour)
	expiredToken, _ := expired.Issue(Identity{UserID: "u1"}, time.Hour)
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"userId": "u1",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	valid, _ := good.Issue(Identity{UserID: "u1"}, time.Hour)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", wrongSecret},
		{"expired", expiredToken},
		{"missing user", noUser},
		{"unexpected algorithm", hs512},
		{"tampered", valid + "x"},
	}

	a := NewAuthenticator(testSecret)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Verify(tc.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyConcurrent(t *testing.T) {
	a := NewAuthenticator(testSecret)
	token, _ := NewIssuer(testSecret).Issue(Identity{UserID: "u1", Role: "seller"}, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Verify(token); err != nil {
				t.Errorf("Verify() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestIssueRequiresUser(t *testing.T) {
	if _, err := NewIssuer(testSecret).Issue(Identity{}, time.Hour); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestRequireRole(t *testing.T) {
	admin := &Claims{Identity: Identity{UserID: "a", Role: RoleAdmin}}
	buyer := &Claims{Identity: Identity{UserID: "b", Role: "buyer"}}

	if err := RequireRole(admin, RoleAdmin); err != nil {
		t.Errorf("admin rejected: %v", err)
	}
	if err := RequireRole(buyer, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("buyer: got %v, want ErrForbidden", err)
	}
	if err := RequireRole(nil, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("nil claims: got %v, want ErrForbidden", err)
	}
	if !buyer.HasRole("seller", "buyer") {
		t.Error("HasRole should match any listed role")
	}
}
