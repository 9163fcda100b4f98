package auth

import (
	"testing"
	"time"

	"github.com/erazemk/pgtag/internal/model"
)

func TestGenerateAndValidateToken(t *testing.T) {
	secret := "test-secret-key"

	token, err := GenerateToken(secret, 1, "meera", model.RoleManager, 7)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ValidateToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	if claims.UserID != 1 {
		t.Errorf("expected user id 1, got %d", claims.UserID)
	}
	if claims.Role != model.RoleManager {
		t.Errorf("expected role 'manager', got %q", claims.Role)
	}
	if claims.PropertyID != 7 {
		t.Errorf("expected property 7, got %d", claims.PropertyID)
	}
	if claims.ID == "" {
		t.Error("expected a JTI")
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, _ := GenerateToken("secret1", 1, "admin", model.RoleAdmin, 0)

	if _, err := ValidateToken("secret2", token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestValidateTokenInvalid(t *testing.T) {
	if _, err := ValidateToken("secret", "not-a-token"); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestPeekClaimsSkipsSignature(t *testing.T) {
	token, _ := GenerateToken("server-only-secret", 3, "ravi", model.RoleResident, 9)

	claims, err := PeekClaims(token)
	if err != nil {
		t.Fatalf("PeekClaims: %v", err)
	}
	if claims.Role != model.RoleResident || claims.PropertyID != 9 {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := PeekClaims("garbage"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestTokenExpiry(t *testing.T) {
	secret := "test"
	token, _ := GenerateToken(secret, 1, "test", model.RoleStaff, 1)
	claims, _ := ValidateToken(secret, token)

	diff := time.Now().Add(TokenExpiry).Sub(claims.ExpiresAt.Time)
	if diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("token expiry too far from expected: diff=%v", diff)
	}
}
