package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mesaflow/mesaflow-backend/pkg/config"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:            "test-secret",
		Issuer:            "mesaflow-test",
		ExpirationMinutes: 15,
	}
}

func TestMintAndParseRoundTrip(t *testing.T) {
	cfg := testJWTConfig()
	payload := AccessTokenPayload{
		UserID:  uuid.New(),
		OwnerID: uuid.New(),
		Role:    RoleOwner,
	}

	token, err := MintAccessToken(cfg, time.Now(), payload)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != payload.UserID || claims.OwnerID != payload.OwnerID {
		t.Fatalf("claims %+v", claims)
	}
	if claims.Role != RoleOwner {
		t.Fatalf("role %q", claims.Role)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("issuer %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("jti should be generated")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{
		UserID: uuid.New(),
		Role:   RoleAdmin,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	other := cfg
	other.Secret = "different-secret"
	if _, err := ParseAccessToken(other, token); err == nil {
		t.Fatal("wrong secret should be rejected")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintAccessToken(cfg, time.Now().Add(-time.Hour), AccessTokenPayload{
		UserID: uuid.New(),
		Role:   RoleOwner,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expired token should be rejected")
	}
}

func TestMintValidatesPayload(t *testing.T) {
	cfg := testJWTConfig()
	if _, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: "support"}); err == nil {
		t.Fatal("unknown role should be rejected")
	}
	if _, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{Role: RoleOwner}); err == nil {
		t.Fatal("missing user id should be rejected")
	}
}
