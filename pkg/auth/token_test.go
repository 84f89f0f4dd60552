package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/google/uuid"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:            "secret",
		Issuer:            "keymarket",
		ExpirationMinutes: 30,
		CartTokenTTLHours: 24,
	}
}

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := testJWTConfig()
	now := time.Now().UTC()
	userID := uuid.New()

	token, err := MintAccessToken(cfg, now, AccessTokenPayload{UserID: userID, Role: enums.RoleAdmin, Email: "ops@example.com"})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user_id %s, got %s", userID, claims.UserID)
	}
	if claims.Role != enums.RoleAdmin {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected generated jti")
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != 30*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
}

func TestMintAccessTokenRejectsInvalidPayload(t *testing.T) {
	cfg := testJWTConfig()
	if _, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: "owner"}); err == nil {
		t.Fatal("expected invalid role error")
	}
	if _, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{Role: enums.RoleCustomer}); err == nil {
		t.Fatal("expected missing user id error")
	}
	cfg.Secret = ""
	if _, err := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleCustomer}); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestParseAccessTokenRejectsExpiredAndForeign(t *testing.T) {
	cfg := testJWTConfig()
	token, err := MintAccessToken(cfg, time.Now().Add(-2*time.Hour), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleCustomer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expected expired token to fail")
	}

	fresh, _ := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleCustomer})
	other := cfg
	other.Secret = "another"
	if _, err := ParseAccessToken(other, fresh); err == nil {
		t.Fatal("expected signature mismatch")
	}
	other = cfg
	other.Issuer = "someone-else"
	if _, err := ParseAccessToken(other, fresh); err == nil || !strings.Contains(err.Error(), "issuer") {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestCartTokenRoundTrip(t *testing.T) {
	cfg := testJWTConfig()
	sessionID := uuid.New()

	token, err := MintCartToken(cfg, time.Now().UTC(), sessionID)
	if err != nil {
		t.Fatalf("mint cart token: %v", err)
	}
	claims, err := ParseCartToken(cfg, token)
	if err != nil {
		t.Fatalf("parse cart token: %v", err)
	}
	if claims.SessionID != sessionID {
		t.Fatalf("expected session %s, got %s", sessionID, claims.SessionID)
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != 24*time.Hour {
		t.Fatalf("unexpected cart token ttl %v", got)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	cfg := testJWTConfig()
	cartToken, _ := MintCartToken(cfg, time.Now(), uuid.New())
	if _, err := ParseAccessToken(cfg, cartToken); err == nil {
		t.Fatal("cart token must not authenticate as a user")
	}
	access, _ := MintAccessToken(cfg, time.Now(), AccessTokenPayload{UserID: uuid.New(), Role: enums.RoleCustomer})
	if _, err := ParseCartToken(cfg, access); err == nil {
		t.Fatal("access token must not be accepted as a cart token")
	}
}
