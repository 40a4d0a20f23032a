package service

import (
	"testing"
	"time"

	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

func TestTokenManagerRoundTrip(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), "koi", time.Minute)

	token, expiresAt, err := manager.IssueAccessToken(42, "user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("token should expire in the future")
	}

	identity, err := manager.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if identity.UserID != 42 {
		t.Fatalf("unexpected user id: %d", identity.UserID)
	}
	if identity.Role != "user" {
		t.Fatalf("unexpected role: %s", identity.Role)
	}
}

func TestTokenManagerRejections(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), "koi", time.Minute)
	otherSecret := NewTokenManager([]byte("other"), "koi", time.Minute)
	otherIssuer := NewTokenManager([]byte("secret"), "someone-else", time.Minute)
	expired := NewTokenManager([]byte("secret"), "koi", -time.Minute)

	goodToken, _, err := manager.IssueAccessToken(7, "user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	foreignToken, _, err := otherSecret.IssueAccessToken(7, "user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	wrongIssuerToken, _, err := otherIssuer.IssueAccessToken(7, "user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	expiredToken, _, err := expired.IssueAccessToken(7, "user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		errCode pkgerrors.ErrorCode
	}{
		{name: "empty token", token: "", errCode: pkgerrors.TokenInvalid},
		{name: "garbage token", token: "not.a.jwt", errCode: pkgerrors.TokenInvalid},
		{name: "wrong secret", token: foreignToken, errCode: pkgerrors.TokenInvalid},
		{name: "wrong issuer", token: wrongIssuerToken, errCode: pkgerrors.TokenInvalid},
		{name: "expired", token: expiredToken, errCode: pkgerrors.TokenExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := manager.VerifyAccessToken(tc.token); err == nil || !pkgerrors.Is(err, tc.errCode) {
				t.Fatalf("expected %v, got %v", tc.errCode, err)
			}
		})
	}

	if _, err := manager.VerifyAccessToken(goodToken); err != nil {
		t.Fatalf("good token should verify, got %v", err)
	}
}

func TestRefreshTokenHelpers(t *testing.T) {
	first, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	second, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if first == second {
		t.Fatalf("refresh tokens should be unique")
	}
	if len(first) != 64 {
		t.Fatalf("unexpected token length: %d", len(first))
	}

	if HashToken(first) != HashToken(first) {
		t.Fatalf("hash should be deterministic")
	}
	if HashToken(first) == HashToken(second) {
		t.Fatalf("hashes of distinct tokens should differ")
	}
}
