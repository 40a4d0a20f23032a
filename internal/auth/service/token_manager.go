package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/openkoi/koi/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultIssuer          = "koi"
)

// Identity is the verified principal carried by an access token.
type Identity struct {
	UserID int64
	Role   string
}

// TokenVerifier is the read side of TokenManager, used by middleware and
// the websocket gateway.
type TokenVerifier interface {
	VerifyAccessToken(raw string) (Identity, error)
}

// TokenManager issues signed access tokens and opaque refresh tokens.
type TokenManager struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

type accessClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func NewTokenManager(secret []byte, issuer string, accessTTL time.Duration) *TokenManager {
	if issuer == "" {
		issuer = defaultIssuer
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTokenTTL
	}
	return &TokenManager{
		secret:    secret,
		issuer:    issuer,
		accessTTL: accessTTL,
	}
}

// IssueAccessToken signs a short-lived HS256 token for the given user.
func (m *TokenManager) IssueAccessToken(userID int64, role string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, pkgerrors.New(pkgerrors.TokenGenerationFailed)
	}
	now := time.Now()
	expiresAt := now.Add(m.accessTTL)
	claims := accessClaims{
		Role:      role,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(fmt.Errorf("sign token failed: %w", err), pkgerrors.TokenGenerationFailed)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken validates signature, issuer, token type and subject.
func (m *TokenManager) VerifyAccessToken(raw string) (Identity, error) {
	if raw == "" || len(m.secret) == 0 {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &accessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Issuer != m.issuer {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return Identity{UserID: userID, Role: claims.Role}, nil
}

// NewRefreshToken mints an opaque random token. The raw value goes to the
// client; only its hash is persisted.
func NewRefreshToken() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", pkgerrors.Wrap(fmt.Errorf("generate refresh token failed: %w", err), pkgerrors.TokenGenerationFailed)
	}
	return hex.EncodeToString(randomBytes), nil
}

// HashToken derives the storable fingerprint of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
