package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openkoi/koi/internal/auth/repository"
	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/common/db"
	pkgerrors "github.com/openkoi/koi/pkg/errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultLoginFailTTL   = 15 * time.Minute
	defaultLoginFailLimit = 5
)

// AuthServiceConfig holds configuration for AuthService.
type AuthServiceConfig struct {
	RefreshTokenTTL time.Duration
	LoginFailTTL    time.Duration
	LoginFailLimit  int64
}

// AuthService handles user authentication flows.
type AuthService struct {
	database       db.Database
	users          repository.UserRepository
	tokens         repository.TokenRepository
	manager        *TokenManager
	loginFailCache cache.BasicOps
	config         AuthServiceConfig
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	database db.Database,
	users repository.UserRepository,
	tokens repository.TokenRepository,
	manager *TokenManager,
	loginFailCache cache.BasicOps,
	cfg AuthServiceConfig,
) *AuthService {
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if cfg.LoginFailTTL == 0 {
		cfg.LoginFailTTL = defaultLoginFailTTL
	}
	if cfg.LoginFailLimit == 0 {
		cfg.LoginFailLimit = defaultLoginFailLimit
	}

	return &AuthService{
		database:       database,
		users:          users,
		tokens:         tokens,
		manager:        manager,
		loginFailCache: loginFailCache,
		config:         cfg,
	}
}

// RegisterInput represents input for user registration.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput represents input for user login.
type LoginInput struct {
	Username   string
	Password   string
	IP         string
	DeviceInfo string
}

// RefreshInput represents input for token refresh.
type RefreshInput struct {
	RefreshToken string
}

// LogoutInput represents input for logout.
type LogoutInput struct {
	RefreshToken string
}

// UserInfo represents basic user info for auth responses.
type UserInfo struct {
	ID       int64
	Username string
	Role     repository.UserRole
}

// AuthResult represents the result of auth operations.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	User             UserInfo
}

// Register creates a new user and issues tokens.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (AuthResult, error) {
	if err := validateUsername(input.Username); err != nil {
		return AuthResult{}, err
	}
	if err := validatePassword(input.Password); err != nil {
		return AuthResult{}, err
	}
	if err := validateEmail(input.Email); err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResult{}, pkgerrors.Wrap(fmt.Errorf("hash password failed: %w", err), pkgerrors.InternalServerError)
	}

	email := input.Email
	if email == "" {
		email = placeholderEmail(input.Username)
	}

	user := &repository.User{
		Username:     input.Username,
		Email:        email,
		PasswordHash: string(passwordHash),
		Role:         repository.UserRoleUser,
		Status:       repository.UserStatusActive,
	}

	var result AuthResult
	err = s.withTransaction(ctx, func(tx db.Transaction) error {
		userID, createErr := s.users.Create(ctx, tx, user)
		if createErr != nil {
			return mapUserCreateError(createErr)
		}
		user.ID = userID

		resultData, tokenErr := s.issueTokens(ctx, tx, user, "", "")
		if tokenErr != nil {
			return tokenErr
		}
		result = resultData
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

// Login verifies credentials and issues tokens.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	if err := validateUsername(input.Username); err != nil {
		return AuthResult{}, pkgerrors.New(pkgerrors.InvalidCredentials)
	}
	if input.Password == "" {
		return AuthResult{}, pkgerrors.New(pkgerrors.InvalidCredentials)
	}

	if err := s.checkLoginLimit(ctx, input.Username, input.IP); err != nil {
		return AuthResult{}, err
	}

	user, err := s.users.GetByUsername(ctx, nil, input.Username)
	if err != nil {
		if stderrors.Is(err, repository.ErrUserNotFound) {
			s.recordLoginFailure(ctx, input.Username, input.IP)
			return AuthResult{}, pkgerrors.New(pkgerrors.InvalidCredentials)
		}
		return AuthResult{}, pkgerrors.Wrap(fmt.Errorf("get user failed: %w", err), pkgerrors.DatabaseError)
	}

	if user.Status == repository.UserStatusDisabled {
		return AuthResult{}, pkgerrors.New(pkgerrors.AccountDisabled)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		s.recordLoginFailure(ctx, input.Username, input.IP)
		return AuthResult{}, pkgerrors.New(pkgerrors.InvalidCredentials)
	}

	s.clearLoginFailure(ctx, input.Username, input.IP)

	var result AuthResult
	err = s.withTransaction(ctx, func(tx db.Transaction) error {
		tokenResult, tokenErr := s.issueTokens(ctx, tx, user, input.DeviceInfo, input.IP)
		if tokenErr != nil {
			return tokenErr
		}
		result = tokenResult
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}

	return result, nil
}

// Refresh rotates a refresh token and issues a new token pair.
func (s *AuthService) Refresh(ctx context.Context, input RefreshInput) (AuthResult, error) {
	if input.RefreshToken == "" {
		return AuthResult{}, pkgerrors.New(pkgerrors.RefreshTokenInvalid)
	}
	hash := HashToken(input.RefreshToken)

	tokenRecord, err := s.tokens.GetByHash(ctx, nil, hash)
	if err != nil {
		if stderrors.Is(err, repository.ErrTokenNotFound) {
			return AuthResult{}, pkgerrors.New(pkgerrors.RefreshTokenInvalid)
		}
		return AuthResult{}, pkgerrors.Wrap(fmt.Errorf("get token failed: %w", err), pkgerrors.DatabaseError)
	}

	if tokenRecord.Revoked {
		return AuthResult{}, pkgerrors.New(pkgerrors.RefreshTokenInvalid)
	}
	if time.Now().After(tokenRecord.ExpiresAt) {
		return AuthResult{}, pkgerrors.New(pkgerrors.TokenExpired)
	}

	var result AuthResult
	err = s.withTransaction(ctx, func(tx db.Transaction) error {
		if err := s.tokens.RevokeByHash(ctx, tx, hash); err != nil {
			if stderrors.Is(err, repository.ErrTokenNotFound) {
				return pkgerrors.New(pkgerrors.RefreshTokenInvalid)
			}
			return pkgerrors.Wrap(fmt.Errorf("revoke refresh token failed: %w", err), pkgerrors.DatabaseError)
		}

		user, err := s.users.GetByID(ctx, tx, tokenRecord.UserID)
		if err != nil {
			if stderrors.Is(err, repository.ErrUserNotFound) {
				return pkgerrors.New(pkgerrors.UserNotFound)
			}
			return pkgerrors.Wrap(fmt.Errorf("get user failed: %w", err), pkgerrors.DatabaseError)
		}

		if user.Status == repository.UserStatusDisabled {
			return pkgerrors.New(pkgerrors.AccountDisabled)
		}

		var deviceInfo, ip string
		if tokenRecord.DeviceInfo != nil {
			deviceInfo = *tokenRecord.DeviceInfo
		}
		if tokenRecord.IPAddress != nil {
			ip = *tokenRecord.IPAddress
		}

		tokenResult, tokenErr := s.issueTokens(ctx, tx, user, deviceInfo, ip)
		if tokenErr != nil {
			return tokenErr
		}
		result = tokenResult
		return nil
	})
	return result, err
}

// Logout revokes a refresh token.
func (s *AuthService) Logout(ctx context.Context, input LogoutInput) error {
	if input.RefreshToken == "" {
		return pkgerrors.New(pkgerrors.RefreshTokenInvalid)
	}
	hash := HashToken(input.RefreshToken)

	tokenRecord, err := s.tokens.GetByHash(ctx, nil, hash)
	if err != nil {
		if stderrors.Is(err, repository.ErrTokenNotFound) {
			return pkgerrors.New(pkgerrors.RefreshTokenInvalid)
		}
		return pkgerrors.Wrap(fmt.Errorf("get token failed: %w", err), pkgerrors.DatabaseError)
	}
	if tokenRecord.Revoked {
		return nil
	}

	if err := s.tokens.RevokeByHash(ctx, nil, hash); err != nil {
		return pkgerrors.Wrap(fmt.Errorf("revoke refresh token failed: %w", err), pkgerrors.DatabaseError)
	}

	return nil
}

func (s *AuthService) withTransaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if s.database == nil {
		return fn(nil)
	}
	if err := s.database.Transaction(ctx, fn); err != nil {
		if _, ok := err.(*pkgerrors.Error); ok {
			return err
		}
		return pkgerrors.Wrap(fmt.Errorf("transaction failed: %w", err), pkgerrors.TransactionFailed)
	}
	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, tx db.Transaction, user *repository.User, deviceInfo, ip string) (AuthResult, error) {
	accessToken, accessExp, err := s.manager.IssueAccessToken(user.ID, string(user.Role))
	if err != nil {
		return AuthResult{}, err
	}

	refreshToken, err := NewRefreshToken()
	if err != nil {
		return AuthResult{}, err
	}
	refreshExp := time.Now().Add(s.config.RefreshTokenTTL)

	record := &repository.RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken(refreshToken),
		ExpiresAt: refreshExp,
		Revoked:   false,
	}
	if deviceInfo != "" {
		record.DeviceInfo = &deviceInfo
	}
	if ip != "" {
		record.IPAddress = &ip
	}

	if err := s.tokens.Create(ctx, tx, record); err != nil {
		return AuthResult{}, pkgerrors.Wrap(fmt.Errorf("create refresh token record failed: %w", err), pkgerrors.DatabaseError)
	}

	return AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		User: UserInfo{
			ID:       user.ID,
			Username: user.Username,
			Role:     user.Role,
		},
	}, nil
}

func (s *AuthService) checkLoginLimit(ctx context.Context, username, ip string) error {
	if s.loginFailCache == nil {
		return nil
	}
	raw, err := s.loginFailCache.Get(ctx, loginFailKey(username, ip))
	if err != nil || raw == "" {
		return nil
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	if count >= s.config.LoginFailLimit {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage("too many failed login attempts")
	}
	return nil
}

func (s *AuthService) recordLoginFailure(ctx context.Context, username, ip string) {
	if s.loginFailCache == nil {
		return
	}
	key := loginFailKey(username, ip)
	count, err := s.loginFailCache.Incr(ctx, key)
	if err != nil {
		return
	}
	if count == 1 {
		_ = s.loginFailCache.Expire(ctx, key, s.config.LoginFailTTL)
	}
}

func (s *AuthService) clearLoginFailure(ctx context.Context, username, ip string) {
	if s.loginFailCache == nil {
		return
	}
	_ = s.loginFailCache.Del(ctx, loginFailKey(username, ip))
}

func loginFailKey(username, ip string) string {
	return fmt.Sprintf("auth:loginfail:%s:%s", username, ip)
}

func mapUserCreateError(err error) error {
	if stderrors.Is(err, repository.ErrUsernameExists) {
		return pkgerrors.New(pkgerrors.UsernameAlreadyExists)
	}
	if stderrors.Is(err, repository.ErrEmailExists) {
		return pkgerrors.New(pkgerrors.EmailAlreadyExists)
	}
	if stderrors.Is(err, repository.ErrDuplicate) {
		return pkgerrors.New(pkgerrors.UsernameAlreadyExists)
	}
	return pkgerrors.Wrap(fmt.Errorf("create user failed: %w", err), pkgerrors.DatabaseError)
}

func placeholderEmail(username string) string {
	return fmt.Sprintf("%s@local", username)
}
