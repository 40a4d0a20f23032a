package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openkoi/koi/internal/common/db"
)

// RefreshToken is one opaque refresh credential. Only the SHA-256 hash of
// the raw token is ever stored.
type RefreshToken struct {
	ID         int64
	UserID     int64
	TokenHash  string
	DeviceInfo *string
	IPAddress  *string
	ExpiresAt  time.Time
	Revoked    bool
	CreatedAt  time.Time
}

type TokenRepository interface {
	Create(ctx context.Context, tx db.Transaction, token *RefreshToken) error
	GetByHash(ctx context.Context, tx db.Transaction, tokenHash string) (*RefreshToken, error)
	RevokeByHash(ctx context.Context, tx db.Transaction, tokenHash string) error
	RevokeByUser(ctx context.Context, tx db.Transaction, userID int64) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type MySQLTokenRepository struct {
	db db.Database
}

func NewTokenRepository(database db.Database) TokenRepository {
	return &MySQLTokenRepository{db: database}
}

const tokenColumns = "id, user_id, token_hash, device_info, ip_address, expires_at, revoked, created_at"

func (r *MySQLTokenRepository) Create(ctx context.Context, tx db.Transaction, token *RefreshToken) error {
	if token == nil {
		return errors.New("token is nil")
	}

	deviceInfo := sql.NullString{}
	if token.DeviceInfo != nil {
		deviceInfo = sql.NullString{String: *token.DeviceInfo, Valid: true}
	}
	ipAddress := sql.NullString{}
	if token.IPAddress != nil {
		ipAddress = sql.NullString{String: *token.IPAddress, Valid: true}
	}

	query := "INSERT INTO refresh_tokens (user_id, token_hash, device_info, ip_address, expires_at, revoked) VALUES (?, ?, ?, ?, ?, ?)"
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		token.UserID,
		token.TokenHash,
		deviceInfo,
		ipAddress,
		token.ExpiresAt,
		token.Revoked,
	)
	return err
}

func (r *MySQLTokenRepository) GetByHash(ctx context.Context, tx db.Transaction, tokenHash string) (*RefreshToken, error) {
	query := "SELECT " + tokenColumns + " FROM refresh_tokens WHERE token_hash = ?"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, tokenHash)
	token, err := scanToken(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

func (r *MySQLTokenRepository) RevokeByHash(ctx context.Context, tx db.Transaction, tokenHash string) error {
	query := "UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = ?"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, tokenHash)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (r *MySQLTokenRepository) RevokeByUser(ctx context.Context, tx db.Transaction, userID int64) error {
	query := "UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = ? AND revoked = FALSE"
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, userID)
	return err
}

func (r *MySQLTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := "DELETE FROM refresh_tokens WHERE expires_at < ?"
	result, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanToken(scanner db.Scanner) (*RefreshToken, error) {
	var token RefreshToken
	var deviceInfo sql.NullString
	var ipAddress sql.NullString

	err := scanner.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&deviceInfo,
		&ipAddress,
		&token.ExpiresAt,
		&token.Revoked,
		&token.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if deviceInfo.Valid {
		token.DeviceInfo = &deviceInfo.String
	}
	if ipAddress.Valid {
		token.IPAddress = &ipAddress.String
	}

	return &token, nil
}
