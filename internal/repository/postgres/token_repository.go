package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenRepository reads issued login tokens. Tokens are written by the
// external authentication service.
type TokenRepository struct {
	pool *pgxpool.Pool
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// FindUserIDByToken resolves an unexpired token to its user.
func (r *TokenRepository) FindUserIDByToken(ctx context.Context, tokenID uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT user_id FROM user_tokens
		WHERE id = $1 AND expires_at > NOW()
	`

	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, query, tokenID).Scan(&userID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, err
	}

	return userID, nil
}
