package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerlink/signalhub/internal/models"
	"github.com/peerlink/signalhub/internal/redis"
	"github.com/peerlink/signalhub/internal/repository/postgres"
)

var (
	// ErrTokenNotFound means the token is unknown or expired.
	ErrTokenNotFound = errors.New("auth: token not found")
	// ErrUserNotFound means the token resolved to a user that no longer exists.
	ErrUserNotFound = errors.New("auth: user not found")
)

func tokenCacheKey(tokenID uuid.UUID) string {
	return "login_token:" + tokenID.String()
}

// TokenStore resolves a token row to its user.
type TokenStore interface {
	FindUserIDByToken(ctx context.Context, tokenID uuid.UUID) (uuid.UUID, error)
}

// UserStore resolves user rows.
type UserStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TokenAuthority resolves opaque login tokens to user identities: a
// transactional store fronted by a short-lived Redis cache.
type TokenAuthority struct {
	tokens   TokenStore
	users    UserStore
	rdb      *redis.Client
	cacheTTL time.Duration
}

// NewTokenAuthority creates the authority. rdb may be used read-through;
// cache failures fall back to the store.
func NewTokenAuthority(tokens TokenStore, users UserStore, rdb *redis.Client, cacheTTL time.Duration) *TokenAuthority {
	return &TokenAuthority{
		tokens:   tokens,
		users:    users,
		rdb:      rdb,
		cacheTTL: cacheTTL,
	}
}

// ResolveToken maps a token identifier to the owning user.
func (a *TokenAuthority) ResolveToken(ctx context.Context, tokenID uuid.UUID) (uuid.UUID, error) {
	key := tokenCacheKey(tokenID)

	if cached, err := a.rdb.Get(ctx, key).Result(); err == nil {
		if userID, err := uuid.Parse(cached); err == nil {
			return userID, nil
		}
	}

	userID, err := a.tokens.FindUserIDByToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return uuid.Nil, ErrTokenNotFound
		}
		return uuid.Nil, fmt.Errorf("auth: resolve token: %w", err)
	}

	if err := a.rdb.SetEx(ctx, key, userID.String(), a.cacheTTL).Err(); err != nil {
		slog.Warn("auth: failed to cache token", "error", err)
	}

	return userID, nil
}

// ResolveUserEmail returns the authoritative email for a user.
func (a *TokenAuthority) ResolveUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := a.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("auth: resolve user email: %w", err)
	}
	return user.Email, nil
}
