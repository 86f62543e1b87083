package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// UserStore implements store.UserStore using PostgreSQL.
type UserStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *UserStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func installationsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// Get retrieves a user by GitHub username.
func (s *UserStore) Get(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT username, wallet_address, github_installations, created_at, updated_at
		FROM users WHERE username = $1
	`

	var user models.User
	var installations pq.Int64Array
	err := s.conn().QueryRowContext(ctx, query, username).Scan(
		&user.Username, &user.WalletAddress, &installations, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	user.Installations = []int64(installations)
	return &user, nil
}

// Create registers a new user.
func (s *UserStore) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO users (username, wallet_address, github_installations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`
	_, err := s.conn().ExecContext(ctx, query,
		user.Username, user.WalletAddress, pq.Array(installationsOrEmpty(user.Installations)), now,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// Upsert creates the user or refreshes its installations.
func (s *UserStore) Upsert(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO users (username, wallet_address, github_installations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (username) DO UPDATE SET
			wallet_address = COALESCE(NULLIF(EXCLUDED.wallet_address, ''), users.wallet_address),
			github_installations = EXCLUDED.github_installations,
			updated_at = EXCLUDED.updated_at
		RETURNING wallet_address, created_at, updated_at
	`
	err := s.conn().QueryRowContext(ctx, query,
		user.Username, user.WalletAddress, pq.Array(installationsOrEmpty(user.Installations)), now,
	).Scan(&user.WalletAddress, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// UpdateWallet replaces the payout address.
func (s *UserStore) UpdateWallet(ctx context.Context, username, walletAddress string) error {
	query := `UPDATE users SET wallet_address = $2, updated_at = $3 WHERE username = $1`
	return s.update(ctx, query, username, walletAddress, time.Now().UTC())
}

// UpdateInstallations replaces the installation set.
func (s *UserStore) UpdateInstallations(ctx context.Context, username string, installations []int64) error {
	query := `UPDATE users SET github_installations = $2, updated_at = $3 WHERE username = $1`
	return s.update(ctx, query, username, pq.Array(installationsOrEmpty(installations)), time.Now().UTC())
}

func (s *UserStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.conn().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
