package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/karatsubalabs/gitbounties/internal/store"
)

// Unique constraints the store maps to domain errors.
const (
	constraintOneOpenPerIssue = "bounties_one_open_per_issue"
	constraintActiveToken     = "bounties_active_token"
	constraintUsersPkey       = "users_pkey"
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key")
}

// mapUniqueViolation translates a unique violation into the matching store error.
func mapUniqueViolation(err error) error {
	if !isUniqueViolation(err) {
		return err
	}

	constraint := ""
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		constraint = pgErr.ConstraintName
	} else {
		msg := err.Error()
		for _, name := range []string{constraintOneOpenPerIssue, constraintActiveToken, constraintUsersPkey} {
			if strings.Contains(msg, name) {
				constraint = name
				break
			}
		}
	}

	switch constraint {
	case constraintOneOpenPerIssue:
		return store.ErrDuplicateOpenBounty
	case constraintActiveToken:
		return store.ErrTokenInUse
	case constraintUsersPkey:
		return store.ErrUserExists
	default:
		return err
	}
}
