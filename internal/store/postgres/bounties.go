package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// BountyStore implements store.BountyStore using PostgreSQL.
type BountyStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *BountyStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const bountyColumns = `
	id, issue_owner, issue_repo, issue_number, owner_username, reward_amount, token_id,
	status, title, description, labels, closer_login, recipient_address, transfer_tx,
	burn_tx, settlement_error, burn_attempts, settled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBounty(row rowScanner) (*models.Bounty, error) {
	var b models.Bounty
	var tokenID int64
	var status string
	var settledAt sql.NullTime
	var labels []string

	err := row.Scan(
		&b.ID, &b.Issue.Owner, &b.Issue.Repo, &b.Issue.Number, &b.OwnerUsername,
		&b.RewardAmount, &tokenID, &status, &b.Title, &b.Description, pq.Array(&labels),
		&b.Settlement.CloserLogin, &b.Settlement.RecipientAddress, &b.Settlement.TransferTx,
		&b.Settlement.BurnTx, &b.Settlement.Error, &b.Settlement.BurnAttempts, &settledAt,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.TokenID = uint64(tokenID)
	b.Status = models.BountyStatus(status)
	b.Labels = labels
	if settledAt.Valid {
		t := settledAt.Time
		b.Settlement.SettledAt = &t
	}
	return &b, nil
}

// Create inserts a new open bounty.
func (s *BountyStore) Create(ctx context.Context, bounty *models.Bounty) error {
	if bounty.ID == "" {
		bounty.ID = uuid.New().String()
	}
	if bounty.TokenID > 1<<63-1 {
		return fmt.Errorf("token id %d out of range", bounty.TokenID)
	}
	now := time.Now().UTC()
	bounty.Status = models.BountyStatusOpen
	bounty.CreatedAt = now
	bounty.UpdatedAt = now

	query := `
		INSERT INTO bounties (id, issue_owner, issue_repo, issue_number, owner_username,
			reward_amount, token_id, status, title, description, labels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	labels := bounty.Labels
	if labels == nil {
		labels = []string{}
	}

	_, err := s.conn().ExecContext(ctx, query,
		bounty.ID, bounty.Issue.Owner, bounty.Issue.Repo, bounty.Issue.Number, bounty.OwnerUsername,
		bounty.RewardAmount, int64(bounty.TokenID), string(bounty.Status), bounty.Title,
		bounty.Description, pq.Array(labels), now, now,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("inserting bounty: %w", err)
	}
	return nil
}

// Get retrieves a bounty by ID.
func (s *BountyStore) Get(ctx context.Context, id string) (*models.Bounty, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE id = $1`
	b, err := scanBounty(s.conn().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bounty: %w", err)
	}
	return b, nil
}

// GetOpenByIssue returns the open bounty for an issue, or nil.
func (s *BountyStore) GetOpenByIssue(ctx context.Context, issue models.Issue) (*models.Bounty, error) {
	query := `SELECT ` + bountyColumns + `
		FROM bounties
		WHERE issue_owner = $1 AND issue_repo = $2 AND issue_number = $3 AND status = 'open'`

	b, err := scanBounty(s.conn().QueryRowContext(ctx, query, issue.Owner, issue.Repo, issue.Number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying open bounty: %w", err)
	}
	return b, nil
}

// List returns bounties matching the filter, newest first.
func (s *BountyStore) List(ctx context.Context, filter store.BountyFilter) ([]*models.Bounty, error) {
	var where []string
	var args []any

	if filter.OwnerUsername != "" {
		args = append(args, filter.OwnerUsername)
		where = append(where, fmt.Sprintf("owner_username = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + bountyColumns + ` FROM bounties`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing bounties: %w", err)
	}
	defer rows.Close()

	bounties := make([]*models.Bounty, 0)
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bounty: %w", err)
		}
		bounties = append(bounties, b)
	}
	return bounties, rows.Err()
}

// TryBeginSettlement claims an open bounty with a conditional update.
func (s *BountyStore) TryBeginSettlement(ctx context.Context, id, closerLogin, recipient string) (bool, error) {
	query := `
		UPDATE bounties
		SET status = 'settling', closer_login = $2, recipient_address = $3, updated_at = $4
		WHERE id = $1 AND status = 'open'
	`
	return s.compareAndSwap(ctx, id, query, id, closerLogin, recipient, time.Now().UTC())
}

// RecordTransfer moves a settling bounty to burning, keeping the burn claim
// with the caller.
func (s *BountyStore) RecordTransfer(ctx context.Context, id, transferTx string) error {
	query := `
		UPDATE bounties
		SET status = 'burning', transfer_tx = $2, updated_at = $3
		WHERE id = $1 AND status = 'settling'
	`
	return s.transition(ctx, id, query, id, transferTx, time.Now().UTC())
}

// FinalizeSettlement applies a settlement outcome.
func (s *BountyStore) FinalizeSettlement(ctx context.Context, id string, outcome models.SettlementOutcome) error {
	from := store.FinalizeFrom(outcome)
	if len(from) == 0 {
		return store.ErrInvalidTransition
	}
	fromStatuses := make([]string, len(from))
	for i, st := range from {
		fromStatuses[i] = string(st)
	}

	errText := ""
	if outcome.Err != nil {
		errText = outcome.Err.Error()
	}
	now := time.Now().UTC()
	var settledAt sql.NullTime
	if outcome.Status == models.BountyStatusCompleted {
		settledAt = sql.NullTime{Time: now, Valid: true}
	}

	query := `
		UPDATE bounties
		SET status = $2,
			transfer_tx = COALESCE(NULLIF($3, ''), transfer_tx),
			burn_tx = COALESCE(NULLIF($4, ''), burn_tx),
			settlement_error = $5,
			settled_at = COALESCE($6, settled_at),
			updated_at = $7
		WHERE id = $1 AND status = ANY($8)
	`
	return s.transition(ctx, id, query,
		id, string(outcome.Status), outcome.TransferTx, outcome.BurnTx, errText, settledAt, now, pq.Array(fromStatuses),
	)
}

// TryBeginBurn claims a transferred bounty for a burn retry.
func (s *BountyStore) TryBeginBurn(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE bounties
		SET status = 'burning', burn_attempts = burn_attempts + 1, updated_at = $2
		WHERE id = $1 AND status = 'transferred'
	`
	return s.compareAndSwap(ctx, id, query, id, time.Now().UTC())
}

// ReleaseBurn returns a burning bounty to transferred.
func (s *BountyStore) ReleaseBurn(ctx context.Context, id string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	query := `
		UPDATE bounties
		SET status = 'transferred', settlement_error = COALESCE(NULLIF($2, ''), settlement_error), updated_at = $3
		WHERE id = $1 AND status = 'burning'
	`
	return s.transition(ctx, id, query, id, errText, time.Now().UTC())
}

// Cancel closes an open bounty owned by ownerUsername.
func (s *BountyStore) Cancel(ctx context.Context, id, ownerUsername string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.OwnerUsername != ownerUsername {
		return store.ErrNotFound
	}

	query := `
		UPDATE bounties
		SET status = 'closed', updated_at = $3
		WHERE id = $1 AND owner_username = $2 AND status = 'open'
	`
	return s.transition(ctx, id, query, id, ownerUsername, time.Now().UTC())
}

// compareAndSwap runs a conditional update and reports whether it matched.
// A missing bounty is ErrNotFound; a bounty in another state is (false, nil).
func (s *BountyStore) compareAndSwap(ctx context.Context, id, query string, args ...any) (bool, error) {
	result, err := s.conn().ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating bounty %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// transition is compareAndSwap for updates whose precondition must hold.
func (s *BountyStore) transition(ctx context.Context, id, query string, args ...any) error {
	ok, err := s.compareAndSwap(ctx, id, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrInvalidTransition
	}
	return nil
}
