// Package store defines the persistence interfaces for bounties and users.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/karatsubalabs/gitbounties/internal/models"
)

// Common store errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateOpenBounty is returned when an issue already has an open bounty.
	ErrDuplicateOpenBounty = errors.New("issue already has an open bounty")

	// ErrTokenInUse is returned when the escrow token backs another active bounty.
	ErrTokenInUse = errors.New("escrow token already backs an active bounty")

	// ErrUserExists is returned when registering a username that is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidTransition is returned when a bounty is not in the state an
	// update requires.
	ErrInvalidTransition = errors.New("invalid bounty status transition")
)

// BountyFilter narrows a bounty listing. Zero values match everything.
type BountyFilter struct {
	OwnerUsername string
	Status        models.BountyStatus
	// UpdatedBefore keeps only bounties last updated before this instant.
	UpdatedBefore time.Time
	Limit         int
}

// FinalizeFrom returns the statuses a bounty may be in when outcome is
// applied. Open is never among them and never a target.
//
// Completed only follows a burn claim, so a transferred row that nobody has
// claimed cannot be completed underneath a sweep. When outcome.From is set
// the outcome applies from exactly that status; a failed bounty is only
// reopened this way, after its transfer was found mined.
func FinalizeFrom(outcome models.SettlementOutcome) []models.BountyStatus {
	var allowed []models.BountyStatus
	switch outcome.Status {
	case models.BountyStatusCompleted:
		allowed = []models.BountyStatus{models.BountyStatusBurning}
	case models.BountyStatusTransferred:
		allowed = []models.BountyStatus{
			models.BountyStatusSettling,
			models.BountyStatusUnconfirmed,
			models.BountyStatusBurning,
		}
	case models.BountyStatusUnconfirmed:
		allowed = []models.BountyStatus{models.BountyStatusSettling}
	case models.BountyStatusFailed:
		allowed = []models.BountyStatus{models.BountyStatusSettling, models.BountyStatusUnconfirmed}
	default:
		return nil
	}

	if outcome.From == "" {
		return allowed
	}
	if slices.Contains(allowed, outcome.From) ||
		(outcome.Status == models.BountyStatusTransferred && outcome.From == models.BountyStatusFailed) {
		return []models.BountyStatus{outcome.From}
	}
	return nil
}

// Store is the main interface for all data persistence operations.
type Store interface {
	Bounties() BountyStore
	Users() UserStore

	// Migrate applies the schema. It is safe to call on every start.
	Migrate(ctx context.Context) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// WithTx executes fn within a transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases all resources.
	Close() error
}

// BountyStore is the bounty ledger. It enforces at most one open bounty per
// issue and owns the compare-and-swap transitions that gate settlement.
type BountyStore interface {
	// Create inserts an open bounty. It fails with ErrDuplicateOpenBounty when
	// the issue already has an open bounty and ErrTokenInUse when the token
	// backs another active bounty.
	Create(ctx context.Context, bounty *models.Bounty) error

	// Get returns a bounty by ID or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Bounty, error)

	// GetOpenByIssue returns the open bounty for an issue, or nil when there is none.
	GetOpenByIssue(ctx context.Context, issue models.Issue) (*models.Bounty, error)

	// List returns bounties matching the filter, newest first.
	List(ctx context.Context, filter BountyFilter) ([]*models.Bounty, error)

	// TryBeginSettlement moves an open bounty to settling and records the
	// closer and recipient. Exactly one concurrent caller observes true.
	TryBeginSettlement(ctx context.Context, id, closerLogin, recipient string) (bool, error)

	// RecordTransfer moves a settling bounty to burning with the transfer
	// hash. The settling caller keeps the burn claim, so a recovery sweep
	// never sees the bounty until the burn is finalized or released.
	RecordTransfer(ctx context.Context, id, transferTx string) error

	// FinalizeSettlement applies the executor's outcome. It never reverts a
	// bounty to open.
	FinalizeSettlement(ctx context.Context, id string, outcome models.SettlementOutcome) error

	// TryBeginBurn claims a transferred bounty for a burn retry and counts the attempt.
	TryBeginBurn(ctx context.Context, id string) (bool, error)

	// ReleaseBurn returns a burning bounty to transferred after a failed attempt.
	ReleaseBurn(ctx context.Context, id string, cause error) error

	// Cancel closes an open bounty owned by ownerUsername.
	Cancel(ctx context.Context, id, ownerUsername string) error
}

// UserStore persists registered users.
type UserStore interface {
	// Get returns a user by GitHub username or ErrNotFound.
	Get(ctx context.Context, username string) (*models.User, error)

	// Create registers a user. It fails with ErrUserExists for a taken username.
	Create(ctx context.Context, user *models.User) error

	// Upsert creates the user or refreshes its installations, keeping the
	// stored wallet when user.WalletAddress is empty.
	Upsert(ctx context.Context, user *models.User) error

	// UpdateWallet replaces the payout address.
	UpdateWallet(ctx context.Context, username, walletAddress string) error

	// UpdateInstallations replaces the installation set.
	UpdateInstallations(ctx context.Context, username string, installations []int64) error
}
