package models

import (
	"fmt"
	"strings"
	"time"
)

// Issue identifies a GitHub issue by its natural key. Owner and Repo are
// compared case-insensitively, so they are kept lower-cased.
type Issue struct {
	Owner  string `json:"owner" db:"issue_owner"`
	Repo   string `json:"repo" db:"issue_repo"`
	Number int    `json:"number" db:"issue_number"`
}

// NewIssue builds a normalized Issue key.
func NewIssue(owner, repo string, number int) Issue {
	return Issue{
		Owner:  strings.ToLower(strings.TrimSpace(owner)),
		Repo:   strings.ToLower(strings.TrimSpace(repo)),
		Number: number,
	}
}

// Key returns the canonical "owner/repo#number" form.
func (i Issue) Key() string {
	return fmt.Sprintf("%s/%s#%d", i.Owner, i.Repo, i.Number)
}

// Valid reports whether all parts of the key are present.
func (i Issue) Valid() bool {
	return i.Owner != "" && i.Repo != "" && i.Number > 0
}

// String implements fmt.Stringer.
func (i Issue) String() string {
	return i.Key()
}

// BountyStatus represents the lifecycle state of a bounty.
type BountyStatus string

const (
	// BountyStatusOpen accepts a settlement when its issue is closed by a merged pull request.
	BountyStatusOpen BountyStatus = "open"
	// BountyStatusSettling means a settlement has been claimed and the transfer is in flight.
	BountyStatusSettling BountyStatus = "settling"
	// BountyStatusUnconfirmed means the transfer was submitted but its receipt
	// was not observed. The transfer must never be resubmitted.
	BountyStatusUnconfirmed BountyStatus = "unconfirmed"
	// BountyStatusTransferred means the token changed hands, the burn has not
	// confirmed, and nobody holds the burn claim.
	BountyStatusTransferred BountyStatus = "transferred"
	// BountyStatusBurning means a burn is in flight, either from the settling
	// pipeline or from a recovery claim.
	BountyStatusBurning BountyStatus = "burning"
	// BountyStatusCompleted is terminal: the token was transferred and burned.
	BountyStatusCompleted BountyStatus = "completed"
	// BountyStatusFailed is terminal: the transfer failed and needs an operator.
	BountyStatusFailed BountyStatus = "failed"
	// BountyStatusClosed is terminal: the owner cancelled the bounty.
	BountyStatusClosed BountyStatus = "closed"
)

// Valid reports whether s is a known status.
func (s BountyStatus) Valid() bool {
	switch s {
	case BountyStatusOpen, BountyStatusSettling, BountyStatusUnconfirmed, BountyStatusTransferred,
		BountyStatusBurning, BountyStatusCompleted, BountyStatusFailed, BountyStatusClosed:
		return true
	}
	return false
}

// Active reports whether the bounty still holds its escrow token.
func (s BountyStatus) Active() bool {
	switch s {
	case BountyStatusOpen, BountyStatusSettling, BountyStatusUnconfirmed, BountyStatusTransferred, BountyStatusBurning:
		return true
	}
	return false
}

// InFlight reports whether a settlement step may still be running. Rows that
// stay in these states long after their last update were abandoned.
func (s BountyStatus) InFlight() bool {
	switch s {
	case BountyStatusSettling, BountyStatusUnconfirmed, BountyStatusBurning:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s BountyStatus) Terminal() bool {
	switch s {
	case BountyStatusCompleted, BountyStatusFailed, BountyStatusClosed:
		return true
	}
	return false
}

// Bounty is a reward pledge attached to one issue and backed by an escrow token.
type Bounty struct {
	ID            string       `json:"id" db:"id"`
	Issue         Issue        `json:"issue"`
	OwnerUsername string       `json:"owner_username" db:"owner_username"`
	RewardAmount  int64        `json:"reward" db:"reward_amount"`
	TokenID       uint64       `json:"token_id" db:"token_id"`
	Status        BountyStatus `json:"status" db:"status"`
	Title         string       `json:"title" db:"title"`
	Description   string       `json:"description,omitempty" db:"description"`
	Labels        []string     `json:"labels,omitempty" db:"labels"`
	Settlement    Settlement   `json:"settlement"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Settlement records the progress of a payout.
type Settlement struct {
	CloserLogin      string     `json:"closer_login,omitempty" db:"closer_login"`
	RecipientAddress string     `json:"recipient_address,omitempty" db:"recipient_address"`
	TransferTx       string     `json:"transfer_tx,omitempty" db:"transfer_tx"`
	BurnTx           string     `json:"burn_tx,omitempty" db:"burn_tx"`
	Error            string     `json:"error,omitempty" db:"settlement_error"`
	BurnAttempts     int        `json:"burn_attempts,omitempty" db:"burn_attempts"`
	SettledAt        *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// SettlementOutcome is what the executor reports back to the ledger.
type SettlementOutcome struct {
	Status     BountyStatus
	TransferTx string
	BurnTx     string
	Err        error
	// From, when set, pins the status the bounty must be in for the outcome
	// to apply. Reconciliation sets it from the row it inspected.
	From BountyStatus
}
