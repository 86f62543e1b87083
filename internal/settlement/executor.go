// Package settlement runs the payout pipeline for closed issues: closer
// resolution, the ledger claim, and the two-step on-chain settlement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
)

// Escrow is the on-chain escrow token contract.
type Escrow interface {
	// TransferToken moves tokenID to recipient and returns the confirmed tx
	// hash. A non-empty hash alongside an error means the transaction was
	// submitted but not confirmed.
	TransferToken(ctx context.Context, tokenID uint64, recipient string) (string, error)
	// Burn destroys tokenID and returns the confirmed tx hash.
	Burn(ctx context.Context, tokenID uint64) (string, error)
	// OwnerOf returns tokenID's owner, or "" once it is burned.
	OwnerOf(ctx context.Context, tokenID uint64) (string, error)
	// TxStatus reports whether a submitted transaction was mined.
	TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error)
}

// errTransferPending marks a transfer whose receipt is still missing.
var errTransferPending = errors.New("transfer submitted but not confirmed")

// Executor performs the two-step payout: transfer the escrow token to the
// recipient, then burn it. Neither step is retried automatically.
type Executor struct {
	escrow Escrow
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(escrow Escrow, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{escrow: escrow, logger: logger}
}

// Settle transfers the bounty's token to recipient and then burns it.
// onTransferred runs after the transfer confirms and before the burn is
// submitted; it records the transfer and keeps the burn claim with the
// caller.
//
// A transfer that was never submitted is failed. A submitted transfer whose
// receipt cannot be confirmed is unconfirmed and is left for reconciliation
// instead of being retried. A burn failure returns a SettlementPartialFailure
// alongside an outcome in the transferred state.
func (x *Executor) Settle(ctx context.Context, bounty *models.Bounty, recipient string, onTransferred func(transferTx string) error) (models.SettlementOutcome, error) {
	log := x.logger.With("bounty_id", bounty.ID, "token_id", bounty.TokenID, "issue", bounty.Issue.Key())

	transferTx, err := x.escrow.TransferToken(ctx, bounty.TokenID, recipient)
	if err != nil {
		if transferTx == "" {
			log.Error("escrow transfer failed", "error", err)
			return models.SettlementOutcome{Status: models.BountyStatusFailed, Err: err},
				fmt.Errorf("transferring token %d: %w", bounty.TokenID, err)
		}

		status, checkErr := x.transferStatus(ctx, transferTx)
		switch status {
		case models.BountyStatusTransferred:
			log.Warn("transfer confirmed on receipt lookup", "tx_hash", transferTx, "error", err)
		case models.BountyStatusFailed:
			log.Error("escrow transfer reverted", "tx_hash", transferTx, "error", err)
			return models.SettlementOutcome{Status: models.BountyStatusFailed, TransferTx: transferTx, Err: err},
				fmt.Errorf("transferring token %d: %w", bounty.TokenID, err)
		default:
			cause := errors.Join(err, checkErr)
			log.Error("escrow transfer unconfirmed", "tx_hash", transferTx, "error", cause)
			return models.SettlementOutcome{Status: models.BountyStatusUnconfirmed, TransferTx: transferTx, Err: cause},
				errdefs.ExternalService(cause, false, "transfer %s for token %d unconfirmed", transferTx, bounty.TokenID)
		}
	}
	log.Info("escrow token transferred", "tx_hash", transferTx, "recipient", recipient)

	if onTransferred != nil {
		if err := onTransferred(transferTx); err != nil {
			// The transfer is on chain, so this is a partial settlement.
			log.Error("failed to record transfer", "error", err)
			return models.SettlementOutcome{Status: models.BountyStatusTransferred, TransferTx: transferTx, Err: err},
				&errdefs.SettlementPartialFailure{BountyID: bounty.ID, TransferTx: transferTx, Err: err}
		}
	}

	burnTx, err := x.escrow.Burn(ctx, bounty.TokenID)
	if err != nil {
		log.Error("escrow burn failed after transfer", "error", err, "transfer_tx", transferTx)
		return models.SettlementOutcome{Status: models.BountyStatusTransferred, TransferTx: transferTx, Err: err},
			&errdefs.SettlementPartialFailure{BountyID: bounty.ID, TransferTx: transferTx, Err: err}
	}
	log.Info("escrow token burned", "tx_hash", burnTx)

	return models.SettlementOutcome{Status: models.BountyStatusCompleted, TransferTx: transferTx, BurnTx: burnTx}, nil
}

// ResumeBurn completes the burn step of a transferred bounty. When the token
// no longer exists the earlier burn landed and no call is made.
func (x *Executor) ResumeBurn(ctx context.Context, bounty *models.Bounty) (models.SettlementOutcome, error) {
	log := x.logger.With("bounty_id", bounty.ID, "token_id", bounty.TokenID)

	owner, err := x.escrow.OwnerOf(ctx, bounty.TokenID)
	if err != nil {
		return models.SettlementOutcome{Status: models.BountyStatusTransferred, Err: err}, err
	}
	if owner == "" {
		log.Info("escrow token already burned")
		return models.SettlementOutcome{Status: models.BountyStatusCompleted}, nil
	}

	burnTx, err := x.escrow.Burn(ctx, bounty.TokenID)
	if err != nil {
		log.Error("escrow burn retry failed", "error", err)
		return models.SettlementOutcome{Status: models.BountyStatusTransferred, Err: err},
			&errdefs.SettlementPartialFailure{BountyID: bounty.ID, TransferTx: bounty.Settlement.TransferTx, Err: err}
	}
	log.Info("escrow token burned on retry", "tx_hash", burnTx)
	return models.SettlementOutcome{Status: models.BountyStatusCompleted, BurnTx: burnTx}, nil
}

// ConfirmTransfer looks up the receipt of a bounty's submitted transfer. The
// outcome is transferred when it was mined, failed when it reverted and
// unconfirmed while no receipt exists. The transfer is never resubmitted.
func (x *Executor) ConfirmTransfer(ctx context.Context, bounty *models.Bounty) (models.SettlementOutcome, error) {
	txHash := bounty.Settlement.TransferTx
	if txHash == "" {
		return models.SettlementOutcome{}, errdefs.Validation("bounty %s has no transfer transaction", bounty.ID)
	}

	status, err := x.transferStatus(ctx, txHash)
	outcome := models.SettlementOutcome{Status: status, TransferTx: txHash, From: bounty.Status}
	switch status {
	case models.BountyStatusFailed:
		outcome.Err = fmt.Errorf("transfer %s reverted", txHash)
	case models.BountyStatusUnconfirmed:
		outcome.Err = errTransferPending
		if err != nil {
			return outcome, err
		}
	}
	x.logger.Info("transfer receipt checked", "bounty_id", bounty.ID, "tx_hash", txHash, "status", status)
	return outcome, nil
}

// Inspect decides where an abandoned settling or burning bounty stands by
// reading the token's owner. The token still held by the escrow means the
// transfer never landed; the recipient holding it means the burn is
// outstanding; no owner means the burn landed.
func (x *Executor) Inspect(ctx context.Context, bounty *models.Bounty) (models.SettlementOutcome, error) {
	owner, err := x.escrow.OwnerOf(ctx, bounty.TokenID)
	if err != nil {
		return models.SettlementOutcome{}, err
	}
	toRecipient := owner != "" && strings.EqualFold(owner, bounty.Settlement.RecipientAddress)
	log := x.logger.With("bounty_id", bounty.ID, "token_id", bounty.TokenID, "owner", owner, "status", bounty.Status)

	switch bounty.Status {
	case models.BountyStatusSettling:
		if owner == "" {
			return models.SettlementOutcome{}, errdefs.Conflict(nil,
				"token %d of settling bounty %s has no owner", bounty.TokenID, bounty.ID)
		}
		if toRecipient {
			log.Info("abandoned settlement transferred on chain")
			return models.SettlementOutcome{
				Status: models.BountyStatusTransferred,
				From:   models.BountyStatusSettling,
				Err:    errors.New("transfer observed on chain after the settlement was abandoned"),
			}, nil
		}
		log.Info("abandoned settlement never transferred")
		return models.SettlementOutcome{
			Status: models.BountyStatusFailed,
			From:   models.BountyStatusSettling,
			Err:    errors.New("settlement abandoned before the transfer landed"),
		}, nil

	case models.BountyStatusBurning:
		if owner == "" {
			log.Info("abandoned burn landed on chain")
			return models.SettlementOutcome{Status: models.BountyStatusCompleted, From: models.BountyStatusBurning}, nil
		}
		if toRecipient {
			log.Info("abandoned burn still outstanding")
			return models.SettlementOutcome{
				Status: models.BountyStatusTransferred,
				From:   models.BountyStatusBurning,
				Err:    errors.New("burn abandoned before it confirmed"),
			}, nil
		}
		return models.SettlementOutcome{}, errdefs.Conflict(nil,
			"token %d of burning bounty %s is owned by %s, not the recipient", bounty.TokenID, bounty.ID, owner)
	}
	return models.SettlementOutcome{}, errdefs.Conflict(nil, "bounty %s is %s, not abandoned", bounty.ID, bounty.Status)
}

// transferStatus maps a transfer receipt onto the bounty status it implies.
func (x *Executor) transferStatus(ctx context.Context, txHash string) (models.BountyStatus, error) {
	status, err := x.escrow.TxStatus(ctx, txHash)
	if err != nil {
		return models.BountyStatusUnconfirmed, err
	}
	switch status {
	case chain.TxSucceeded:
		return models.BountyStatusTransferred, nil
	case chain.TxReverted:
		return models.BountyStatusFailed, nil
	}
	return models.BountyStatusUnconfirmed, nil
}
