package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/integrations/github"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

// Outcome describes how a close event was handled.
type Outcome string

const (
	// OutcomeNoBounty means the issue has no open bounty.
	OutcomeNoBounty Outcome = "no_bounty"
	// OutcomeNotInstalled means the App is not installed on the repository.
	OutcomeNotInstalled Outcome = "not_installed"
	// OutcomeNoQualifyingCloser means the issue was not closed by a merged pull request.
	OutcomeNoQualifyingCloser Outcome = "no_qualifying_closer"
	// OutcomeAlreadyClaimed means another delivery won the settlement claim.
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	// OutcomeCompleted means the token was transferred and burned.
	OutcomeCompleted Outcome = "completed"
	// OutcomePartial means the transfer confirmed but the burn did not.
	OutcomePartial Outcome = "partial"
	// OutcomeUnconfirmed means the transfer was submitted but no receipt was seen.
	OutcomeUnconfirmed Outcome = "unconfirmed"
	// OutcomeFailed means the transfer failed.
	OutcomeFailed Outcome = "failed"
)

// CloserResolver determines who closed an issue.
type CloserResolver interface {
	Resolve(ctx context.Context, issue models.Issue) (github.Resolution, error)
}

// Result reports what HandleIssueClosed did.
type Result struct {
	Outcome    Outcome
	BountyID   string
	Closer     string
	Recipient  string
	TransferTx string
	BurnTx     string
	Reason     string
}

// Orchestrator runs the settlement pipeline for a closed issue.
type Orchestrator struct {
	bounties store.BountyStore
	users    store.UserStore
	resolver CloserResolver
	executor *Executor
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, resolver CloserResolver, executor *Executor, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		bounties: st.Bounties(),
		users:    st.Users(),
		resolver: resolver,
		executor: executor,
		logger:   log,
	}
}

// HandleIssueClosed settles the open bounty on issue if it was closed by a
// merged pull request whose author has a registered wallet. Duplicate
// deliveries are reconciled by the ledger claim: only one caller transfers.
func (o *Orchestrator) HandleIssueClosed(ctx context.Context, issue models.Issue) (Result, error) {
	log := o.logger.With("issue", issue.Key())
	if id := logger.DeliveryIDFromContext(ctx); id != "" {
		log = log.With("delivery_id", id)
	}

	bounty, err := o.bounties.GetOpenByIssue(ctx, issue)
	if err != nil {
		return Result{}, fmt.Errorf("looking up open bounty: %w", err)
	}
	if bounty == nil {
		log.Debug("no open bounty for closed issue")
		return Result{Outcome: OutcomeNoBounty}, nil
	}
	log = log.With("bounty_id", bounty.ID)
	res := Result{BountyID: bounty.ID}

	resolution, err := o.resolver.Resolve(ctx, issue)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("app not installed on repository", "error", err)
			res.Outcome = OutcomeNotInstalled
			return res, nil
		}
		return res, fmt.Errorf("resolving closer: %w", err)
	}
	if !resolution.Qualified {
		log.Info("issue closed without a qualifying pull request", "reason", resolution.Reason)
		res.Outcome = OutcomeNoQualifyingCloser
		res.Reason = resolution.Reason
		return res, nil
	}
	res.Closer = resolution.Login
	log = log.With("closer", resolution.Login, "pull_request", resolution.PullRequest)

	recipient, err := o.recipientFor(ctx, resolution.Login)
	if err != nil {
		log.Warn("closer cannot receive payout", "error", err)
		return res, err
	}
	res.Recipient = recipient

	won, err := o.bounties.TryBeginSettlement(ctx, bounty.ID, resolution.Login, recipient)
	if err != nil {
		return res, fmt.Errorf("claiming settlement: %w", err)
	}
	if !won {
		log.Info("settlement already claimed by another delivery")
		res.Outcome = OutcomeAlreadyClaimed
		return res, nil
	}
	log.Info("settlement claimed", "recipient", recipient)

	// RecordTransfer moves the bounty to burning, so recovery cannot claim
	// the burn this call is about to submit.
	outcome, settleErr := o.executor.Settle(ctx, bounty, recipient, func(transferTx string) error {
		return o.bounties.RecordTransfer(ctx, bounty.ID, transferTx)
	})
	res.TransferTx = outcome.TransferTx
	res.BurnTx = outcome.BurnTx

	if err := o.bounties.FinalizeSettlement(ctx, bounty.ID, outcome); err != nil {
		log.Error("failed to finalize settlement", "status", outcome.Status, "error", err)
		settleErr = errors.Join(settleErr, fmt.Errorf("finalizing settlement: %w", err))
	}

	switch outcome.Status {
	case models.BountyStatusCompleted:
		res.Outcome = OutcomeCompleted
		log.Info("bounty settled", "transfer_tx", outcome.TransferTx, "burn_tx", outcome.BurnTx)
	case models.BountyStatusTransferred:
		res.Outcome = OutcomePartial
		log.Warn("bounty partially settled, burn pending", "transfer_tx", outcome.TransferTx)
	case models.BountyStatusUnconfirmed:
		res.Outcome = OutcomeUnconfirmed
		log.Warn("transfer submitted without a receipt, awaiting reconciliation", "transfer_tx", outcome.TransferTx)
	default:
		res.Outcome = OutcomeFailed
	}
	return res, settleErr
}

// recipientFor reads the closer's current wallet. A missing user or wallet is
// NotFound and leaves the bounty open.
func (o *Orchestrator) recipientFor(ctx context.Context, login string) (string, error) {
	user, err := o.users.Get(ctx, login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errdefs.NotFound("closer %q is not registered", login)
		}
		return "", fmt.Errorf("loading closer: %w", err)
	}
	if user.WalletAddress == "" {
		return "", errdefs.NotFound("closer %q has no wallet address", login)
	}
	return chain.NormalizeAddress(user.WalletAddress)
}
