package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// recoveryBatchSize caps how many partial settlements one sweep handles.
const recoveryBatchSize = 50

// Recovery finishes partially settled bounties by retrying only the burn and
// by reading receipts of unconfirmed transfers. The transfer is never
// re-attempted.
type Recovery struct {
	bounties    store.BountyStore
	executor    *Executor
	maxAttempts int
	logger      *slog.Logger

	scheduler gocron.Scheduler
}

// NewRecovery creates a Recovery. maxAttempts bounds scheduled burn retries
// per bounty; zero means unbounded.
func NewRecovery(bounties store.BountyStore, executor *Executor, maxAttempts int, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		bounties:    bounties,
		executor:    executor,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ResumeBurn claims a transferred bounty and burns its token. It returns the
// bounty's resulting status.
func (r *Recovery) ResumeBurn(ctx context.Context, id string) (models.BountyStatus, error) {
	bounty, err := r.load(ctx, id)
	if err != nil {
		return "", err
	}
	if bounty.Status != models.BountyStatusTransferred {
		return bounty.Status, errdefs.Conflict(store.ErrInvalidTransition, "bounty %s is %s, not transferred", id, bounty.Status)
	}

	claimed, err := r.bounties.TryBeginBurn(ctx, id)
	if err != nil {
		return bounty.Status, fmt.Errorf("claiming burn: %w", err)
	}
	if !claimed {
		return bounty.Status, errdefs.Conflict(store.ErrInvalidTransition, "burn for bounty %s already claimed", id)
	}

	outcome, burnErr := r.executor.ResumeBurn(ctx, bounty)
	if burnErr != nil {
		if err := r.bounties.ReleaseBurn(ctx, id, burnErr); err != nil {
			r.logger.Error("failed to release burn claim", "bounty_id", id, "error", err)
			return models.BountyStatusBurning, errors.Join(burnErr, err)
		}
		return models.BountyStatusTransferred, burnErr
	}

	outcome.From = models.BountyStatusBurning
	if err := r.bounties.FinalizeSettlement(ctx, id, outcome); err != nil {
		return models.BountyStatusBurning, fmt.Errorf("finalizing settlement: %w", err)
	}
	r.logger.Info("partial settlement completed", "bounty_id", id, "burn_tx", outcome.BurnTx)
	return models.BountyStatusCompleted, nil
}

// ConfirmTransfer settles the fate of an unconfirmed transfer from its
// receipt, and reopens a failed bounty whose transfer was mined after all.
// A transfer still without a receipt leaves the bounty untouched.
func (r *Recovery) ConfirmTransfer(ctx context.Context, id string) (models.BountyStatus, error) {
	bounty, err := r.load(ctx, id)
	if err != nil {
		return "", err
	}
	switch {
	case bounty.Status == models.BountyStatusUnconfirmed:
	case bounty.Status == models.BountyStatusFailed && bounty.Settlement.TransferTx != "":
	default:
		return bounty.Status, errdefs.Conflict(store.ErrInvalidTransition,
			"bounty %s is %s and has no transfer to confirm", id, bounty.Status)
	}

	outcome, err := r.executor.ConfirmTransfer(ctx, bounty)
	if err != nil {
		return bounty.Status, fmt.Errorf("checking transfer receipt: %w", err)
	}
	if outcome.Status == bounty.Status || len(store.FinalizeFrom(outcome)) == 0 {
		return bounty.Status, nil
	}
	if err := r.bounties.FinalizeSettlement(ctx, id, outcome); err != nil {
		return bounty.Status, fmt.Errorf("recording transfer receipt: %w", err)
	}
	r.logger.Info("transfer receipt reconciled", "bounty_id", id, "from", bounty.Status, "to", outcome.Status)
	return outcome.Status, nil
}

// Reconcile is the operator's resume path. It burns transferred bounties,
// confirms unconfirmed or failed transfers from their receipts, and settles
// settling or burning rows left untouched for staleAfter from the token's
// on-chain owner. A newly transferred bounty is burned in the same call.
func (r *Recovery) Reconcile(ctx context.Context, id string, staleAfter time.Duration) (models.BountyStatus, error) {
	bounty, err := r.load(ctx, id)
	if err != nil {
		return "", err
	}

	status := bounty.Status
	switch status {
	case models.BountyStatusTransferred:
		return r.ResumeBurn(ctx, id)

	case models.BountyStatusUnconfirmed, models.BountyStatusFailed:
		status, err = r.ConfirmTransfer(ctx, id)
		if err != nil {
			return status, err
		}

	case models.BountyStatusSettling, models.BountyStatusBurning:
		if age := time.Since(bounty.UpdatedAt); age < staleAfter {
			return status, errdefs.Conflict(store.ErrInvalidTransition,
				"bounty %s has been %s for %s; it may still be in flight", id, status, age.Round(time.Second))
		}
		outcome, err := r.executor.Inspect(ctx, bounty)
		if err != nil {
			return status, err
		}
		if err := r.bounties.FinalizeSettlement(ctx, id, outcome); err != nil {
			return status, fmt.Errorf("reconciling abandoned settlement: %w", err)
		}
		r.logger.Warn("abandoned settlement reconciled", "bounty_id", id, "from", status, "to", outcome.Status)
		status = outcome.Status

	default:
		return status, errdefs.Conflict(store.ErrInvalidTransition, "bounty %s is %s; nothing to reconcile", id, status)
	}

	if status == models.BountyStatusTransferred {
		return r.ResumeBurn(ctx, id)
	}
	return status, nil
}

// RunOnce confirms unconfirmed transfers from their receipts, then sweeps
// transferred bounties that are under the attempt cap and resumes each burn.
// It returns how many bounties completed.
func (r *Recovery) RunOnce(ctx context.Context) (int, error) {
	unconfirmed, err := r.bounties.List(ctx, store.BountyFilter{
		Status: models.BountyStatusUnconfirmed,
		Limit:  recoveryBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("listing unconfirmed bounties: %w", err)
	}
	for _, b := range unconfirmed {
		if _, err := r.ConfirmTransfer(ctx, b.ID); err != nil {
			r.logger.Warn("transfer receipt check failed", "bounty_id", b.ID, "error", err)
		}
	}

	pending, err := r.bounties.List(ctx, store.BountyFilter{
		Status: models.BountyStatusTransferred,
		Limit:  recoveryBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("listing transferred bounties: %w", err)
	}

	completed := 0
	for _, b := range pending {
		if r.maxAttempts > 0 && b.Settlement.BurnAttempts >= r.maxAttempts {
			r.logger.Debug("skipping bounty over burn attempt limit",
				"bounty_id", b.ID, "attempts", b.Settlement.BurnAttempts)
			continue
		}
		status, err := r.ResumeBurn(ctx, b.ID)
		if err != nil {
			r.logger.Warn("burn retry failed", "bounty_id", b.ID, "error", err)
			continue
		}
		if status == models.BountyStatusCompleted {
			completed++
		}
	}
	return completed, nil
}

func (r *Recovery) load(ctx context.Context, id string) (*models.Bounty, error) {
	bounty, err := r.bounties.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.NotFound("bounty %s not found", id)
		}
		return nil, fmt.Errorf("loading bounty: %w", err)
	}
	return bounty, nil
}

// Start schedules RunOnce every interval. Overlapping runs are skipped.
func (r *Recovery) Start(interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating recovery scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("settlement recovery sweep failed", "error", err)
				return
			}
			if n > 0 {
				r.logger.Info("settlement recovery sweep", "completed", n)
			}
		}),
		gocron.WithName("settlement-recovery"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("scheduling recovery: %w", err)
	}

	s.Start()
	r.scheduler = s
	r.logger.Info("settlement recovery scheduled", "interval", interval)
	return nil
}

// Stop shuts the scheduler down and waits for a running sweep.
func (r *Recovery) Stop() {
	if r.scheduler == nil {
		return
	}
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Error("stopping recovery scheduler", "error", err)
	}
}
