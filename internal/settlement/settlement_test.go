package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/integrations/github"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/internal/store/memory"
)

const (
	bobWallet      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	operatorWallet = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type escrowCall struct {
	Method    string
	TokenID   uint64
	Recipient string
}

type fakeEscrow struct {
	mu          sync.Mutex
	calls       []escrowCall
	transferErr error
	// transferHash is returned with transferErr for a submitted transfer.
	transferHash string
	burnErr      error
	burned       map[uint64]bool
	owners       map[uint64]string
	receipts     map[string]chain.TxStatus
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		burned:   map[uint64]bool{},
		owners:   map[uint64]string{},
		receipts: map[string]chain.TxStatus{},
	}
}

func (f *fakeEscrow) TransferToken(ctx context.Context, tokenID uint64, recipient string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escrowCall{Method: "transferToken", TokenID: tokenID, Recipient: recipient})
	if f.transferErr != nil {
		return f.transferHash, f.transferErr
	}
	f.owners[tokenID] = recipient
	return fmt.Sprintf("0xtransfer%d", tokenID), nil
}

func (f *fakeEscrow) Burn(ctx context.Context, tokenID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escrowCall{Method: "burn", TokenID: tokenID})
	if f.burnErr != nil {
		return "", f.burnErr
	}
	f.burned[tokenID] = true
	return fmt.Sprintf("0xburn%d", tokenID), nil
}

func (f *fakeEscrow) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.burned[tokenID] {
		return "", nil
	}
	if owner, ok := f.owners[tokenID]; ok {
		return owner, nil
	}
	return operatorWallet, nil
}

func (f *fakeEscrow) TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeEscrow) Calls() []escrowCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]escrowCall(nil), f.calls...)
}

func (f *fakeEscrow) count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeEscrow) setBurnErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.burnErr = err
}

func (f *fakeEscrow) landTransfer(tokenID uint64, txHash, recipient string, status chain.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = status
	if status == chain.TxSucceeded {
		f.owners[tokenID] = recipient
	}
}

// gatedEscrow holds the first burn until release is closed.
type gatedEscrow struct {
	*fakeEscrow
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEscrow(f *fakeEscrow) *gatedEscrow {
	return &gatedEscrow{fakeEscrow: f, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedEscrow) Burn(ctx context.Context, tokenID uint64) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.fakeEscrow.Burn(ctx, tokenID)
}

type fakeResolver struct {
	mu         sync.Mutex
	resolution github.Resolution
	err        error
	calls      int
}

func (f *fakeResolver) Resolve(ctx context.Context, issue models.Issue) (github.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resolution, f.err
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mergedBy(login string) *fakeResolver {
	return &fakeResolver{resolution: github.Resolution{Qualified: true, Login: login, PullRequest: 12}}
}

type fixture struct {
	store    *memory.Store
	escrow   *fakeEscrow
	resolver *fakeResolver
	orch     *Orchestrator
	issue    models.Issue
	bounty   *models.Bounty
}

func newFixture(t *testing.T, resolver *fakeResolver) *fixture {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	require.NoError(t, st.Users().Create(ctx, &models.User{Username: "alice", Installations: []int64{1}}))
	require.NoError(t, st.Users().Create(ctx, &models.User{Username: "bob", WalletAddress: bobWallet}))

	issue := models.NewIssue("acme", "widgets", 42)
	bounty := &models.Bounty{Issue: issue, OwnerUsername: "alice", RewardAmount: 500, TokenID: 7, Title: "Fix it"}
	require.NoError(t, st.Bounties().Create(ctx, bounty))

	escrow := newFakeEscrow()
	return &fixture{
		store:    st,
		escrow:   escrow,
		resolver: resolver,
		orch:     NewOrchestrator(st, resolver, NewExecutor(escrow, nil), nil),
		issue:    issue,
		bounty:   bounty,
	}
}

func (f *fixture) reload(t *testing.T) *models.Bounty {
	t.Helper()
	b, err := f.store.Bounties().Get(context.Background(), f.bounty.ID)
	require.NoError(t, err)
	return b
}

func TestSettlesBountyClosedByMergedPullRequest(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "bob", res.Closer)

	assert.Equal(t, []escrowCall{
		{Method: "transferToken", TokenID: 7, Recipient: bobWallet},
		{Method: "burn", TokenID: 7},
	}, f.escrow.Calls())

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusCompleted, b.Status)
	assert.Equal(t, "bob", b.Settlement.CloserLogin)
	assert.Equal(t, bobWallet, b.Settlement.RecipientAddress)
	assert.Equal(t, "0xtransfer7", b.Settlement.TransferTx)
	assert.Equal(t, "0xburn7", b.Settlement.BurnTx)
	assert.NotNil(t, b.Settlement.SettledAt)
}

func TestClosedIssueWithoutBountyIsNoop(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))

	res, err := f.orch.HandleIssueClosed(context.Background(), models.NewIssue("acme", "widgets", 99))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoBounty, res.Outcome)
	assert.Zero(t, f.resolver.Calls())
	assert.Empty(t, f.escrow.Calls())
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestIssueKeyMatchesCaseInsensitively(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))

	res, err := f.orch.HandleIssueClosed(context.Background(), models.NewIssue("ACME", "Widgets", 42))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestNoQualifyingCloserLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, &fakeResolver{resolution: github.Resolution{Reason: github.ReasonNotPR}})

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoQualifyingCloser, res.Outcome)
	assert.Equal(t, github.ReasonNotPR, res.Reason)
	assert.Empty(t, f.escrow.Calls())
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestMissingInstallationIsBenign(t *testing.T) {
	f := newFixture(t, &fakeResolver{err: errdefs.NotFound("app not installed on acme/widgets")})

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotInstalled, res.Outcome)
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestResolverFailureLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, &fakeResolver{err: errdefs.ExternalService(nil, true, "graphql unavailable")})

	_, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.Error(t, err)
	assert.True(t, errdefs.IsExternalService(err))
	assert.Empty(t, f.escrow.Calls())
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestUnregisteredCloserLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, mergedBy("mallory"))

	_, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, f.escrow.Calls())
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestCloserWithoutWalletLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, mergedBy("alice"))

	_, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, models.BountyStatusOpen, f.reload(t).Status)
}

func TestWalletIsReadAtSettlementTime(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))
	const moved = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	require.NoError(t, f.store.Users().UpdateWallet(context.Background(), "bob", moved))

	_, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, moved, f.escrow.Calls()[0].Recipient)
	assert.Equal(t, moved, f.reload(t).Settlement.RecipientAddress)
}

func TestBurnFailureLeavesPartialSettlement(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))
	f.escrow.setBurnErr(errdefs.ExternalService(nil, false, "burn reverted"))

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.Error(t, err)
	assert.True(t, errdefs.IsPartialFailure(err))
	assert.Equal(t, OutcomePartial, res.Outcome)

	var partial *errdefs.SettlementPartialFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, "0xtransfer7", partial.TransferTx)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusTransferred, b.Status)
	assert.Equal(t, "0xtransfer7", b.Settlement.TransferTx)
	assert.Empty(t, b.Settlement.BurnTx)
	assert.Contains(t, b.Settlement.Error, "burn reverted")

	// A redelivery must not transfer again.
	res, err = f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoBounty, res.Outcome)
	assert.Len(t, f.escrow.Calls(), 2)
}

func TestTransferFailureMarksBountyFailed(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))
	f.escrow.transferErr = errdefs.ExternalService(nil, false, "transfer reverted")

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.Error(t, err)
	assert.False(t, errdefs.IsPartialFailure(err))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, f.escrow.Calls(), 1, "burn is not attempted after a failed transfer")

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusFailed, b.Status)
	assert.Contains(t, b.Settlement.Error, "transfer reverted")
}

func TestRecoveryCompletesPartialSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	f.escrow.setBurnErr(errors.New("rpc timeout"))
	_, err := f.orch.HandleIssueClosed(ctx, f.issue)
	require.True(t, errdefs.IsPartialFailure(err))

	f.escrow.setBurnErr(nil)
	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)

	status, err := rec.ResumeBurn(ctx, f.bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, status)

	calls := f.escrow.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "transferToken", calls[0].Method)
	assert.Equal(t, "burn", calls[1].Method)
	assert.Equal(t, "burn", calls[2].Method)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusCompleted, b.Status)
	assert.Equal(t, "0xtransfer7", b.Settlement.TransferTx)
	assert.Equal(t, "0xburn7", b.Settlement.BurnTx)
	assert.Equal(t, 1, b.Settlement.BurnAttempts)
	assert.Empty(t, b.Settlement.Error)

	_, err = rec.ResumeBurn(ctx, f.bounty.ID)
	assert.True(t, errdefs.IsConflict(err))
	assert.Len(t, f.escrow.Calls(), 3)
}

func TestRecoverySkipsBurnWhenTokenIsGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	f.escrow.setBurnErr(errors.New("receipt wait timed out"))
	_, err := f.orch.HandleIssueClosed(ctx, f.issue)
	require.True(t, errdefs.IsPartialFailure(err))

	// The burn landed even though confirmation timed out.
	f.escrow.mu.Lock()
	f.escrow.burned[7] = true
	f.escrow.mu.Unlock()
	require.Equal(t, models.BountyStatusTransferred, f.reload(t).Status)

	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)
	status, err := rec.ResumeBurn(ctx, f.bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, status)
	assert.Len(t, f.escrow.Calls(), 2)
}

func TestRecoveryReleasesClaimOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	f.escrow.setBurnErr(errors.New("nonce too low"))
	_, err := f.orch.HandleIssueClosed(ctx, f.issue)
	require.True(t, errdefs.IsPartialFailure(err))

	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 2, nil)

	status, err := rec.ResumeBurn(ctx, f.bounty.ID)
	require.Error(t, err)
	assert.Equal(t, models.BountyStatusTransferred, status)

	n, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusTransferred, b.Status)
	assert.Equal(t, 2, b.Settlement.BurnAttempts)

	// The attempt cap stops scheduled sweeps from burning again.
	f.escrow.setBurnErr(nil)
	n, err = rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.escrow.Calls(), 4)

	// An explicit resume ignores the cap.
	status, err = rec.ResumeBurn(ctx, f.bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, status)
}

func TestRecoveryRejectsUnknownAndOpenBounties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 0, nil)

	_, err := rec.ResumeBurn(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))

	status, err := rec.ResumeBurn(ctx, f.bounty.ID)
	assert.True(t, errdefs.IsConflict(err))
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))
	assert.Equal(t, models.BountyStatusOpen, status)
	assert.Empty(t, f.escrow.Calls())
}

func TestRecoverySweepLeavesPipelineBurnAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	gated := newGatedEscrow(f.escrow)
	orch := NewOrchestrator(f.store, f.resolver, NewExecutor(gated, nil), nil)
	rec := NewRecovery(f.store.Bounties(), NewExecutor(gated, nil), 3, nil)

	type settled struct {
		res Result
		err error
	}
	done := make(chan settled, 1)
	go func() {
		res, err := orch.HandleIssueClosed(ctx, f.issue)
		done <- settled{res: res, err: err}
	}()

	<-gated.started
	assert.Equal(t, models.BountyStatusBurning, f.reload(t).Status, "the pipeline holds the burn claim")

	n, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = rec.ResumeBurn(ctx, f.bounty.ID)
	assert.True(t, errdefs.IsConflict(err))
	_, err = rec.Reconcile(ctx, f.bounty.ID, time.Hour)
	assert.True(t, errdefs.IsConflict(err), "a fresh burn is not abandoned")

	close(gated.release)
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeCompleted, got.res.Outcome)

	assert.Equal(t, 1, f.escrow.count("burn"))
	b := f.reload(t)
	assert.Equal(t, models.BountyStatusCompleted, b.Status)
	assert.Zero(t, b.Settlement.BurnAttempts)
}

func TestUnconfirmedTransferIsReconciledFromReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	f.escrow.transferErr = errdefs.ExternalService(context.DeadlineExceeded, false, "waiting for transferToken receipt")
	f.escrow.transferHash = "0xpending"

	res, err := f.orch.HandleIssueClosed(ctx, f.issue)
	require.Error(t, err)
	assert.True(t, errdefs.IsExternalService(err))
	assert.False(t, errdefs.IsPartialFailure(err))
	assert.Equal(t, OutcomeUnconfirmed, res.Outcome)
	assert.Equal(t, "0xpending", res.TransferTx)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusUnconfirmed, b.Status)
	assert.Equal(t, "0xpending", b.Settlement.TransferTx)
	assert.Contains(t, b.Settlement.Error, "waiting for transferToken receipt")

	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)

	// No receipt yet: nothing moves and nothing is resubmitted.
	n, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.BountyStatusUnconfirmed, f.reload(t).Status)

	f.escrow.landTransfer(7, "0xpending", bobWallet, chain.TxSucceeded)
	n, err = rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, f.escrow.count("transferToken"))
	assert.Equal(t, 1, f.escrow.count("burn"))
	b = f.reload(t)
	assert.Equal(t, models.BountyStatusCompleted, b.Status)
	assert.Equal(t, "0xpending", b.Settlement.TransferTx)
	assert.Equal(t, "0xburn7", b.Settlement.BurnTx)
}

func TestUnconfirmedTransferThatRevertedFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	f.escrow.transferErr = errors.New("receipt wait timed out")
	f.escrow.transferHash = "0xdoomed"

	res, _ := f.orch.HandleIssueClosed(ctx, f.issue)
	require.Equal(t, OutcomeUnconfirmed, res.Outcome)

	f.escrow.landTransfer(7, "0xdoomed", bobWallet, chain.TxReverted)
	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)
	status, err := rec.ConfirmTransfer(ctx, f.bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusFailed, status)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusFailed, b.Status)
	assert.Contains(t, b.Settlement.Error, "0xdoomed reverted")
	assert.Zero(t, f.escrow.count("burn"))
}

func TestTransferConfirmedOnReceiptLookupContinuesToBurn(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))
	f.escrow.transferErr = errors.New("receipt wait timed out")
	f.escrow.transferHash = "0xslow"
	f.escrow.landTransfer(7, "0xslow", bobWallet, chain.TxSucceeded)

	res, err := f.orch.HandleIssueClosed(context.Background(), f.issue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	b := f.reload(t)
	assert.Equal(t, models.BountyStatusCompleted, b.Status)
	assert.Equal(t, "0xslow", b.Settlement.TransferTx)
}

func TestReconcileReopensFailedBountyWhoseTransferMined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	bounties := f.store.Bounties()
	ok, err := bounties.TryBeginSettlement(ctx, f.bounty.ID, "bob", bobWallet)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, bounties.FinalizeSettlement(ctx, f.bounty.ID, models.SettlementOutcome{
		Status: models.BountyStatusFailed, TransferTx: "0xlegacy", Err: errors.New("waiting for receipt"),
	}))

	rec := NewRecovery(bounties, NewExecutor(f.escrow, nil), 3, nil)
	n, err := rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed bounties are left to the operator")

	f.escrow.landTransfer(7, "0xlegacy", bobWallet, chain.TxSucceeded)
	status, err := rec.Reconcile(ctx, f.bounty.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, status)
	assert.Equal(t, 1, f.escrow.count("burn"))
}

func TestReconcileAbandonedBurn(t *testing.T) {
	tests := []struct {
		name   string
		burned bool
		want   models.BountyStatus
		burns  int
	}{
		{name: "burn outstanding", want: models.BountyStatusCompleted, burns: 1},
		{name: "burn landed", burned: true, want: models.BountyStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, mergedBy("bob"))
			bounties := f.store.Bounties()
			ok, err := bounties.TryBeginSettlement(ctx, f.bounty.ID, "bob", bobWallet)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, bounties.RecordTransfer(ctx, f.bounty.ID, "0xtransfer7"))
			f.escrow.landTransfer(7, "0xtransfer7", bobWallet, chain.TxSucceeded)
			if tt.burned {
				f.escrow.burned[7] = true
			}

			rec := NewRecovery(bounties, NewExecutor(f.escrow, nil), 3, nil)
			_, err = rec.Reconcile(ctx, f.bounty.ID, time.Hour)
			assert.True(t, errdefs.IsConflict(err))

			status, err := rec.Reconcile(ctx, f.bounty.ID, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.burns, f.escrow.count("burn"))
			assert.Equal(t, tt.want, f.reload(t).Status)
		})
	}
}

func TestReconcileAbandonedSettlingWithoutOwnerIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mergedBy("bob"))
	ok, err := f.store.Bounties().TryBeginSettlement(ctx, f.bounty.ID, "bob", bobWallet)
	require.NoError(t, err)
	require.True(t, ok)
	f.escrow.burned[7] = true

	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)
	status, err := rec.Reconcile(ctx, f.bounty.ID, 0)
	assert.True(t, errdefs.IsConflict(err))
	assert.Equal(t, models.BountyStatusSettling, status)
	assert.Equal(t, models.BountyStatusSettling, f.reload(t).Status)
}

func TestRecoverySchedulerStartsAndStops(t *testing.T) {
	f := newFixture(t, mergedBy("bob"))
	rec := NewRecovery(f.store.Bounties(), NewExecutor(f.escrow, nil), 3, nil)

	rec.Stop()
	require.NoError(t, rec.Start(time.Hour))
	rec.Stop()
}
