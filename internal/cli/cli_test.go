package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/secrets"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/internal/store/memory"
	"github.com/karatsubalabs/gitbounties/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

const bobWallet = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// recoveryEscrow answers the reads reconciliation makes and counts burns.
// Transfers are never expected from the CLI.
type recoveryEscrow struct {
	burns    int
	owner    string
	receipts map[string]chain.TxStatus
}

func (e *recoveryEscrow) TransferToken(ctx context.Context, tokenID uint64, recipient string) (string, error) {
	panic("transfer must not be retried")
}

func (e *recoveryEscrow) Burn(ctx context.Context, tokenID uint64) (string, error) {
	e.burns++
	e.owner = ""
	return "0xburn", nil
}

func (e *recoveryEscrow) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	return e.owner, nil
}

func (e *recoveryEscrow) TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	return e.receipts[txHash], nil
}

type harness struct {
	st     *memory.Store
	escrow *recoveryEscrow
	stdin  *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("ENV_FILE", "/nonexistent.env")
	t.Setenv("JWT_SECRET", testSecret)
	escrow := &recoveryEscrow{owner: bobWallet, receipts: map[string]chain.TxStatus{}}
	return &harness{st: memory.New(), escrow: escrow, stdin: &bytes.Buffer{}}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rt := &Runtime{
		In:  h.stdin,
		Out: &out,
		Err: &errOut,
		OpenStore: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
			return h.st, nil
		},
		DialEscrow: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*EscrowConn, error) {
			return &EscrowConn{Escrow: h.escrow, Close: func() error { return nil }}, nil
		},
	}
	cmd := NewRootCommand(rt)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// settlingBounty creates a bounty claimed for settlement on issue number n.
func (h *harness) settlingBounty(t *testing.T, n int) *models.Bounty {
	t.Helper()
	ctx := context.Background()
	b := &models.Bounty{Issue: models.NewIssue("acme", "widgets", n), OwnerUsername: "alice", RewardAmount: 5, TokenID: uint64(n)}
	require.NoError(t, h.st.Bounties().Create(ctx, b))
	ok, err := h.st.Bounties().TryBeginSettlement(ctx, b.ID, "bob", bobWallet)
	require.NoError(t, err)
	require.True(t, ok)
	return b
}

// transferredBounty creates a bounty whose transfer confirmed but whose burn
// did not.
func (h *harness) transferredBounty(t *testing.T) *models.Bounty {
	t.Helper()
	ctx := context.Background()
	b := h.settlingBounty(t, 9)
	require.NoError(t, h.st.Bounties().RecordTransfer(ctx, b.ID, "0xtransfer"))
	require.NoError(t, h.st.Bounties().FinalizeSettlement(ctx, b.ID, models.SettlementOutcome{
		Status: models.BountyStatusTransferred, Err: errors.New("burn reverted"),
	}))
	return b
}

func TestTokenCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "token", "--user", "alice", "--expiry", "1h")
	require.NoError(t, err)

	svc := auth.NewService(&auth.Config{JWTSecret: []byte(testSecret), TokenExpiry: time.Hour}, nil)
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	_, err = h.run(t, "token")
	assert.Error(t, err)
}

func TestSettlementsListAndResume(t *testing.T) {
	h := newHarness(t)
	b := h.transferredBounty(t)

	out, err := h.run(t, "settlements", "list")
	require.NoError(t, err)
	assert.Contains(t, out, b.ID)
	assert.Contains(t, out, "acme/widgets#9")
	assert.Contains(t, out, string(models.BountyStatusTransferred))

	out, err = h.run(t, "settlements", "resume", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID+" completed\n", out)
	assert.Equal(t, 1, h.escrow.burns)

	got, err := h.st.Bounties().Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, got.Status)
	assert.Equal(t, "0xtransfer", got.Settlement.TransferTx)

	_, err = h.run(t, "settlements", "resume", b.ID)
	assert.Error(t, err)

	_, err = h.run(t, "settlements", "list", "--status", "bogus")
	assert.Error(t, err)
}

func TestSettlementsListStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	abandoned := h.settlingBounty(t, 1)
	unconfirmed := h.settlingBounty(t, 2)
	require.NoError(t, h.st.Bounties().FinalizeSettlement(ctx, unconfirmed.ID, models.SettlementOutcome{
		Status: models.BountyStatusUnconfirmed, TransferTx: "0xpending",
	}))
	transferred := h.transferredBounty(t)

	out, err := h.run(t, "settlements", "list", "--stale", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "UPDATED")
	assert.Contains(t, out, abandoned.ID)
	assert.Contains(t, out, unconfirmed.ID)
	assert.NotContains(t, out, transferred.ID, "transferred rows belong to the recovery sweep")

	out, err = h.run(t, "settlements", "list", "--stale", "1h")
	require.NoError(t, err)
	assert.NotContains(t, out, abandoned.ID)
}

func TestSettlementsResumeAbandonedSettlement(t *testing.T) {
	h := newHarness(t)
	b := h.settlingBounty(t, 4)

	// A recently claimed settlement may still be transferring.
	_, err := h.run(t, "settlements", "resume", b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may still be in flight")
	assert.Zero(t, h.escrow.burns)

	// The recipient holds the token, so the transfer landed before the crash.
	out, err := h.run(t, "settlements", "resume", b.ID, "--stale-after", "0s")
	require.NoError(t, err)
	assert.Equal(t, b.ID+" completed\n", out)
	assert.Equal(t, 1, h.escrow.burns)

	got, err := h.st.Bounties().Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Settlement.BurnAttempts)
}

func TestSettlementsResumeAbandonedBeforeTransfer(t *testing.T) {
	h := newHarness(t)
	h.escrow.owner = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	b := h.settlingBounty(t, 5)

	out, err := h.run(t, "settlements", "resume", b.ID, "--stale-after", "0s")
	require.NoError(t, err)
	assert.Equal(t, b.ID+" failed\n", out)
	assert.Zero(t, h.escrow.burns)
}

func TestSettlementsResumeUnconfirmedTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.settlingBounty(t, 6)
	require.NoError(t, h.st.Bounties().FinalizeSettlement(ctx, b.ID, models.SettlementOutcome{
		Status: models.BountyStatusUnconfirmed, TransferTx: "0xlate", Err: errors.New("receipt wait timed out"),
	}))

	out, err := h.run(t, "settlements", "resume", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID+" unconfirmed\n", out, "no receipt yet")

	h.escrow.receipts["0xlate"] = chain.TxSucceeded
	out, err = h.run(t, "settlements", "resume", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID+" completed\n", out)
	assert.Equal(t, 1, h.escrow.burns)

	got, err := h.st.Bounties().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xlate", got.Settlement.TransferTx)
}

func TestBountiesCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := &models.Bounty{Issue: models.NewIssue("acme", "widgets", 1), OwnerUsername: "alice", RewardAmount: 1, TokenID: 1}
	require.NoError(t, h.st.Bounties().Create(ctx, b))

	_, err := h.run(t, "bounties", "cancel", b.ID, "--owner", "mallory")
	assert.Error(t, err)

	out, err := h.run(t, "bounties", "cancel", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID+" closed\n", out)

	got, err := h.st.Bounties().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BountyStatusClosed, got.Status)
}

func TestKeysSealRoundTrip(t *testing.T) {
	h := newHarness(t)
	pub, priv, err := secrets.GenerateKeyPair()
	require.NoError(t, err)

	h.stdin.WriteString("operator-key-material")
	out, err := h.run(t, "keys", "seal", "--recipient", pub)
	require.NoError(t, err)
	require.True(t, secrets.IsSealed([]byte(out)))

	opener, err := secrets.NewKeyService(&secrets.Config{AgeIdentity: priv}, nil)
	require.NoError(t, err)
	plain, err := opener.Open(context.Background(), []byte(out))
	require.NoError(t, err)
	assert.Equal(t, "operator-key-material", string(plain))
}

func TestKeysSealWithoutRecipient(t *testing.T) {
	h := newHarness(t)
	t.Setenv("AGE_RECIPIENT", "")
	_, err := h.run(t, "keys", "seal")
	assert.ErrorIs(t, err, secrets.ErrNoPublicKey)
}
