// Package memory provides an in-process implementation of the store interfaces
// for development and tests. All state is lost when the process exits.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// Store implements store.Store with maps guarded by a single mutex, which
// makes every compare-and-swap transition atomic.
type Store struct {
	mu       sync.Mutex
	bounties map[string]*models.Bounty
	users    map[string]*models.User
	now      func() time.Time
	closed   bool
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		bounties: make(map[string]*models.Bounty),
		users:    make(map[string]*models.User),
		now:      time.Now,
	}
}

// Bounties returns the bounty ledger.
func (s *Store) Bounties() store.BountyStore { return &bountyStore{s: s} }

// Users returns the user store.
func (s *Store) Users() store.UserStore { return &userStore{s: s} }

// Migrate is a no-op.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Ping always succeeds until Close is called.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// WithTx runs fn against the store directly. Individual operations are
// atomic; multi-step rollback is not supported.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errClosed = storeError("memory store closed")

type bountyStore struct {
	s *Store
}

func cloneBounty(b *models.Bounty) *models.Bounty {
	c := *b
	c.Labels = slices.Clone(b.Labels)
	if b.Settlement.SettledAt != nil {
		t := *b.Settlement.SettledAt
		c.Settlement.SettledAt = &t
	}
	return &c
}

func (b *bountyStore) Create(ctx context.Context, bounty *models.Bounty) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bounties {
		if existing.Status == models.BountyStatusOpen && existing.Issue == bounty.Issue {
			return store.ErrDuplicateOpenBounty
		}
		if existing.Status.Active() && existing.TokenID == bounty.TokenID {
			return store.ErrTokenInUse
		}
	}

	if bounty.ID == "" {
		bounty.ID = uuid.New().String()
	}
	now := s.now()
	bounty.Status = models.BountyStatusOpen
	bounty.CreatedAt = now
	bounty.UpdatedAt = now
	s.bounties[bounty.ID] = cloneBounty(bounty)
	return nil
}

func (b *bountyStore) Get(ctx context.Context, id string) (*models.Bounty, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBounty(bounty), nil
}

func (b *bountyStore) GetOpenByIssue(ctx context.Context, issue models.Issue) (*models.Bounty, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bounty := range s.bounties {
		if bounty.Status == models.BountyStatusOpen && bounty.Issue == issue {
			return cloneBounty(bounty), nil
		}
	}
	return nil, nil
}

func (b *bountyStore) List(ctx context.Context, filter store.BountyFilter) ([]*models.Bounty, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.Bounty, 0)
	for _, bounty := range s.bounties {
		if filter.OwnerUsername != "" && bounty.OwnerUsername != filter.OwnerUsername {
			continue
		}
		if filter.Status != "" && bounty.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !bounty.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, cloneBounty(bounty))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (b *bountyStore) TryBeginSettlement(ctx context.Context, id, closerLogin, recipient string) (bool, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if bounty.Status != models.BountyStatusOpen {
		return false, nil
	}
	bounty.Status = models.BountyStatusSettling
	bounty.Settlement.CloserLogin = closerLogin
	bounty.Settlement.RecipientAddress = recipient
	bounty.UpdatedAt = s.now()
	return true, nil
}

func (b *bountyStore) RecordTransfer(ctx context.Context, id, transferTx string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return store.ErrNotFound
	}
	if bounty.Status != models.BountyStatusSettling {
		return store.ErrInvalidTransition
	}
	bounty.Status = models.BountyStatusBurning
	bounty.Settlement.TransferTx = transferTx
	bounty.UpdatedAt = s.now()
	return nil
}

func (b *bountyStore) FinalizeSettlement(ctx context.Context, id string, outcome models.SettlementOutcome) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(store.FinalizeFrom(outcome), bounty.Status) {
		return store.ErrInvalidTransition
	}

	now := s.now()
	bounty.Status = outcome.Status
	if outcome.TransferTx != "" {
		bounty.Settlement.TransferTx = outcome.TransferTx
	}
	if outcome.BurnTx != "" {
		bounty.Settlement.BurnTx = outcome.BurnTx
	}
	bounty.Settlement.Error = ""
	if outcome.Err != nil {
		bounty.Settlement.Error = outcome.Err.Error()
	}
	if outcome.Status == models.BountyStatusCompleted {
		bounty.Settlement.SettledAt = &now
	}
	bounty.UpdatedAt = now
	return nil
}

func (b *bountyStore) TryBeginBurn(ctx context.Context, id string) (bool, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if bounty.Status != models.BountyStatusTransferred {
		return false, nil
	}
	bounty.Status = models.BountyStatusBurning
	bounty.Settlement.BurnAttempts++
	bounty.UpdatedAt = s.now()
	return true, nil
}

func (b *bountyStore) ReleaseBurn(ctx context.Context, id string, cause error) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok {
		return store.ErrNotFound
	}
	if bounty.Status != models.BountyStatusBurning {
		return store.ErrInvalidTransition
	}
	bounty.Status = models.BountyStatusTransferred
	if cause != nil {
		bounty.Settlement.Error = cause.Error()
	}
	bounty.UpdatedAt = s.now()
	return nil
}

func (b *bountyStore) Cancel(ctx context.Context, id, ownerUsername string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	bounty, ok := s.bounties[id]
	if !ok || bounty.OwnerUsername != ownerUsername {
		return store.ErrNotFound
	}
	if bounty.Status != models.BountyStatusOpen {
		return store.ErrInvalidTransition
	}
	bounty.Status = models.BountyStatusClosed
	bounty.UpdatedAt = s.now()
	return nil
}

type userStore struct {
	s *Store
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Installations = slices.Clone(u.Installations)
	return &c
}

func (u *userStore) Get(ctx context.Context, username string) (*models.User, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(user), nil
}

func (u *userStore) Create(ctx context.Context, user *models.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return store.ErrUserExists
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.Username] = cloneUser(user)
	return nil
}

func (u *userStore) Upsert(ctx context.Context, user *models.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.users[user.Username]
	if !ok {
		user.CreatedAt = now
		user.UpdatedAt = now
		s.users[user.Username] = cloneUser(user)
		return nil
	}
	existing.Installations = slices.Clone(user.Installations)
	if user.WalletAddress != "" {
		existing.WalletAddress = user.WalletAddress
	}
	existing.UpdatedAt = now
	*user = *cloneUser(existing)
	return nil
}

func (u *userStore) UpdateWallet(ctx context.Context, username, walletAddress string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.WalletAddress = walletAddress
	user.UpdatedAt = s.now()
	return nil
}

func (u *userStore) UpdateInstallations(ctx context.Context, username string, installations []int64) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Installations = slices.Clone(installations)
	user.UpdatedAt = s.now()
	return nil
}
