package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// Gate verifies that a user may act on a GitHub App installation. It runs
// before any bounty mutation.
type Gate struct {
	users  store.UserStore
	logger *slog.Logger
}

// NewGate creates a Gate over the user store.
func NewGate(users store.UserStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{users: users, logger: logger}
}

// Check reports whether installationID is in the user's installation set.
func Check(user *models.User, installationID int64) bool {
	return user.HasInstallation(installationID)
}

// Authorize loads the user and rejects with an AuthorizationError when the
// installation is not theirs.
func (g *Gate) Authorize(ctx context.Context, username string, installationID int64) error {
	user, err := g.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NotFound("user %q is not registered", username)
		}
		return fmt.Errorf("loading user: %w", err)
	}

	if !Check(user, installationID) {
		g.logger.Warn("installation access denied",
			"username", username,
			"installation_id", installationID,
		)
		return errdefs.Authorization("user %q has no access to installation %d", username, installationID)
	}
	return nil
}
