package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/karatsubalabs/gitbounties/internal/api/middleware"
	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// UserHandler handles user-related HTTP requests.
type UserHandler struct {
	users  store.UserStore
	logger *slog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users store.UserStore, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{
		users:  users,
		logger: logger,
	}
}

// GetProfile handles GET /v1/user/profile - returns the current user's profile.
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUsername(r.Context())
	if username == "" {
		WriteUnauthorized(w, r, "authentication required")
		return
	}

	user, err := h.users.Get(r.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errdefs.NotFound("user %q is not registered", username)
		}
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// UpdateWalletRequest is the body of PUT /v1/user/wallet.
type UpdateWalletRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,eth_addr"`
}

// UpdateWallet handles PUT /v1/user/wallet. Payouts read the wallet at
// settlement time, so the change applies to bounties already in flight.
func (h *UserHandler) UpdateWallet(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUsername(r.Context())
	if username == "" {
		WriteUnauthorized(w, r, "authentication required")
		return
	}

	var req UpdateWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	wallet, err := chain.NormalizeAddress(req.WalletAddress)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	if err := h.users.UpdateWallet(r.Context(), username, wallet); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	user, err := h.users.Get(r.Context(), username)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("wallet updated", "username", username, "wallet_address", wallet)
	WriteJSON(w, http.StatusOK, user)
}
