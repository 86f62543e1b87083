package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/integrations/github"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

// Authenticator exchanges a GitHub OAuth code for the account behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, code string) (*github.Account, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	GenerateToken(username string) (string, error)
	TokenExpiry() time.Duration
}

// AccountHandler handles the GitHub OAuth callbacks that register and sign in
// users.
type AccountHandler struct {
	store      store.Store
	oauth      Authenticator
	sessions   SessionIssuer
	cookieName string
	webURL     string
	logger     *slog.Logger
}

// AccountConfig configures session delivery after a callback.
type AccountConfig struct {
	CookieName string
	// WebURL, when set, receives a redirect instead of a JSON body.
	WebURL string
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(st store.Store, oauth Authenticator, sessions SessionIssuer, cfg AccountConfig, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{
		store:      st,
		oauth:      oauth,
		sessions:   sessions,
		cookieName: cfg.CookieName,
		webURL:     cfg.WebURL,
		logger:     logger,
	}
}

// SessionResponse is returned when a callback signs a user in.
type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Install handles GET /github/callback/install. It registers the user or
// refreshes their installations, optionally setting the payout wallet.
func (h *AccountHandler) Install(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	user := &models.User{Username: account.Login, Installations: account.Installations}
	if wallet := r.URL.Query().Get("wallet_address"); wallet != "" {
		normalized, err := chain.NormalizeAddress(wallet)
		if err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		user.WalletAddress = normalized
	}

	if err := h.store.Users().Upsert(r.Context(), user); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("github app installed", "username", user.Username, "installations", len(user.Installations))
	h.signIn(w, r, user)
}

// Register handles GET /github/callback/register.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	user := &models.User{Username: account.Login, Installations: account.Installations}
	if err := h.store.Users().Create(r.Context(), user); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user registered", "username", user.Username)
	h.signIn(w, r, user)
}

// Login handles GET /github/callback/login.
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var user *models.User
	err := h.store.WithTx(r.Context(), func(tx store.Store) error {
		users := tx.Users()
		if _, err := users.Get(r.Context(), account.Login); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errdefs.NotFound("user %q is not registered", account.Login)
			}
			return err
		}
		if err := users.UpdateInstallations(r.Context(), account.Login, account.Installations); err != nil {
			return err
		}
		var err error
		user, err = users.Get(r.Context(), account.Login)
		return err
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user logged in", "username", user.Username)
	h.signIn(w, r, user)
}

func (h *AccountHandler) authenticate(w http.ResponseWriter, r *http.Request) (*github.Account, bool) {
	code := r.URL.Query().Get("code")
	if code == "" {
		WriteBadRequest(w, r, "code query parameter is required")
		return nil, false
	}

	account, err := h.oauth.Authenticate(r.Context(), code)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return nil, false
	}
	return account, true
}

func (h *AccountHandler) signIn(w http.ResponseWriter, r *http.Request, user *models.User) {
	token, err := h.sessions.GenerateToken(user.Username)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	expiresAt := time.Now().Add(h.sessions.TokenExpiry())

	if h.cookieName != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookieName,
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	if h.webURL != "" {
		http.Redirect(w, r, h.webURL, http.StatusFound)
		return
	}
	WriteJSON(w, http.StatusOK, SessionResponse{Token: token, ExpiresAt: expiresAt, User: user})
}
