package handlers

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/karatsubalabs/gitbounties/internal/api/middleware"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/integrations/github"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// InstallationResolver finds the App installation for a repository and
// mints installation tokens.
type InstallationResolver interface {
	ResolveInstallation(ctx context.Context, owner, repo string) (int64, error)
	Exchange(ctx context.Context, installationID int64) (github.InstallationToken, error)
}

// IssueFetcher loads issue metadata with an installation token.
type IssueFetcher interface {
	FetchIssue(ctx context.Context, tok github.InstallationToken, issue models.Issue) (*github.IssueDetails, error)
}

// Authorizer checks that a user can manage an installation.
type Authorizer interface {
	Authorize(ctx context.Context, username string, installationID int64) error
}

// BountyHandler handles bounty HTTP requests.
type BountyHandler struct {
	bounties      store.BountyStore
	installations InstallationResolver
	issues        IssueFetcher
	gate          Authorizer
	logger        *slog.Logger
}

// NewBountyHandler creates a new bounty handler.
func NewBountyHandler(bounties store.BountyStore, installations InstallationResolver, issues IssueFetcher, gate Authorizer, logger *slog.Logger) *BountyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BountyHandler{
		bounties:      bounties,
		installations: installations,
		issues:        issues,
		gate:          gate,
		logger:        logger,
	}
}

// CreateBountyRequest is the body of POST /v1/bounties.
type CreateBountyRequest struct {
	Reward  int64   `json:"reward" validate:"required,gt=0"`
	TokenID *uint64 `json:"token_id" validate:"required"`
}

// Create handles POST /v1/bounties?owner=&repo=&issue=.
func (h *BountyHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := middleware.GetUsername(ctx)
	if username == "" {
		WriteUnauthorized(w, r, "authentication required")
		return
	}

	issue, err := issueFromQuery(r)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	var req CreateBountyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if *req.TokenID > math.MaxInt64 {
		WriteBadRequest(w, r, "token_id is out of range")
		return
	}

	log := h.logger.With("username", username, "issue", issue.Key())

	installationID, err := h.installations.ResolveInstallation(ctx, issue.Owner, issue.Repo)
	if err != nil {
		WriteError(w, r, log, err)
		return
	}
	if err := h.gate.Authorize(ctx, username, installationID); err != nil {
		WriteError(w, r, log, err)
		return
	}

	tok, err := h.installations.Exchange(ctx, installationID)
	if err != nil {
		WriteError(w, r, log, err)
		return
	}
	details, err := h.issues.FetchIssue(ctx, tok, issue)
	if err != nil {
		WriteError(w, r, log, err)
		return
	}
	if details.IsPullRequest {
		WriteError(w, r, log, errdefs.Validation("%s is a pull request, not an issue", issue.Key()))
		return
	}
	if !strings.EqualFold(details.State, "open") {
		WriteError(w, r, log, errdefs.Validation("%s is not open", issue.Key()))
		return
	}

	bounty := &models.Bounty{
		Issue:         issue,
		OwnerUsername: username,
		RewardAmount:  req.Reward,
		TokenID:       *req.TokenID,
		Title:         details.Title,
		Description:   details.Body,
		Labels:        details.Labels,
	}
	if err := h.bounties.Create(ctx, bounty); err != nil {
		WriteError(w, r, log, err)
		return
	}

	log.Info("bounty created", "bounty_id", bounty.ID, "token_id", bounty.TokenID, "reward", bounty.RewardAmount)
	WriteJSON(w, http.StatusCreated, bounty)
}

// List handles GET /v1/bounties.
func (h *BountyHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BountyFilter{Limit: defaultListLimit}

	if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
		filter.OwnerUsername = middleware.GetUsername(r.Context())
		if filter.OwnerUsername == "" {
			WriteUnauthorized(w, r, "authentication required")
			return
		}
	}
	if s := q.Get("status"); s != "" {
		status := models.BountyStatus(strings.ToLower(s))
		if !status.Valid() {
			WriteBadRequest(w, r, "unknown status "+strconv.Quote(s))
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	bounties, err := h.bounties.List(r.Context(), filter)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if bounties == nil {
		bounties = []*models.Bounty{}
	}
	WriteJSON(w, http.StatusOK, bounties)
}

// Get handles GET /v1/bounties/{id}.
func (h *BountyHandler) Get(w http.ResponseWriter, r *http.Request) {
	bounty, err := h.bounties.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, bounty)
}

// Cancel handles DELETE /v1/bounties/{id}. Only the owner can close an open
// bounty.
func (h *BountyHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUsername(r.Context())
	if username == "" {
		WriteUnauthorized(w, r, "authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.bounties.Cancel(r.Context(), id, username); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("bounty cancelled", "bounty_id", id, "username", username)
	w.WriteHeader(http.StatusNoContent)
}

func issueFromQuery(r *http.Request) (models.Issue, error) {
	q := r.URL.Query()
	owner, repo := q.Get("owner"), q.Get("repo")
	if owner == "" || repo == "" {
		return models.Issue{}, errdefs.Validation("owner and repo query parameters are required")
	}
	number, err := strconv.Atoi(q.Get("issue"))
	if err != nil || number <= 0 {
		return models.Issue{}, errdefs.Validation("issue must be a positive integer")
	}
	return models.NewIssue(owner, repo, number), nil
}
