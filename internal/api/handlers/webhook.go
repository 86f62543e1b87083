package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/settlement"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

// maxWebhookBody matches GitHub's 25 MiB payload cap.
const maxWebhookBody = 25 << 20

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// Settler runs the settlement pipeline for a closed issue.
type Settler interface {
	HandleIssueClosed(ctx context.Context, issue models.Issue) (settlement.Result, error)
}

// issuesEvent is the part of an "issues" webhook payload the dispatcher reads.
type issuesEvent struct {
	Action *string `json:"action"`
	Issue  *struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
	Reason     string `json:"reason,omitempty"`
}

// WebhookHandler is the inbound GitHub webhook dispatcher. Each closed issue
// is settled in its own goroutine, detached from the request.
type WebhookHandler struct {
	settler Settler
	secret  []byte
	logger  *slog.Logger

	// mu orders inflight.Add against Shutdown, so Wait never races an Add.
	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewWebhookHandler creates a webhook dispatcher. An empty secret disables
// signature verification.
func NewWebhookHandler(settler Settler, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &WebhookHandler{settler: settler, secret: key, logger: logger}
}

// Handle handles POST /github/webhook.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	log := h.logger.With("delivery_id", deliveryID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		WriteBadRequest(w, r, "failed to read body")
		return
	}
	if len(body) > maxWebhookBody {
		WriteBadRequest(w, r, "payload too large")
		return
	}

	if h.secret != nil && !h.verify(body, r.Header.Get(headerSignature)) {
		log.Warn("webhook signature mismatch")
		WriteUnauthorized(w, r, "invalid signature")
		return
	}

	if event := r.Header.Get(headerEvent); event != "" && event != "issues" {
		log.Debug("ignoring webhook event", "event", event)
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", DeliveryID: deliveryID, Reason: "event " + event})
		return
	}

	var payload issuesEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteError(w, r, log, errdefs.Validation("malformed webhook payload"))
		return
	}
	if payload.Action == nil || *payload.Action == "" {
		WriteError(w, r, log, errdefs.Validation("webhook payload is missing action"))
		return
	}
	if payload.Issue == nil {
		WriteError(w, r, log, errdefs.Validation("webhook payload is missing issue"))
		return
	}

	action := *payload.Action
	if len(payload.Issue.PullRequest) > 0 && string(payload.Issue.PullRequest) != "null" {
		log.Debug("ignoring pull request issue event", "action", action)
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", DeliveryID: deliveryID, Reason: "pull request"})
		return
	}

	switch action {
	case "opened":
		log.Info("issue opened", "number", payload.Issue.Number, "title", payload.Issue.Title)
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ok", DeliveryID: deliveryID})
	case "closed":
		issue, err := closedIssue(payload)
		if err != nil {
			WriteError(w, r, log, err)
			return
		}
		if !h.dispatch(deliveryID, issue) {
			WriteJSON(w, http.StatusServiceUnavailable, WebhookResponse{Status: "unavailable", DeliveryID: deliveryID, Reason: "shutting down"})
			return
		}
		WriteJSON(w, http.StatusAccepted, WebhookResponse{Status: "accepted", DeliveryID: deliveryID})
	default:
		log.Info("ignoring issue action", "action", action)
		WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", DeliveryID: deliveryID, Reason: "action " + action})
	}
}

func closedIssue(p issuesEvent) (models.Issue, error) {
	if p.Repository == nil || p.Repository.Owner.Login == "" || p.Repository.Name == "" {
		return models.Issue{}, errdefs.Validation("webhook payload is missing repository owner or name")
	}
	issue := models.NewIssue(p.Repository.Owner.Login, p.Repository.Name, p.Issue.Number)
	if !issue.Valid() {
		return models.Issue{}, errdefs.Validation("webhook payload is missing issue number")
	}
	return issue, nil
}

// dispatch starts the settlement goroutine. It reports false once Shutdown
// has begun.
func (h *WebhookHandler) dispatch(deliveryID string, issue models.Issue) bool {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return false
	}
	h.inflight.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.inflight.Done()

		ctx := logger.ContextWithDeliveryID(context.Background(), deliveryID)
		start := time.Now()
		res, err := h.settler.HandleIssueClosed(ctx, issue)
		log := h.logger.With(
			"delivery_id", deliveryID,
			"issue", issue.Key(),
			"outcome", res.Outcome,
			"duration", time.Since(start).String(),
		)
		switch {
		case err == nil:
			log.Info("close event handled")
		case errdefs.IsNotFound(err):
			log.Info("close event not settled", "error", err)
		case errdefs.IsPartialFailure(err):
			log.Error("settlement needs burn recovery", "bounty_id", res.BountyID, "error", err)
		case res.Outcome == settlement.OutcomeUnconfirmed:
			log.Error("settlement awaits transfer receipt", "bounty_id", res.BountyID, "transfer_tx", res.TransferTx, "error", err)
		default:
			log.Error("close event failed", "error", err)
		}
	}()
	return true
}

func (h *WebhookHandler) verify(body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return auth.SecureCompare(sig, hex.EncodeToString(mac.Sum(nil)))
}

// Wait blocks until every dispatched settlement has finished.
func (h *WebhookHandler) Wait() {
	h.inflight.Wait()
}

// Shutdown stops accepting close events and waits for in-flight settlements
// or for ctx to end.
func (h *WebhookHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
