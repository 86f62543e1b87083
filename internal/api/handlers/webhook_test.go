package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/settlement"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

type recordingSettler struct {
	mu         sync.Mutex
	issues     []models.Issue
	deliveries []string
	block      chan struct{}
}

func (s *recordingSettler) HandleIssueClosed(ctx context.Context, issue models.Issue) (settlement.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, issue)
	s.deliveries = append(s.deliveries, logger.DeliveryIDFromContext(ctx))
	return settlement.Result{Outcome: settlement.OutcomeNoBounty}, nil
}

func (s *recordingSettler) seen() []models.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Issue(nil), s.issues...)
}

func closedPayload(owner, repo string, number int) string {
	return `{"action":"closed","issue":{"number":` + jsonInt(number) + `},"repository":{"name":"` + repo + `","owner":{"login":"` + owner + `"}}}`
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h *WebhookHandler, event, delivery, signature, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(body))
	if event != "" {
		req.Header.Set(headerEvent, event)
	}
	if delivery != "" {
		req.Header.Set(headerDelivery, delivery)
	}
	if signature != "" {
		req.Header.Set(headerSignature, signature)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookClosedIssueDispatches(t *testing.T) {
	settler := &recordingSettler{}
	h := NewWebhookHandler(settler, "", nil)

	rec := postWebhook(h, "issues", "delivery-1", "", closedPayload("Acme", "Widgets", 42))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "delivery-1", resp.DeliveryID)

	h.Wait()
	assert.Equal(t, []models.Issue{models.NewIssue("acme", "widgets", 42)}, settler.seen())
	assert.Equal(t, []string{"delivery-1"}, settler.deliveries)
}

func TestWebhookRejectsAndIgnores(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		body   string
		status int
	}{
		{"ping event", "ping", `{"zen":"hi"}`, http.StatusOK},
		{"pull request event", "pull_request", closedPayload("acme", "widgets", 1), http.StatusOK},
		{"malformed json", "issues", `{"action":`, http.StatusBadRequest},
		{"missing action", "issues", `{"issue":{"number":1}}`, http.StatusBadRequest},
		{"missing issue", "issues", `{"action":"closed"}`, http.StatusBadRequest},
		{"closed without repository", "issues", `{"action":"closed","issue":{"number":1}}`, http.StatusBadRequest},
		{"closed without number", "issues", `{"action":"closed","issue":{},"repository":{"name":"w","owner":{"login":"a"}}}`, http.StatusBadRequest},
		{"opened", "issues", `{"action":"opened","issue":{"number":1,"title":"t"}}`, http.StatusOK},
		{"unknown action", "issues", `{"action":"labeled","issue":{"number":1}}`, http.StatusOK},
		{"pull request issue", "issues", `{"action":"closed","issue":{"number":1,"pull_request":{"url":"x"}},"repository":{"name":"w","owner":{"login":"a"}}}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settler := &recordingSettler{}
			h := NewWebhookHandler(settler, "", nil)
			rec := postWebhook(h, tt.event, "", "", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			h.Wait()
			assert.Empty(t, settler.seen())
		})
	}
}

// **Property: Only correctly signed deliveries are processed**
// For any body and secret, a delivery signed with the secret is accepted and
// a delivery signed with any other secret is rejected with 401.
func TestPropertyWebhookSignature(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("signature gates dispatch", prop.ForAll(
		func(secret, other string, number int) bool {
			if secret == other {
				return true
			}
			settler := &recordingSettler{}
			h := NewWebhookHandler(settler, secret, nil)
			body := closedPayload("acme", "widgets", number)

			bad := postWebhook(h, "issues", "", sign(other, body), body)
			unsigned := postWebhook(h, "issues", "", "", body)
			good := postWebhook(h, "issues", "", sign(secret, body), body)
			h.Wait()

			return bad.Code == http.StatusUnauthorized &&
				unsigned.Code == http.StatusUnauthorized &&
				good.Code == http.StatusAccepted &&
				len(settler.seen()) == 1
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString(),
		gen.IntRange(1, 100000),
	))

	properties.TestingRun(t)
}

func TestWebhookShutdownDrains(t *testing.T) {
	settler := &recordingSettler{block: make(chan struct{})}
	h := NewWebhookHandler(settler, "", nil)

	rec := postWebhook(h, "issues", "d-1", "", closedPayload("acme", "widgets", 7))
	require.Equal(t, http.StatusAccepted, rec.Code)

	expired, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Shutdown(expired), context.DeadlineExceeded)

	rejected := postWebhook(h, "issues", "d-2", "", closedPayload("acme", "widgets", 8))
	assert.Equal(t, http.StatusServiceUnavailable, rejected.Code)

	close(settler.block)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Len(t, settler.seen(), 1)
}

// **Property: Shutdown waits for every accepted delivery**
// *For any* number of close deliveries racing a shutdown, each delivery is
// either rejected with 503 or settled before Shutdown returns.
func TestPropertyShutdownWaitsForAcceptedDeliveries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("accepted deliveries are settled before shutdown returns", prop.ForAll(
		func(deliveries int) bool {
			settler := &recordingSettler{}
			h := NewWebhookHandler(settler, "", nil)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int
			)
			start := make(chan struct{})
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					<-start
					rec := postWebhook(h, "issues", "", "", closedPayload("acme", "widgets", n+1))
					if rec.Code == http.StatusAccepted {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}(i)
			}

			close(start)
			if err := h.Shutdown(context.Background()); err != nil {
				return false
			}
			settled := len(settler.seen())
			wg.Wait()

			// Nothing is accepted after Shutdown, so the count seen when it
			// returned is final.
			return settled == accepted && len(settler.seen()) == accepted
		},
		gen.IntRange(1, 24),
	))

	properties.TestingRun(t)
}
