package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/retry"
)

// Reasons a close does not qualify for a payout.
const (
	ReasonIssueNotFound = "issue not found"
	ReasonNoCloseEvent  = "no close event"
	ReasonNoCloser      = "closed without a closer"
	ReasonNotPR         = "closed by a non pull request"
	ReasonNotMerged     = "closing pull request is not merged"
	ReasonNoAuthor      = "closing pull request has no author"
)

// Resolution is the outcome of resolving who closed an issue. When Qualified
// is false, Reason says why and the bounty must stay open.
type Resolution struct {
	Qualified   bool
	Login       string
	PullRequest int
	ClosedAt    time.Time
	Reason      string
}

// TokenExchanger mints installation tokens for a repository.
type TokenExchanger interface {
	TokenForRepository(ctx context.Context, owner, repo string) (InstallationToken, error)
}

// CloserResolver determines which pull request closed an issue.
type CloserResolver struct {
	tokens TokenExchanger
	cfg    ClientConfig
	logger *slog.Logger
}

// NewCloserResolver creates a resolver that queries GitHub GraphQL.
func NewCloserResolver(tokens TokenExchanger, cfg ClientConfig, logger *slog.Logger) *CloserResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloserResolver{tokens: tokens, cfg: cfg, logger: logger}
}

// closerQuery fetches the most recent close event of an issue and, when the
// closer is a pull request, its merge state and author.
type closerQuery struct {
	Repository *struct {
		Issue *struct {
			TimelineItems struct {
				Nodes []closedEventNode
			} `graphql:"timelineItems(itemTypes: [CLOSED_EVENT], last: 1)"`
		} `graphql:"issue(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

type closedEventNode struct {
	ClosedEvent struct {
		CreatedAt githubv4.DateTime
		Closer    *struct {
			Typename    string `graphql:"__typename"`
			PullRequest struct {
				Number githubv4.Int
				Merged githubv4.Boolean
				Author *struct {
					Login githubv4.String
				}
			} `graphql:"... on PullRequest"`
		}
	} `graphql:"... on ClosedEvent"`
}

// statusError is a non-2xx GraphQL response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// statusTransport fails non-2xx responses with a statusError so the caller
// can tell rate limits and outages apart from permanent failures.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return resp, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
}

// Resolve mints an installation token for the issue's repository and asks
// GitHub for the issue's last close event. Only a merged pull request with an
// author qualifies.
func (r *CloserResolver) Resolve(ctx context.Context, issue models.Issue) (Resolution, error) {
	tok, err := r.tokens.TokenForRepository(ctx, issue.Owner, issue.Repo)
	if err != nil {
		return Resolution{}, err
	}

	var q closerQuery
	err = retry.Do(ctx, r.cfg.Retry, "resolve closer", func(ctx context.Context) error {
		q = closerQuery{}
		return r.query(ctx, tok.Token, issue, &q)
	})
	if err != nil {
		return Resolution{}, err
	}

	res := interpret(q)
	r.logger.Debug("resolved issue closer",
		"issue", issue.Key(),
		"qualified", res.Qualified,
		"login", res.Login,
		"reason", res.Reason,
	)
	return res, nil
}

func (r *CloserResolver) query(ctx context.Context, token string, issue models.Issue, out *closerQuery) error {
	ctx, cancel := r.cfg.contextWithTimeout(ctx)
	defer cancel()

	hc := r.cfg.httpClient(staticToken(token))
	hc.Transport = statusTransport{next: hc.Transport}
	client := githubv4.NewEnterpriseClient(r.cfg.GraphQLURL, hc)

	err := client.Query(ctx, out, map[string]any{
		"owner":  githubv4.String(issue.Owner),
		"name":   githubv4.String(issue.Repo),
		"number": githubv4.Int(issue.Number),
	})
	return classifyGraphQL(err)
}

// classifyGraphQL converts a githubv4 failure into the error taxonomy.
// Transport errors, 429 and 5xx are retryable; GraphQL errors and malformed
// responses are not.
func classifyGraphQL(err error) error {
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) {
		retryable := se.code >= 500 || se.code == http.StatusTooManyRequests
		return errdefs.ExternalService(errors.New(se.body), retryable, "graphql returned HTTP %d", se.code)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return errdefs.ExternalService(err, true, "graphql request failed")
	}
	return errdefs.ExternalService(err, false, "graphql returned errors")
}

// interpret maps a decoded timeline to a Resolution.
func interpret(q closerQuery) Resolution {
	repo := q.Repository
	if repo == nil || repo.Issue == nil {
		return Resolution{Reason: ReasonIssueNotFound}
	}

	nodes := repo.Issue.TimelineItems.Nodes
	if len(nodes) == 0 {
		return Resolution{Reason: ReasonNoCloseEvent}
	}

	event := nodes[len(nodes)-1].ClosedEvent
	closedAt := event.CreatedAt.Time
	switch {
	case event.Closer == nil:
		return Resolution{Reason: ReasonNoCloser, ClosedAt: closedAt}
	case event.Closer.Typename != "PullRequest":
		return Resolution{Reason: ReasonNotPR, ClosedAt: closedAt}
	}

	pr := event.Closer.PullRequest
	switch {
	case !bool(pr.Merged):
		return Resolution{Reason: ReasonNotMerged, PullRequest: int(pr.Number), ClosedAt: closedAt}
	case pr.Author == nil || pr.Author.Login == "":
		return Resolution{Reason: ReasonNoAuthor, PullRequest: int(pr.Number), ClosedAt: closedAt}
	}

	return Resolution{
		Qualified:   true,
		Login:       string(pr.Author.Login),
		PullRequest: int(pr.Number),
		ClosedAt:    closedAt,
	}
}
