package github

import (
	"context"

	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/retry"
)

// IssueDetails is the subset of an issue copied onto a bounty.
type IssueDetails struct {
	Title         string
	Body          string
	Labels        []string
	State         string
	IsPullRequest bool
}

// IssueFetcher reads issues with an installation token.
type IssueFetcher struct {
	cfg ClientConfig
}

// NewIssueFetcher creates an IssueFetcher.
func NewIssueFetcher(cfg ClientConfig) *IssueFetcher {
	return &IssueFetcher{cfg: cfg}
}

// FetchIssue loads an issue. A missing issue yields a NotFound error.
func (f *IssueFetcher) FetchIssue(ctx context.Context, tok InstallationToken, issue models.Issue) (*IssueDetails, error) {
	client, err := f.cfg.restClient(f.cfg.httpClient(staticToken(tok.Token)))
	if err != nil {
		return nil, err
	}

	var details *IssueDetails
	err = retry.Do(ctx, f.cfg.Retry, "fetch issue", func(ctx context.Context) error {
		ctx, cancel := f.cfg.contextWithTimeout(ctx)
		defer cancel()

		got, resp, err := client.Issues.Get(ctx, issue.Owner, issue.Repo, issue.Number)
		if err != nil {
			return classify(resp, err, "fetch issue "+issue.Key())
		}

		labels := make([]string, 0, len(got.Labels))
		for _, l := range got.Labels {
			labels = append(labels, l.GetName())
		}
		details = &IssueDetails{
			Title:         got.GetTitle(),
			Body:          got.GetBody(),
			Labels:        labels,
			State:         got.GetState(),
			IsPullRequest: got.IsPullRequest(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}
