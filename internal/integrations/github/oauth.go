package github

import (
	"context"
	"net/http"

	gh "github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
)

// Account is the identity returned by the OAuth flow.
type Account struct {
	Login         string
	Installations []int64
}

// OAuthConfig holds the OAuth App credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// Endpoint overrides the github.com OAuth endpoint when set.
	Endpoint *oauth2.Endpoint
}

// OAuthClient exchanges OAuth codes and reads the signed-in user's account.
type OAuthClient struct {
	oauth *oauth2.Config
	cfg   ClientConfig
	hc    *http.Client
}

// NewOAuthClient creates an OAuthClient.
func NewOAuthClient(oc OAuthConfig, cfg ClientConfig) *OAuthClient {
	endpoint := githuboauth.Endpoint
	if oc.Endpoint != nil {
		endpoint = *oc.Endpoint
	}
	return &OAuthClient{
		oauth: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Endpoint:     endpoint,
		},
		cfg: cfg,
		hc:  &http.Client{Transport: cfg.baseTransport(), Timeout: cfg.Timeout},
	}
}

// Authenticate exchanges an OAuth code and returns the user's login and the
// App installations the user can access.
func (c *OAuthClient) Authenticate(ctx context.Context, code string) (*Account, error) {
	if code == "" {
		return nil, errdefs.Validation("missing oauth code")
	}

	ctx, cancel := c.cfg.contextWithTimeout(ctx)
	defer cancel()

	tok, err := c.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.hc), code)
	if err != nil {
		return nil, errdefs.ExternalService(err, false, "oauth code exchange failed")
	}

	client, err := c.cfg.restClient(c.cfg.httpClient(oauth2.StaticTokenSource(tok)))
	if err != nil {
		return nil, err
	}

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, classify(resp, err, "fetch user profile")
	}

	installations, err := listUserInstallations(ctx, client)
	if err != nil {
		return nil, err
	}

	return &Account{Login: user.GetLogin(), Installations: installations}, nil
}

func listUserInstallations(ctx context.Context, client *gh.Client) ([]int64, error) {
	ids := make([]int64, 0)
	opts := &gh.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.Apps.ListUserInstallations(ctx, opts)
		if err != nil {
			return nil, classify(resp, err, "list user installations")
		}
		for _, inst := range page {
			ids = append(ids, inst.GetID())
		}
		if resp == nil || resp.NextPage == 0 {
			return ids, nil
		}
		opts.Page = resp.NextPage
	}
}
