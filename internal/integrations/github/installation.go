package github

import (
	"context"
	"log/slog"
	"time"

	gh "github.com/google/go-github/v41/github"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/retry"
)

// InstallationToken is an access token scoped to one App installation.
// It is minted per pipeline run and never cached.
type InstallationToken struct {
	Token          string
	ExpiresAt      time.Time
	InstallationID int64
}

// InstallationTokenExchanger resolves a repository's App installation and
// exchanges the App credential for an installation token.
type InstallationTokenExchanger struct {
	app    *gh.Client
	cfg    ClientConfig
	logger *slog.Logger
}

// NewInstallationTokenExchanger creates an exchanger authenticated by the App credential.
func NewInstallationTokenExchanger(creds *AppCredentialProvider, cfg ClientConfig, logger *slog.Logger) (*InstallationTokenExchanger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := cfg.restClient(cfg.httpClient(creds))
	if err != nil {
		return nil, err
	}
	return &InstallationTokenExchanger{app: client, cfg: cfg, logger: logger}, nil
}

// ResolveInstallation returns the installation id of the App on owner/repo.
// A repository without the App installed yields a NotFound error.
func (e *InstallationTokenExchanger) ResolveInstallation(ctx context.Context, owner, repo string) (int64, error) {
	var id int64
	err := retry.Do(ctx, e.cfg.Retry, "resolve installation", func(ctx context.Context) error {
		ctx, cancel := e.cfg.contextWithTimeout(ctx)
		defer cancel()

		inst, resp, err := e.app.Apps.FindRepositoryInstallation(ctx, owner, repo)
		if err != nil {
			return classify(resp, err, "installation lookup for "+owner+"/"+repo)
		}
		id = inst.GetID()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errdefs.NotFound("installation lookup for %s/%s: empty id", owner, repo)
	}
	return id, nil
}

// Exchange mints an installation access token. It is attempted once.
func (e *InstallationTokenExchanger) Exchange(ctx context.Context, installationID int64) (InstallationToken, error) {
	ctx, cancel := e.cfg.contextWithTimeout(ctx)
	defer cancel()

	tok, resp, err := e.app.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		if resp != nil && resp.Response != nil {
			return InstallationToken{}, errdefs.ExternalService(err, false, "installation token exchange returned HTTP %d", resp.StatusCode)
		}
		return InstallationToken{}, errdefs.ExternalService(err, false, "installation token exchange failed")
	}
	if tok.GetToken() == "" {
		return InstallationToken{}, errdefs.ExternalService(nil, false, "installation token exchange returned an empty token")
	}

	e.logger.Debug("minted installation token", "installation_id", installationID)
	return InstallationToken{
		Token:          tok.GetToken(),
		ExpiresAt:      tok.GetExpiresAt(),
		InstallationID: installationID,
	}, nil
}

// TokenForRepository resolves the installation of owner/repo and exchanges a token for it.
func (e *InstallationTokenExchanger) TokenForRepository(ctx context.Context, owner, repo string) (InstallationToken, error) {
	id, err := e.ResolveInstallation(ctx, owner, repo)
	if err != nil {
		return InstallationToken{}, err
	}
	return e.Exchange(ctx, id)
}
