// Package bootstrap builds the service's collaborators from configuration.
// It is shared by the API server and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/karatsubalabs/gitbounties/internal/chain"
	"github.com/karatsubalabs/gitbounties/internal/integrations/github"
	"github.com/karatsubalabs/gitbounties/internal/retry"
	"github.com/karatsubalabs/gitbounties/internal/secrets"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/internal/store/memory"
	pgstore "github.com/karatsubalabs/gitbounties/internal/store/postgres"
	"github.com/karatsubalabs/gitbounties/pkg/config"
)

// OpenStore opens the configured store and applies the schema.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		st = memory.New()
	case config.StoreDriverPostgres:
		pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), logger)
		if err != nil {
			return nil, err
		}
		st = pg
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return st, nil
}

// Keys opens age-sealed key material named by the configuration.
func Keys(cfg *config.Config, logger *slog.Logger) (*secrets.KeyService, error) {
	return secrets.NewKeyService(&secrets.Config{AgeIdentity: cfg.AgeIdentity}, logger)
}

// RetryPolicy converts the configured read retry settings.
func RetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
}

// GitHubClientConfig returns the GitHub REST/GraphQL client settings.
func GitHubClientConfig(cfg *config.Config) github.ClientConfig {
	cc := github.DefaultClientConfig()
	if cfg.GitHub.APIURL != "" {
		cc.APIURL = cfg.GitHub.APIURL
	}
	if cfg.GitHub.GraphQLURL != "" {
		cc.GraphQLURL = cfg.GitHub.GraphQLURL
	}
	if cfg.GitHub.RequestTimeout > 0 {
		cc.Timeout = cfg.GitHub.RequestTimeout
	}
	cc.Retry = RetryPolicy(cfg)
	return cc
}

// GitHub is the set of GitHub integrations the service uses.
type GitHub struct {
	Installations *github.InstallationTokenExchanger
	Closers       *github.CloserResolver
	Issues        *github.IssueFetcher
	OAuth         *github.OAuthClient
}

// NewGitHub loads the App private key and builds the GitHub integrations.
func NewGitHub(ctx context.Context, cfg *config.Config, keys *secrets.KeyService, logger *slog.Logger) (*GitHub, error) {
	pem, err := keys.Load(ctx, cfg.GitHub.PrivateKey, cfg.GitHub.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading github app key: %w", err)
	}
	creds, err := github.NewAppCredentialProvider(cfg.GitHub.AppID, pem)
	if err != nil {
		return nil, err
	}

	cc := GitHubClientConfig(cfg)
	exchanger, err := github.NewInstallationTokenExchanger(creds, cc, logger)
	if err != nil {
		return nil, err
	}
	return &GitHub{
		Installations: exchanger,
		Closers:       github.NewCloserResolver(exchanger, cc, logger),
		Issues:        github.NewIssueFetcher(cc),
		OAuth: github.NewOAuthClient(github.OAuthConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
		}, cc),
	}, nil
}

// DialEscrow loads the operator key and binds the escrow contract.
func DialEscrow(ctx context.Context, cfg *config.Config, keys *secrets.KeyService, logger *slog.Logger) (*chain.Escrow, error) {
	key, err := keys.Load(ctx, cfg.Chain.OperatorKey, cfg.Chain.OperatorKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading operator key: %w", err)
	}
	return chain.Dial(ctx, cfg.Chain.RPCURL, chain.Config{
		ContractAddress:     cfg.Chain.ContractAddress,
		ChainID:             cfg.Chain.ChainID,
		OperatorKey:         strings.TrimSpace(string(key)),
		CallTimeout:         cfg.Chain.CallTimeout,
		ConfirmationTimeout: cfg.Chain.ConfirmationTimeout,
		GasLimit:            cfg.Chain.GasLimit,
		Retry:               RetryPolicy(cfg),
	}, logger)
}
