// Package cli implements bountyctl, the operator command line for the bounty
// service.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/karatsubalabs/gitbounties/internal/bootstrap"
	"github.com/karatsubalabs/gitbounties/internal/settlement"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/pkg/config"
	"github.com/karatsubalabs/gitbounties/pkg/logger"
)

// EscrowConn is a bound escrow contract and the func that releases it.
type EscrowConn struct {
	Escrow settlement.Escrow
	Close  func() error
}

// Runtime holds the collaborators commands reach for. Tests replace the
// openers to avoid Postgres and a chain RPC.
type Runtime struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	OpenStore  func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error)
	DialEscrow func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*EscrowConn, error)
}

// DefaultRuntime wires the real store and chain openers to the process's
// standard streams.
func DefaultRuntime() *Runtime {
	return &Runtime{
		In:        os.Stdin,
		Out:       os.Stdout,
		Err:       os.Stderr,
		OpenStore: bootstrap.OpenStore,
		DialEscrow: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*EscrowConn, error) {
			keys, err := bootstrap.Keys(cfg, logger)
			if err != nil {
				return nil, err
			}
			escrow, err := bootstrap.DialEscrow(ctx, cfg, keys, logger)
			if err != nil {
				return nil, err
			}
			return &EscrowConn{Escrow: escrow, Close: escrow.Close}, nil
		},
	}
}

// cliEnv maps viper keys to the environment variables the server reads, so
// flags, the environment and .env files resolve the same way.
var cliEnv = map[string]string{
	"store_driver":  "STORE_DRIVER",
	"database_url":  "DATABASE_URL",
	"jwt_secret":    "JWT_SECRET",
	"age_identity":  "AGE_IDENTITY",
	"age_recipient": "AGE_RECIPIENT",
	"log_level":     "LOG_LEVEL",
}

type app struct {
	rt  *Runtime
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

// NewRootCommand builds the bountyctl command tree.
func NewRootCommand(rt *Runtime) *cobra.Command {
	a := &app{rt: rt, v: viper.New()}

	root := &cobra.Command{
		Use:   "bountyctl",
		Short: "bountyctl operates the GitHub bounty service",
		Long: `bountyctl mints session tokens, inspects and resumes settlements,
cancels bounties and seals key material for the bounty service.

Settings come from flags, then environment variables, then a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetIn(rt.In)
	root.SetOut(rt.Out)
	root.SetErr(rt.Err)

	flags := root.PersistentFlags()
	flags.String("store-driver", "", "store driver (postgres or memory)")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	a.v.AutomaticEnv()
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, env := range cliEnv {
		_ = a.v.BindEnv(key, env)
	}
	_ = a.v.BindPFlag("store_driver", flags.Lookup("store-driver"))
	_ = a.v.BindPFlag("database_url", flags.Lookup("database-url"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(a.tokenCommand())
	root.AddCommand(a.settlementsCommand())
	root.AddCommand(a.bountiesCommand())
	root.AddCommand(a.keysCommand())
	return root
}

// Execute runs bountyctl with the default runtime.
func Execute() error {
	return NewRootCommand(DefaultRuntime()).Execute()
}

// load resolves configuration once per invocation.
func (a *app) load() error {
	cfg := config.LoadWithDefaults()
	if s := a.v.GetString("store_driver"); s != "" {
		cfg.StoreDriver = s
	}
	if s := a.v.GetString("database_url"); s != "" {
		cfg.DatabaseDSN = s
	}
	if s := a.v.GetString("jwt_secret"); s != "" {
		cfg.JWTSecret = s
	}
	if s := a.v.GetString("age_identity"); s != "" {
		cfg.AgeIdentity = s
	}
	if s := a.v.GetString("log_level"); s != "" {
		cfg.LogLevel = s
	}
	a.cfg = cfg
	a.log = logger.NewWithWriter(a.rt.Err, logger.ParseLevel(cfg.LogLevel), false)
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	return a.rt.OpenStore(ctx, a.cfg, a.log.WithComponent("store").Logger)
}
