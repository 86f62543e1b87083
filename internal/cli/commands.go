package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/models"
	"github.com/karatsubalabs/gitbounties/internal/secrets"
	"github.com/karatsubalabs/gitbounties/internal/settlement"
	"github.com/karatsubalabs/gitbounties/internal/store"
)

func (a *app) tokenCommand() *cobra.Command {
	var (
		username string
		expiry   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a GitHub user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.JWTSecret) < 32 {
				return fmt.Errorf("JWT_SECRET must be at least 32 characters")
			}
			if expiry <= 0 {
				expiry = a.cfg.JWTExpiry
			}
			svc := auth.NewService(&auth.Config{JWTSecret: []byte(a.cfg.JWTSecret), TokenExpiry: expiry}, a.log.Logger)
			token, err := svc.GenerateToken(username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "GitHub username the token identifies")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (defaults to JWT_EXPIRY)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) settlementsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlements",
		Short: "Inspect and resume bounty settlements",
	}

	var (
		status string
		limit  int
		stale  time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List bounties by settlement status",
		Long: `List bounties by settlement status.

With --stale, list settling, unconfirmed and burning bounties that have not
been updated for that long. Those rows were most likely abandoned by a crashed
process and can be settled with "settlements resume".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := []models.BountyStatus{""}
			if status != "" {
				st := models.BountyStatus(strings.ToLower(status))
				if !st.Valid() {
					return errdefs.Validation("unknown status %q", status)
				}
				statuses[0] = st
			}
			var updatedBefore time.Time
			if stale > 0 {
				updatedBefore = time.Now().Add(-stale)
				if !cmd.Flags().Changed("status") {
					statuses = []models.BountyStatus{
						models.BountyStatusSettling,
						models.BountyStatusUnconfirmed,
						models.BountyStatusBurning,
					}
				}
			}

			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var bounties []*models.Bounty
			for _, s := range statuses {
				got, err := st.Bounties().List(ctx, store.BountyFilter{Status: s, UpdatedBefore: updatedBefore, Limit: limit})
				if err != nil {
					return err
				}
				bounties = append(bounties, got...)
			}
			return printBounties(cmd.OutOrStdout(), bounties)
		},
	}
	list.Flags().StringVar(&status, "status", string(models.BountyStatusTransferred), "status to list (empty lists all)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of bounties per status")
	list.Flags().DurationVar(&stale, "stale", 0, "only in-flight bounties not updated for this long")

	var staleAfter time.Duration
	resume := &cobra.Command{
		Use:   "resume <bounty-id>",
		Short: "Resume or reconcile a stuck settlement",
		Long: `Resume or reconcile a stuck settlement. The transfer is never resubmitted.

  transferred          retry the burn
  unconfirmed, failed  read the transfer receipt; a mined transfer is burned
  settling, burning    once idle for --stale-after, read the token owner on
                       chain and record whether the transfer or burn landed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			conn, err := a.rt.DialEscrow(ctx, a.cfg, a.log.WithComponent("chain").Logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			log := a.log.WithComponent("settlement").Logger
			recovery := settlement.NewRecovery(st.Bounties(), settlement.NewExecutor(conn.Escrow, log), 0, log)
			got, err := recovery.Reconcile(ctx, args[0], staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], got)
			return nil
		},
	}
	resume.Flags().DurationVar(&staleAfter, "stale-after", 15*time.Minute, "idle time before a settling or burning bounty counts as abandoned")

	cmd.AddCommand(list, resume)
	return cmd
}

func (a *app) bountiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bounties",
		Short: "Manage bounties",
	}

	var owner string
	cancel := &cobra.Command{
		Use:   "cancel <bounty-id>",
		Short: "Close an open bounty on behalf of its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if owner == "" {
				b, err := st.Bounties().Get(ctx, args[0])
				if err != nil {
					return err
				}
				owner = b.OwnerUsername
			}
			if err := st.Bounties().Cancel(ctx, args[0], owner); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], models.BountyStatusClosed)
			return nil
		},
	}
	cancel.Flags().StringVar(&owner, "owner", "", "owner username (defaults to the recorded owner)")

	cmd.AddCommand(cancel)
	return cmd
}

func (a *app) keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Seal key material with age",
	}

	var recipient string
	seal := &cobra.Command{
		Use:   "seal",
		Short: "Seal stdin for AGE_RECIPIENT and write armored output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" {
				recipient = a.v.GetString("age_recipient")
			}
			svc, err := secrets.NewKeyService(&secrets.Config{AgePublicKey: recipient}, a.log.Logger)
			if err != nil {
				return err
			}
			plaintext, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			sealed, err := svc.Seal(cmd.Context(), plaintext)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(sealed)
			return err
		},
	}
	seal.Flags().StringVar(&recipient, "recipient", "", "age recipient (age1...)")

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an age key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := secrets.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# public key: %s\n%s\n", pub, priv)
			return nil
		},
	}

	cmd.AddCommand(seal, generate)
	return cmd
}

func printBounties(w io.Writer, bounties []*models.Bounty) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tISSUE\tSTATUS\tTOKEN\tCLOSER\tBURN ATTEMPTS\tUPDATED\tERROR")
	for _, b := range bounties {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			b.ID, b.Issue.Key(), b.Status, b.TokenID,
			b.Settlement.CloserLogin, b.Settlement.BurnAttempts,
			b.UpdatedAt.UTC().Format(time.RFC3339), b.Settlement.Error)
	}
	return tw.Flush()
}
