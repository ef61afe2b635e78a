// translyctl is the operator CLI for a Transly deployment: schema
// migrations, API keys, credit grants and job inspection.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/apikey"
	"github.com/kiranshivaraju/transly/internal/config"
	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/queue"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
	"github.com/spf13/cobra"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.Bold, color.FgYellow).SprintFunc()
)

func logSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, green("[OK]")+" "+format+"\n", args...)
}

func logWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, yellow("[WARN]")+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "translyctl",
		Short: "Administer a Transly deployment",
		Long: `translyctl administers the Transly store directly.

It reads the same environment as the server (STORE_DRIVER, DATABASE_URL,
SQLITE_PATH, MIGRATIONS_DIR, CREDITS_*) but needs neither Redis nor a
translation backend.

Commands:
  migrate       Apply schema migrations
  keys create   Issue an API key
  credits       Show or grant credit balances
  jobs          Inspect translation jobs`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newKeysCmd(),
		newCreditsCmd(),
		newJobsCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, red("[ERROR]")+" %v\n", err)
		os.Exit(1)
	}
}

// openStore loads storage settings and opens the configured store.
func openStore(ctx context.Context) (store.Store, *config.Config, error) {
	cfg, err := config.LoadStorage()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, cfg, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		Long: `Bring the schema up to date. Postgres is migrated from MIGRATIONS_DIR;
SQLite applies its embedded schema when opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if cfg.Store.Driver != "postgres" {
				logSuccess(out, "sqlite schema ready at %s", cfg.Store.SQLitePath)
				return nil
			}
			version, dirty, err := store.MigrationVersion(cfg.Database.URL, cfg.Store.MigrationsDir)
			if err != nil {
				return err
			}
			if dirty {
				logWarning(out, "schema version %d is dirty", version)
				return nil
			}
			logSuccess(out, "schema at version %d", version)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// keys
// ---------------------------------------------------------------------------

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeysCreateCmd())
	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var (
		owner  string
		name   string
		scopes []string
		cost   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		Long: `Issue an API key for an owner. The raw key is printed once and cannot be
recovered afterwards.

Examples:
  translyctl keys create --owner alice
  translyctl keys create --owner ops --name console --scope admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, raw, err := apikey.Generate(owner, name, scopes, cost)
			if err != nil {
				return err
			}

			db, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("store api key: %w", err)
			}

			out := cmd.OutOrStdout()
			logSuccess(out, "created key %s for %s", key.ID, bold(key.OwnerID))
			fmt.Fprintf(out, "  name:   %s\n", key.Name)
			fmt.Fprintf(out, "  scopes: %s\n", strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "  key:    %s\n", raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner the key authenticates as (required)")
	cmd.Flags().StringVar(&name, "name", "", "Label for the key")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes to grant (repeatable), e.g. admin")
	cmd.Flags().IntVar(&cost, "bcrypt-cost", 0, "bcrypt cost (0 = library default)")
	_ = cmd.Flags().MarkHidden("bcrypt-cost")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// ---------------------------------------------------------------------------
// credits
// ---------------------------------------------------------------------------

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Show or grant credit balances",
	}
	cmd.AddCommand(newCreditsShowCmd(), newCreditsGrantCmd())
	return cmd
}

func openLedger(ctx context.Context) (*credits.Ledger, store.Store, error) {
	db, cfg, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := credits.NewLedger(db, cfg.Credits, quietLogger())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return ledger, db, nil
}

func newCreditsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner>",
		Short: "Show an owner's balance",
		Long:  `Show an owner's balance. Unknown owners are provisioned with the starting balance.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, db, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			acct, err := ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", acct.OwnerID, acct.Balance)
			return nil
		},
	}
}

func newCreditsGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <owner> <amount>",
		Short: "Add (or, with a negative amount, remove) credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount == 0 {
				return fmt.Errorf("amount must be a non-zero integer, got %q", args[1])
			}
			if args[0] == models.GuestOwnerID {
				return fmt.Errorf("owner %q cannot hold credits", models.GuestOwnerID)
			}

			ledger, db, err := openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			acct, err := ledger.Grant(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			logSuccess(cmd.OutOrStdout(), "%s balance is now %d", bold(acct.OwnerID), acct.Balance)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// jobs
// ---------------------------------------------------------------------------

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect translation jobs",
	}
	cmd.AddCommand(newJobsStatusCmd(), newJobsStatsCmd())
	return cmd
}

func openQueue(ctx context.Context) (*queue.Queue, store.Store, error) {
	db, _, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return queue.New(db, nil, 0, quietLogger()), db, nil
}

func newJobsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			q, db, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			view, err := q.GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func printJob(w io.Writer, v *models.JobStatusView) {
	status := string(v.Status)
	switch v.Status {
	case models.JobStatusCompleted:
		status = green(status)
	case models.JobStatusFailed:
		status = red(status)
	}
	fmt.Fprintf(w, "job:      %s\n", v.JobID)
	fmt.Fprintf(w, "owner:    %s\n", v.OwnerID)
	fmt.Fprintf(w, "kind:     %s\n", v.Kind)
	fmt.Fprintf(w, "status:   %s (%d%%)\n", status, v.ProgressPercentage)
	fmt.Fprintf(w, "credits:  %d required, %d consumed\n", v.CreditsRequired, v.CreditsConsumed)
	fmt.Fprintf(w, "created:  %s\n", v.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
	if v.CompletedAt != nil {
		fmt.Fprintf(w, "finished: %s\n", v.CompletedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	if v.Error != nil {
		fmt.Fprintf(w, "error:    %s\n", *v.Error)
	}
}

func newJobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, db, err := openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}

			statuses := make([]string, 0, len(stats))
			for s := range stats {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			out := cmd.OutOrStdout()
			for _, s := range statuses {
				fmt.Fprintf(out, "%-11s %d\n", s, stats[models.JobStatus(s)])
			}
			fmt.Fprintf(out, "%-11s %d\n", "total", stats.Total())
			return nil
		},
	}
}
