package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"creator-payouts/pkg/config"
	"creator-payouts/pkg/db"
	"creator-payouts/pkg/featureflags"
	"creator-payouts/pkg/gen"
	"creator-payouts/pkg/hashistack/secretmanager"
	"creator-payouts/pkg/logger"
	"creator-payouts/pkg/redis"
	"creator-payouts/pkg/task"
	"creator-payouts/services/bootstrap"
	"creator-payouts/services/campaign"
	"creator-payouts/services/jobs"
	"creator-payouts/services/ledger"
	"creator-payouts/services/payout"
	"creator-payouts/services/wallet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type deps struct {
	fx.In
	Payout     *payout.Service
	Ledger     *ledger.Service
	Reconciler *wallet.Reconciler
	Bootstrap  *bootstrap.Service
	Jobs       *jobs.Service
}

// run starts a short-lived app with the engine's modules, hands the
// services to fn and shuts everything down again.
func run(cmd *cobra.Command, fn func(ctx context.Context, d deps) (any, error)) error {
	var d deps
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		featureflags.Module,
		fx.Provide(bootstrap.NewService),
		fx.Provide(jobs.NewService),
		campaign.Module,
		ledger.Module,
		wallet.Module,
		payout.Module,
		fx.Populate(&d),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			zap.L().Warn("shutdown failed", zap.Error(err))
		}
	}()

	out, err := fn(cmd.Context(), d)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the creator payout engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newEvaluateCmd(),
		newSummaryCmd(),
		newReconcileCmd(),
		newClawbackCmd(),
		newSettleCmd(),
		newJobsCmd(),
		newRequeueCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				if err := d.Bootstrap.Migrate(ctx); err != nil {
					return nil, err
				}
				return map[string]string{"status": "migrated"}, nil
			})
		},
	}
}

func newEvaluateCmd() *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a bonus sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				return d.Payout.EvaluateBonuses(ctx, campaignID)
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "only evaluate this campaign")
	return cmd
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <user-id>",
		Short: "Print a creator's ledger summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				return d.Ledger.GetLedgerSummary(ctx, args[0])
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Compare wallets against the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				if len(args) == 1 {
					return d.Reconciler.Reconcile(ctx, args[0], repair)
				}
				return d.Reconciler.ReconcileAll(ctx, repair)
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite drifted wallets with the ledger totals")
	return cmd
}

func newClawbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "clawback <entry-id>",
		Short: "Reverse a credited ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				entry, err := d.Ledger.ClawBack(ctx, args[0], reason)
				if err != nil {
					return nil, err
				}
				return entry.Row(), nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is reversed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Move entries whose clearing window ended to paid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				n, err := d.Ledger.SettleCleared(ctx, time.Now().UTC())
				if err != nil {
					return nil, err
				}
				return map[string]int{"settled": n}, nil
			})
		},
	}
}

func newJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs <task-type>",
		Short: "List recent worker runs of a task type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				return d.Jobs.Recent(ctx, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "how many runs to show")
	return cmd
}

func newRequeueCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Resend payout requests that never reached the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, d deps) (any, error) {
				n, err := d.Payout.RequeuePayoutRequests(ctx, grace)
				if err != nil {
					return nil, err
				}
				return map[string]int{"queued": n}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", time.Minute, "skip entries younger than this")
	return cmd
}
