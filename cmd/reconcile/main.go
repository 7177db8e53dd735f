package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/checkin"
	"github.com/hackgods/hospital-frontdesk/internal/config"
	"github.com/hackgods/hospital-frontdesk/internal/logger"
	"github.com/hackgods/hospital-frontdesk/internal/wire"
)

// sagaOps is the part of the coordinator the operator commands use.
type sagaOps interface {
	PendingReconciliation(ctx context.Context, limit int) ([]checkin.SagaAttempt, error)
	Resume(ctx context.Context, key string) (*checkin.Result, error)
	Resolve(ctx context.Context, key, note string) error
	ResumeStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Operator tooling for check-in and payment attempts",
	}

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withCoordinator loads config, wires the services and runs fn until it
// returns or the process is signalled.
func withCoordinator(name string, fn func(ctx context.Context, cfg config.Config, ops sagaOps, lg *zap.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	lg, err := logger.New(name, cfg.LogPath, cfg.LogDebug)
	if err != nil {
		log.Printf("failed to init logger: %v, falling back to production defaults", err)
		lg, _ = zap.NewProduction()
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire.Wiring(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer app.Close(lg)

	return fn(ctx, cfg, app.CheckIns, lg)
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attempts whose compensation failed and need manual action",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withCoordinator("reconcile", func(ctx context.Context, _ config.Config, ops sagaOps, _ *zap.Logger) error {
				return printPending(ctx, cmd.OutOrStdout(), ops, limit)
			})
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of attempts to list")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <idempotency-key>",
		Short: "Drive a stuck attempt forward from its recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator("reconcile", func(ctx context.Context, _ config.Config, ops sagaOps, _ *zap.Logger) error {
				res, err := ops.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s check_in=%s payment=%s\n", res.IdempotencyKey, res.State, res.CheckInID, res.PaymentID)
				return nil
			})
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <idempotency-key>",
		Short: "Mark a failed compensation as settled by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			if note == "" {
				return errors.New("--note is required")
			}
			return withCoordinator("reconcile", func(ctx context.Context, _ config.Config, ops sagaOps, _ *zap.Logger) error {
				if err := ops.Resolve(ctx, args[0], note); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s resolved\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("note", "", "What was done to settle the attempt")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Periodically resume attempts left in started or checked_in",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			batch, _ := cmd.Flags().GetInt("batch")
			return withCoordinator("reconcile-sweeper", func(ctx context.Context, cfg config.Config, ops sagaOps, lg *zap.Logger) error {
				s := sweeper{ops: ops, log: lg, staleAfter: cfg.StaleAfter, batch: batch}
				if once {
					s.runOnce(ctx)
					return nil
				}
				s.run(ctx, cfg.SweepInterval)
				return nil
			})
		},
	}
	cmd.Flags().Bool("once", false, "Run a single sweep and exit")
	cmd.Flags().Int("batch", 100, "Maximum attempts resumed per sweep")
	return cmd
}

func printPending(ctx context.Context, out io.Writer, ops sagaOps, limit int) error {
	pending, err := ops.PendingReconciliation(ctx, limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "nothing awaiting reconciliation")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tPATIENT\tCHECK-IN\tFAILED STEP\tREASON\tUPDATED")
	for _, a := range pending {
		checkInID := "-"
		if a.CheckInID != nil {
			checkInID = a.CheckInID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.IdempotencyKey, a.PatientID, checkInID, a.FailedStep, a.FailureReason, a.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type sweeper struct {
	ops        sagaOps
	log        *zap.Logger
	staleAfter time.Duration
	batch      int
}

func (s sweeper) run(ctx context.Context, interval time.Duration) {
	s.log.Info("sweeper started", zap.Duration("interval", interval), zap.Duration("stale_after", s.staleAfter))

	// Run once at startup
	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal received, stopping sweeper")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s sweeper) runOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	settled, err := s.ops.ResumeStale(runCtx, s.staleAfter, s.batch)
	if err != nil {
		s.log.Error("sweep run error", zap.Error(err))
		return 0
	}
	s.log.Info("sweep run complete", zap.Int("settled", settled), zap.Duration("took", time.Since(start)))
	return settled
}
