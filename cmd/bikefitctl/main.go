package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bikefit-backend/internal/bootstrap"
	"bikefit-backend/internal/compute"
	"bikefit-backend/internal/shared/auth"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/telemetry"
)

// deps lets tests swap the app and tool lookups.
type deps struct {
	config     func() config.Config
	build      func() (*bootstrap.App, error)
	checkTools func() []compute.ToolStatus
}

func defaultDeps() deps {
	return deps{
		config: config.Load,
		build: func() (*bootstrap.App, error) {
			cfg := config.Load()
			telemetry.Init(cfg.LogLevel)
			return bootstrap.Build(cfg)
		},
		checkTools: compute.CheckTools,
	}
}

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:   "bikefitctl",
		Short: "Operate the bike fit analysis backend",
		Long: `bikefitctl inspects and maintains a bikefit-backend deployment using the
same environment configuration as the API and worker.

Examples:
  bikefitctl doctor
  bikefitctl sweep --lease 20m --grace 5m
  bikefitctl status 3f6c1e0a-...
  bikefitctl token user-42 --email rider@example.com`,
		SilenceUsage: true,
	}
	root.AddCommand(newDoctorCmd(d), newSweepCmd(d), newStatusCmd(d), newTokenCmd(d))
	return root
}

func newDoctorCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that ffmpeg and ffprobe are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := d.checkTools()
			printTools(cmd.OutOrStdout(), statuses)
			if !compute.ToolsReady(statuses) {
				return errors.New("required tools missing")
			}
			return nil
		},
	}
}

func printTools(w io.Writer, statuses []compute.ToolStatus) {
	for _, s := range statuses {
		if s.Available {
			fmt.Fprintf(w, "ok       %-8s %s\n", s.Name, s.Path)
			continue
		}
		fmt.Fprintf(w, "missing  %-8s install: %s\n", s.Name, s.Install)
	}
}

func newSweepCmd(d deps) *cobra.Command {
	var (
		lease time.Duration
		grace time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one watchdog pass: expire stuck analyses and re-dispatch pending ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := d.build()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			defer app.Close(context.Background())

			w := app.Watchdog
			if lease > 0 {
				w.Lease = lease
			}
			if grace > 0 {
				w.PendingGrace = grace
			}
			report, err := w.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d redispatched=%d deferred=%d\n", report.Expired, report.Redispatched, report.Deferred)
			return nil
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "Processing lease override (default WATCHDOG_LEASE)")
	cmd.Flags().DurationVar(&grace, "grace", 0, "Pending grace override (default PENDING_GRACE)")
	return cmd
}

func newStatusCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Print the ledger record of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := d.build()
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			analysis, err := app.Ledger.GetByID(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analysis)
		},
	}
}

func newTokenCmd(d deps) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := d.config()
			issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.Env == "production")
			if err != nil {
				return err
			}
			token, err := issuer.Sign(args[0], email, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&name, "name", "", "Name claim")
	return cmd
}
