package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/target/mmk-dbp/config"
	"github.com/target/mmk-dbp/internal/bootstrap"
	"github.com/target/mmk-dbp/internal/devseed"
	"github.com/target/mmk-dbp/internal/migrate"
	"github.com/target/mmk-dbp/internal/service"
)

func runMigrations(cmdCtx *commandContext, args []string) error {
	var statusOnly bool
	opts, err := parseTimeoutFlags("migrate", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&statusOnly, "status", false, "List pending migrations without applying them")
	})
	if err != nil {
		return err
	}
	if cmdCtx.Config.Storage == config.StorageMemory {
		return errors.New("migrations require STORAGE=postgres")
	}
	if !statusOnly {
		if err := guardRemoteHost(cmdCtx, opts.AllowRemote, "apply schema migrations"); err != nil {
			return err
		}
	}

	// Migrations run explicitly below, not as a side effect of opening the store.
	cfg := cmdCtx.Config
	cfg.Postgres.RunMigrationsOnStart = false
	cmdCtx.Config = cfg

	return withStore(cmdCtx, opts.Timeout, func(ctx context.Context, store bootstrap.StoreHandle) error {
		if statusOnly {
			pending, pendErr := migrate.Pending(ctx, store.DB, migrate.Options{Logger: cmdCtx.Logger})
			if pendErr != nil {
				return fmt.Errorf("list pending migrations: %w", pendErr)
			}
			return printPendingMigrations(os.Stdout, pending)
		}
		return bootstrap.RunMigrations(ctx, store.DB, cmdCtx.Logger)
	})
}

func printPendingMigrations(w io.Writer, pending []migrate.Migration) error {
	if len(pending) == 0 {
		return writeln(w, "schema is up to date")
	}
	for _, m := range pending {
		if err := writef(w, "pending %04d %s\n", m.Version, m.Name); err != nil {
			return err
		}
	}
	return nil
}

func runDBSeed(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("db-seed", args, nil)
	if err != nil {
		return err
	}
	if err := guardRemoteHost(cmdCtx, opts.AllowRemote, "seed development data on the configured database"); err != nil {
		return err
	}

	return withStore(cmdCtx, opts.Timeout, func(ctx context.Context, store bootstrap.StoreHandle) error {
		n, seedErr := devseed.Run(ctx, devseed.Options{DB: store.Store, Logger: cmdCtx.Logger})
		if seedErr != nil {
			return fmt.Errorf("seed data: %w", seedErr)
		}
		cmdCtx.Logger.Info("database seeding completed successfully", "queries", n)
		return nil
	})
}

func runLoadBrokers(cmdCtx *commandContext, args []string) error {
	dir := cmdCtx.Config.Brokers.Dir
	opts, err := parseTimeoutFlags("load-brokers", args, func(fs *flag.FlagSet) {
		fs.StringVar(&dir, "dir", dir, "Directory holding one JSON definition per broker")
	})
	if err != nil {
		return err
	}
	if dir == "" {
		return errors.New("--dir or BROKERS_DIR is required")
	}

	return withStore(cmdCtx, opts.Timeout, func(ctx context.Context, store bootstrap.StoreHandle) error {
		updater, uerr := service.NewBrokerUpdater(service.BrokerUpdaterOptions{
			DB:     store.Store,
			Source: os.DirFS(dir),
			Logger: cmdCtx.Logger,
		})
		if uerr != nil {
			return uerr
		}
		n, uerr := updater.Update(ctx)
		if uerr != nil {
			return fmt.Errorf("load brokers: %w", uerr)
		}
		return writef(os.Stdout, "Brokers updated: %d\n", n)
	})
}

func runMismatches(cmdCtx *commandContext, args []string) error {
	var asJSON bool
	opts, err := parseTimeoutFlags("mismatches", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	})
	if err != nil {
		return err
	}

	return withStore(cmdCtx, opts.Timeout, func(ctx context.Context, store bootstrap.StoreHandle) error {
		calc, cerr := service.NewMismatchCalculator(service.MismatchCalculatorOptions{
			DB:     store.Store,
			Logger: cmdCtx.Logger,
		})
		if cerr != nil {
			return cerr
		}
		report, cerr := calc.Recompute(ctx)
		if cerr != nil {
			return fmt.Errorf("compute mismatches: %w", cerr)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		return printMismatchReport(os.Stdout, report)
	})
}

func printMismatchReport(w io.Writer, report service.MismatchReport) error {
	c := report.Counts
	if err := writef(w,
		"Disappeared: %d  Removal candidates: %d  Unexplained: %d  New matches: %d  Parent/child: %d\n\n",
		c.Disappeared, c.RemovalCandidates, c.Unexplained, c.NewMatches, c.ParentChildMismatches,
	); err != nil {
		return err
	}
	if len(report.Items) == 0 {
		return writeln(w, "(no mismatches)")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "KIND\tBROKER\tPROFILE QUERY\tLISTING\tDETAIL"); err != nil {
		return err
	}
	for _, m := range report.Items {
		listing := "-"
		if m.ExtractedProfileID > 0 {
			listing = fmt.Sprint(m.ExtractedProfileID)
		}
		if err := writef(tw, "%s\t%s\t%d\t%s\t%s\n", m.Kind, m.Broker, m.Target.ProfileQueryID, listing, m.Detail); err != nil {
			return err
		}
	}
	return tw.Flush()
}
