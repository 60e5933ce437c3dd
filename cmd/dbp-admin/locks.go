package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/internal/bootstrap"
)

type lockEntry struct {
	Key   string
	Owner string
	TTL   time.Duration
}

func withRedis(cmdCtx *commandContext, f func(context.Context, redis.UniversalClient) error) error {
	if !cmdCtx.Config.Redis.Enabled {
		return errors.New("redis is not enabled (set REDIS_ENABLED=true)")
	}
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cmdCtx.Config.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()
	return f(ctx, client)
}

func scanLocks(ctx context.Context, client redis.UniversalClient, prefix string) ([]lockEntry, error) {
	var entries []lockEntry
	iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner, err := client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("ttl %s: %w", key, err)
		}
		entries = append(entries, lockEntry{Key: key, Owner: owner, TTL: ttl})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return entries, nil
}

func printLocks(w io.Writer, prefix string, entries []lockEntry) error {
	if len(entries) == 0 {
		return writeln(w, "(no locks held)")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "TARGET\tOWNER\tTTL"); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writef(tw, "%s\t%s\t%s\n", strings.TrimPrefix(e.Key, prefix), e.Owner, e.TTL.Round(time.Second)); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(w, "\nTotal locks: %d\n", len(entries))
}

func runListLocks(cmdCtx *commandContext, _ []string) error {
	prefix := cmdCtx.Config.Agent.RunLockPrefix
	return withRedis(cmdCtx, func(ctx context.Context, client redis.UniversalClient) error {
		entries, err := scanLocks(ctx, client, prefix)
		if err != nil {
			return err
		}
		return printLocks(os.Stdout, prefix, entries)
	})
}

func runClearLocks(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("clear-locks", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dryRun := fs.Bool("dry-run", false, "Print the locks that would be deleted")
	yes := fs.Bool("yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prefix := cmdCtx.Config.Agent.RunLockPrefix
	return withRedis(cmdCtx, func(ctx context.Context, client redis.UniversalClient) error {
		entries, err := scanLocks(ctx, client, prefix)
		if err != nil {
			return err
		}
		if err := printLocks(os.Stdout, prefix, entries); err != nil {
			return err
		}
		if *dryRun || len(entries) == 0 {
			return nil
		}
		if err := confirm(os.Stdin, os.Stdout, "Delete these locks? Running agents lose their claims.", *yes); err != nil {
			return err
		}
		keys := make([]string, 0, len(entries))
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		deleted, err := client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("delete locks: %w", err)
		}
		return writef(os.Stdout, "Deleted %d locks\n", deleted)
	})
}
