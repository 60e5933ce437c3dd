// Package devseed loads sample profile queries so a development agent has
// something to scan right after start.
package devseed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

// Options configures a seeding run.
type Options struct {
	DB     core.Database
	Logger *slog.Logger
	// Queries overrides DefaultQueries.
	Queries []model.ProfileQuery
}

// DefaultQueries is a fictitious identity with one name variant and one former address.
func DefaultQueries() []model.ProfileQuery {
	return []model.ProfileQuery{
		{FirstName: "Jane", LastName: "Doe", City: "Minneapolis", State: "MN", BirthYear: 1985},
		{FirstName: "Jane", MiddleName: "Q", LastName: "Doe", City: "Minneapolis", State: "MN", BirthYear: 1985},
		{FirstName: "Jane", LastName: "Doe", City: "Saint Paul", State: "MN", BirthYear: 1985},
	}
}

// Run saves the sample queries unless the store already holds some. It
// returns the number of queries written.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.DB == nil {
		return 0, errors.New("database is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	existing, err := opts.DB.ProfileQueriesCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("count profile queries: %w", err)
	}
	if existing > 0 {
		logger.InfoContext(ctx, "profile queries already present; skipping seed", "count", existing)
		return 0, nil
	}

	queries := opts.Queries
	if len(queries) == 0 {
		queries = DefaultQueries()
	}
	saved, err := opts.DB.SaveProfileQueries(ctx, queries)
	if err != nil {
		return 0, fmt.Errorf("seed profile queries: %w", err)
	}
	logger.InfoContext(ctx, "seeded profile queries", "count", len(saved))
	return len(saved), nil
}
